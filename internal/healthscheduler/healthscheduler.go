// Package healthscheduler implements the periodic health-check sweep
// (spec §4.7): every tick it walks every project in the Ready state and
// enqueues a single Refresh task, awaiting each one before moving to the
// next so the sweep self-throttles against the same worker queue
// production traffic uses. Grounded on the teacher's
// internal/monitor.BacktestMonitor ticker/stopChan shape, generalized
// from "poll running backtests" to "poll ready projects".
package healthscheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetgate/internal/fsm"
	"fleetgate/internal/runtime"
	"fleetgate/internal/store"
	"fleetgate/internal/worker"
)

// DefaultInterval is the sweep period (spec §4.7 "periodic 60-second
// tick").
const DefaultInterval = 60 * time.Second

// Scheduler drives the periodic health sweep.
type Scheduler struct {
	projects *store.ProjectStore
	rt       runtime.Runtime
	tw       *worker.TaskWorker
	log      *zap.Logger
	interval time.Duration
	stopChan chan struct{}
	done     chan struct{}
}

func New(projects *store.ProjectStore, rt runtime.Runtime, tw *worker.TaskWorker, log *zap.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		projects: projects,
		rt:       rt,
		tw:       tw,
		log:      log,
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop, running once immediately and then on
// every tick, until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	<-s.done
}

// sweep implements spec §4.7: gated on worker headroom so a sweep never
// pushes the queue into degraded territory on its own.
func (s *Scheduler) sweep(ctx context.Context) {
	if s.tw.QueueRemaining() <= worker.SvcDegradedThreshold {
		s.log.Warn("skipping health sweep: worker queue near capacity",
			zap.Int("queue_remaining", s.tw.QueueRemaining()))
		return
	}

	ready, err := s.projects.IterReady(ctx)
	if err != nil {
		s.log.Error("listing ready projects for health sweep", zap.Error(err))
		return
	}

	for _, rec := range ready {
		if s.tw.QueueRemaining() <= worker.SvcDegradedThreshold {
			s.log.Warn("aborting health sweep mid-run: worker queue near capacity")
			return
		}

		task := worker.RunUntilDone(s.rt, s.projects, rec.Name)
		handle, err := s.tw.Submit(task)
		if err != nil {
			s.log.Warn("submitting health check task failed", zap.String("project", rec.Name), zap.Error(err))
			continue
		}

		next, err := handle.Wait(ctx)
		if err != nil {
			s.log.Warn("health check task failed", zap.String("project", rec.Name), zap.Error(err))
			continue
		}
		if next.Kind != fsm.KindReady {
			s.log.Info("health check moved project out of ready",
				zap.String("project", rec.Name), zap.String("state", string(next.Kind)))
		}
	}
}
