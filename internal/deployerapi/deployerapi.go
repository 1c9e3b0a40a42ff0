// Package deployerapi implements the deployer's own HTTP surface (spec
// §4.11 SUPPLEMENTED FEATURES): archive upload, deployment CRUD, and a log
// stream, reached through the gateway's catch-all proxy route
// (internal/router's /projects/{name}/* handler). The websocket log twin
// follows the teacher's internal/graph/websocket.go Upgrader shape; the
// archive framing uses msgpack the way cargo-shuttle's deployer consumes
// it (spec SUPPLEMENTED FEATURES), rather than JSON, since it carries a
// raw tarball payload alongside metadata.
package deployerapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"fleetgate/internal/deployment"
	"fleetgate/internal/fleeterr"
	"fleetgate/internal/gitmeta"
	"fleetgate/internal/resourcebroker"
)

// MaxArchiveBytes bounds the upload body, matching cargo-shuttle's
// CREATE_SERVICE_BODY_LIMIT (spec SUPPLEMENTED FEATURES).
const MaxArchiveBytes = 50_000_000

// ArchiveUpload is the msgpack-framed request body for POST
// /deployments/{projectID}/{service}: a tarball plus the git metadata the deployer
// attaches to the new deployment record.
type ArchiveUpload struct {
	Data    []byte
	GitMeta gitmeta.Metadata
}

// Builder drives the build/load/run lifecycle once an archive lands; the
// actual image build and container lifecycle are ContainerRuntime/
// internal/runtime concerns out of this package's scope. Builder is
// invoked asynchronously so the upload handler can return immediately.
type Builder interface {
	Build(ctx context.Context, rec deployment.Record, archive []byte) error
}

// LogStore buffers a deployment's build/runtime log lines and fans them
// out to websocket subscribers (spec §4.11 "logs + websocket twin").
type LogStore struct {
	mu   sync.Mutex
	data map[uuid.UUID][]string
	subs map[uuid.UUID][]chan string
}

func NewLogStore() *LogStore {
	return &LogStore{
		data: make(map[uuid.UUID][]string),
		subs: make(map[uuid.UUID][]chan string),
	}
}

// Append records a log line and pushes it to any live subscribers,
// dropping the line for a subscriber whose channel is full rather than
// blocking the writer (a slow log viewer must not stall a deployment).
func (l *LogStore) Append(id uuid.UUID, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data[id] = append(l.data[id], line)
	for _, ch := range l.subs[id] {
		select {
		case ch <- line:
		default:
		}
	}
}

func (l *LogStore) History(id uuid.UUID) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.data[id]...)
}

func (l *LogStore) subscribe(id uuid.UUID) (chan string, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan string, 64)
	l.subs[id] = append(l.subs[id], ch)
	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		subs := l.subs[id]
		for i, s := range subs {
			if s == ch {
				l.subs[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
}

// Server wires the deployer's local HTTP API onto a chi.Router.
type Server struct {
	Deployments *deployment.Store
	FSM         *deployment.FSM
	Resources   *resourcebroker.Broker
	Logs        *LogStore
	Builder     Builder
	Log         *zap.Logger

	upgrader websocket.Upgrader
}

func NewServer(store *deployment.Store, fsm *deployment.FSM, resources *resourcebroker.Broker, logs *LogStore, builder Builder, log *zap.Logger) *Server {
	return &Server{
		Deployments: store,
		FSM:         fsm,
		Resources:   resources,
		Logs:        logs,
		Builder:     builder,
		Log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/deployments/{projectID}/{service}", s.upload)
	r.Get("/deployments/{projectID}", s.list)
	r.Get("/deployments/{projectID}/{id}", s.get)
	r.Delete("/deployments/{projectID}/{id}", s.remove)
	r.Put("/deployments/{projectID}/{id}/state", s.setState)
	r.Get("/deployments/{projectID}/{id}/logs", s.logsHistory)
	r.Get("/deployments/{projectID}/{id}/logs/ws", s.logsStream)
	r.Post("/clean", s.clean)
	return r
}

// upload implements POST /deployments/{projectID}/{service}: decode the
// msgpack-framed archive, create the deployment record in Queued state,
// and hand the archive to Builder asynchronously.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	service := chi.URLParam(r, "service")

	body := http.MaxBytesReader(w, r.Body, MaxArchiveBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		writeError(w, fleeterr.Wrap(fleeterr.KindPayloadTooLarge, "reading archive upload", err))
		return
	}

	var upload ArchiveUpload
	if err := msgpack.Unmarshal(raw, &upload); err != nil {
		writeError(w, fleeterr.Wrap(fleeterr.KindBadRequest, "decoding archive upload", err))
		return
	}

	rec := s.Deployments.Create(projectID, service, upload.GitMeta)
	s.Logs.Append(rec.ID, "deployment queued")

	if s.Builder != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()
			if err := s.Builder.Build(ctx, *rec, upload.Data); err != nil {
				s.Log.Error("build failed", zap.String("deployment_id", rec.ID.String()), zap.Error(err))
				_ = s.FSM.RecordState(ctx, rec.ID, deployment.StateCrashed, "")
				s.Logs.Append(rec.ID, "build failed: "+err.Error())
			}
		}()
	}

	writeJSON(w, http.StatusAccepted, rec)
}

// list implements GET /deployments/{projectID}?page&limit: page is
// zero-based (spec §6), translated into the underlying offset.
func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	page, limit := parsePageLimit(r, 100)
	recs := s.Deployments.ListByProject(projectID, page*limit, limit)
	writeJSON(w, http.StatusOK, recs)
}

// parsePageLimit implements spec §6's "?page=N&limit=M, page zero-based"
// pagination contract, shared by every paginated route in this package.
func parsePageLimit(r *http.Request, defaultLimit int) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 0 {
		page = 0
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	return page, limit
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fleeterr.New(fleeterr.KindBadRequest, "invalid deployment id"))
		return
	}
	rec, err := s.Deployments.Find(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// remove implements DELETE /deployments/{projectID}/{id}: it kills the deployment (any
// running container is stopped) but keeps the record, matching
// original_source/deployer/src/handlers/mod.rs's delete_deployment, which
// calls deployment_manager.kill(...) and returns the still-persisted
// record rather than erasing deployment history (spec §3).
func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fleeterr.New(fleeterr.KindBadRequest, "invalid deployment id"))
		return
	}
	rec, err := s.FSM.Kill(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// setState implements the deployer-internal record_state call over HTTP
// (spec §4.11), used when the build/run lifecycle lives in a separate
// process from the one holding the in-memory Store.
func (s *Server) setState(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fleeterr.New(fleeterr.KindBadRequest, "invalid deployment id"))
		return
	}
	var body struct {
		State   deployment.State `json:"state"`
		Address string           `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fleeterr.Wrap(fleeterr.KindBadRequest, "decoding state update", err))
		return
	}
	if err := s.FSM.RecordState(r.Context(), id, body.State, body.Address); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logsHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fleeterr.New(fleeterr.KindBadRequest, "invalid deployment id"))
		return
	}
	writeJSON(w, http.StatusOK, s.Logs.History(id))
}

// logsStream upgrades to a websocket and streams new log lines as they
// arrive, matching the teacher's Upgrader{ReadBufferSize,WriteBufferSize}
// shape with origin checking relaxed (the deployer sits behind the
// gateway's own proxy, not exposed directly).
func (s *Server) logsStream(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fleeterr.New(fleeterr.KindBadRequest, "invalid deployment id"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, line := range s.Logs.History(id) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}

	ch, unsubscribe := s.Logs.subscribe(id)
	defer unsubscribe()

	for line := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}
}

// clean implements POST /clean (spec SUPPLEMENTED FEATURES): removes
// every provisioned resource for the deployer's own project, used before
// a full project teardown.
func (s *Server) clean(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectName string `json:"project_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fleeterr.Wrap(fleeterr.KindBadRequest, "decoding clean request", err))
		return
	}
	if s.Resources != nil {
		if err := s.Resources.DeleteAll(r.Context(), body.ProjectName); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := fleeterr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fleeterr.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(fleeterr.ToBody(err))
}
