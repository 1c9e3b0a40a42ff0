// Package etcd wraps the etcd v3 client with the small set of operations
// BuildQueue needs for lease-bounded build grants (spec §4.12): every
// other capability of the teacher's wider wrapper (leader election,
// distributed mutexes) has no caller in fleetgate's single-active-gateway
// model and was dropped rather than kept unwired.
package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Client is a thin wrapper around clientv3.Client scoped to the get,
// prefix get, delete and lease (grant, put-with-lease, revoke) operations
// BuildQueue performs against /fleetgate/build-grants/{deployment_id} keys;
// it has no watch.
type Client struct {
	cli *clientv3.Client
}

// Config holds etcd client configuration.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// NewClient dials etcd, failing fast on an empty endpoint list.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

// Get retrieves a single key's value, used to check whether a build grant
// is currently held.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// GetWithPrefix retrieves every key/value under prefix, used by BuildQueue
// to count currently outstanding build grants.
func (c *Client) GetWithPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = string(kv.Value)
	}
	return result, nil
}

// Delete deletes a key, used to release a grant ahead of its lease TTL.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.cli.Delete(ctx, key)
	return err
}

// GrantLease grants a lease with the given TTL in seconds.
func (c *Client) GrantLease(ctx context.Context, ttl int64) (clientv3.LeaseID, error) {
	resp, err := c.cli.Grant(ctx, ttl)
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// PutWithLease writes key/value bound to leaseID, so the key vanishes on
// its own if the holder (a deployer process) crashes before releasing it.
func (c *Client) PutWithLease(ctx context.Context, key, value string, leaseID clientv3.LeaseID) error {
	_, err := c.cli.Put(ctx, key, value, clientv3.WithLease(leaseID))
	return err
}

// RevokeLease revokes a lease immediately, deleting every key bound to it.
func (c *Client) RevokeLease(ctx context.Context, leaseID clientv3.LeaseID) error {
	_, err := c.cli.Revoke(ctx, leaseID)
	return err
}

// HealthCheck checks that etcd answers within a short deadline.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.cli.Get(ctx, "fleetgate-health-check")
	return err
}
