// Package redis provides shared persistence on Redis for distributed deployments.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/runflow/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by this package.
const DefaultKeyPrefix = "ai:"

// Persistence implements persistence.Persistence on a single Redis deployment.
//
//	{prefix}run:{id}:event_seq   INCR counter
//	{prefix}run:{id}:events      list of JSON events
//	{prefix}run:{id}:state       run snapshot
//	{prefix}run:{id}:workflow    workflow snapshot
//	{prefix}run:{id}:trace       trace document
//	{prefix}workflows:active     set of non-terminal run ids
type Persistence struct {
	client     *goredis.Client
	logger     *slog.Logger
	keys       keyspace
	maxRetries int
	ownsClient bool

	events    *EventStore
	runs      *RunStore
	workflows *WorkflowStore
	traces    *TraceStore
}

type Option func(*Persistence)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(p *Persistence) { p.keys = keyspace{prefix: prefix} }
}

// WithMaxRetries bounds WATCH/MULTI retry loops.
func WithMaxRetries(n int) Option {
	return func(p *Persistence) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// NewPersistence connects to the Redis server at url and verifies it answers.
func NewPersistence(ctx context.Context, logger *slog.Logger, url string, opts ...Option) (*Persistence, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	p := NewPersistenceWithClient(client, logger, opts...)
	p.ownsClient = true

	return p, nil
}

// NewPersistenceWithClient builds the stores on an existing client. Close does
// not close a client it did not open.
func NewPersistenceWithClient(client *goredis.Client, logger *slog.Logger, opts ...Option) *Persistence {
	p := &Persistence{
		client:     client,
		logger:     logger.With("module", "redis_persistence"),
		keys:       keyspace{prefix: DefaultKeyPrefix},
		maxRetries: persistence.DefaultMaxRetries,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.events = &EventStore{client: client, keys: p.keys, logger: p.logger}
	p.runs = &RunStore{client: client, keys: p.keys, logger: p.logger}
	p.workflows = &WorkflowStore{client: client, keys: p.keys, logger: p.logger, maxRetries: p.maxRetries}
	p.traces = &TraceStore{client: client, keys: p.keys, maxRetries: p.maxRetries}

	return p
}

func (p *Persistence) Events() persistence.EventStore       { return p.events }
func (p *Persistence) Runs() persistence.RunStore           { return p.runs }
func (p *Persistence) Workflows() persistence.WorkflowStore { return p.workflows }
func (p *Persistence) Traces() persistence.TraceStore       { return p.traces }

// Client exposes the underlying connection for components sharing it.
func (p *Persistence) Client() *goredis.Client {
	return p.client
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	if !p.ownsClient {
		return nil
	}

	return p.client.Close()
}

type keyspace struct {
	prefix string
}

func (k keyspace) eventSeq(runID string) string { return k.prefix + "run:" + runID + ":event_seq" }
func (k keyspace) events(runID string) string   { return k.prefix + "run:" + runID + ":events" }
func (k keyspace) state(runID string) string    { return k.prefix + "run:" + runID + ":state" }
func (k keyspace) workflow(runID string) string { return k.prefix + "run:" + runID + ":workflow" }
func (k keyspace) trace(runID string) string    { return k.prefix + "run:" + runID + ":trace" }
func (k keyspace) active() string               { return k.prefix + "workflows:active" }

// watchRetry runs fn in a WATCH transaction on key, retrying when another
// client modified the key in between, up to maxRetries times.
func watchRetry(ctx context.Context, client *goredis.Client, maxRetries int, fn func(*goredis.Tx) error, keys ...string) error {
	for range maxRetries {
		err := client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}

		return err
	}

	return persistence.ErrConflict
}

// getter is satisfied by both *goredis.Client and *goredis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func getJSON(ctx context.Context, g getter, key string, value any) (bool, error) {
	raw, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, value); err != nil {
		return true, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return true, nil
}
