// Package engine wires the memory store, the evolution and deletion
// pipelines, the context assembler and the governor into the single
// inbound surface callers use.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/andyan77/diyu-agent-sub002/internal/assembler"
	"github.com/andyan77/diyu-agent-sub002/internal/config"
	"github.com/andyan77/diyu-agent-sub002/internal/deletion"
	"github.com/andyan77/diyu-agent-sub002/internal/embedding"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/evolution"
	"github.com/andyan77/diyu-agent-sub002/internal/governor"
	"github.com/andyan77/diyu-agent-sub002/internal/knowledge"
	"github.com/andyan77/diyu-agent-sub002/internal/metrics"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/oracle"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
	"github.com/andyan77/diyu-agent-sub002/internal/vector"
)

// Turn is one conversation turn handed to RecordTurn.
type Turn struct {
	UserID   string     `json:"user_id"`
	TenantID string     `json:"tenant_id,omitempty"`
	Role     model.Role `json:"role"`
	Content  string     `json:"content"`
}

// ErasureStatus is the externally visible state of an erasure.
type ErasureStatus struct {
	TombstoneID string               `json:"tombstone_id"`
	State       model.TombstoneState `json:"state"`
	Progress    deletion.Progress    `json:"progress"`
	Fraction    float64              `json:"fraction"`
}

// Engine is the memory engine.
type Engine struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	cache     *embedding.CachedEmbedder
	assembler *assembler.Assembler
	evolution *evolution.Pipeline
	deletion  *deletion.Pipeline
	governor  *governor.Governor
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
}

type options struct {
	oracle      oracle.Oracle
	oracleSet   bool
	knowledge   knowledge.Provider
	embedder    embedding.Embedder
	embedderSet bool
	alerter     deletion.Alerter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option customizes Open.
type Option func(*options)

// WithOracle overrides the configured oracle. A nil oracle disables query
// rewriting and oracle classification.
func WithOracle(o oracle.Oracle) Option {
	return func(op *options) { op.oracle, op.oracleSet = o, true }
}

// WithKnowledge overrides the configured knowledge provider.
func WithKnowledge(p knowledge.Provider) Option {
	return func(op *options) { op.knowledge = p }
}

// WithEmbedder overrides the configured embedder. A nil embedder switches
// the vector capability off.
func WithEmbedder(e embedding.Embedder) Option {
	return func(op *options) { op.embedder, op.embedderSet = e, true }
}

// WithAlerter routes deletion alerts.
func WithAlerter(a deletion.Alerter) Option {
	return func(op *options) { op.alerter = a }
}

// WithMetrics shares one collector set across components.
func WithMetrics(m *metrics.Metrics) Option {
	return func(op *options) { op.metrics = m }
}

// WithLogger sets the logger every component uses.
func WithLogger(l *slog.Logger) Option {
	return func(op *options) { op.logger = l }
}

// WithClock overrides time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(op *options) { op.now = now }
}

// Open builds an engine from cfg. Background work does not run until Start.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	o.metrics = metrics.OrNew(o.metrics)
	if !o.oracleSet {
		o.oracle = oracle.New(cfg.Oracle)
	}
	if o.knowledge == nil && cfg.Knowledge.File != "" {
		static, err := knowledge.LoadFile(cfg.Knowledge.File)
		if err != nil {
			return nil, err
		}
		o.knowledge = static
	}

	e := &Engine{cfg: cfg, metrics: o.metrics, logger: o.logger}

	emb := o.embedder
	if !o.embedderSet {
		emb = embedding.New(cfg.Embedding)
	}
	if emb != nil && cfg.Embedding.CacheMB > 0 {
		cache, err := embedding.NewCachedEmbedder(emb, int64(cfg.Embedding.CacheMB)<<20)
		if err != nil {
			return nil, err
		}
		e.cache = cache
		emb = cache
	}

	s, err := store.NewSQLiteStore(cfg.Storage.Path, store.Options{
		Vector:         vector.New(emb),
		Logger:         o.logger,
		RRFK:           cfg.Retrieval.RRFK,
		FusedLimit:     cfg.Retrieval.FusedLimit,
		LexicalTimeout: cfg.Retrieval.LexicalTimeout,
		VectorTimeout:  cfg.Retrieval.VectorTimeout,
		Now:            o.now,
	})
	if err != nil {
		e.closeCache()
		return nil, err
	}
	e.store = s
	if emb != nil {
		n, err := s.Reindex(ctx)
		if err != nil {
			e.closeCache()
			_ = s.Close()
			return nil, err
		}
		o.logger.Debug("vector index loaded", "items", n)
	}

	e.assembler = assembler.New(s, cfg,
		assembler.WithOracle(o.oracle),
		assembler.WithKnowledge(o.knowledge),
		assembler.WithMetrics(o.metrics),
		assembler.WithLogger(o.logger),
		assembler.WithClock(o.now),
	)
	e.evolution = evolution.New(s, cfg.Evolution,
		evolution.WithOracle(o.oracle),
		evolution.WithMetrics(o.metrics),
		evolution.WithLogger(o.logger),
		evolution.WithClock(o.now),
	)
	delOpts := []deletion.Option{
		deletion.WithMetrics(o.metrics),
		deletion.WithLogger(o.logger),
		deletion.WithClock(o.now),
	}
	if o.alerter != nil {
		delOpts = append(delOpts, deletion.WithAlerter(o.alerter))
	}
	e.deletion = deletion.New(s, cfg.Deletion, delOpts...)

	govOpts := []governor.Option{
		governor.WithMetrics(o.metrics),
		governor.WithLogger(o.logger),
		governor.WithClock(o.now),
	}
	if emb != nil {
		govOpts = append(govOpts, governor.WithEmbedder(emb))
	}
	e.governor, err = governor.New(s, cfg.Governor, cfg.Rerank, govOpts...)
	if err != nil {
		e.closeCache()
		_ = s.Close()
		return nil, err
	}
	return e, nil
}

// Start launches the evolution workers, the deletion workers with their SLA
// monitor, and the governor schedule. Everything stops at Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return memerr.New(memerr.CodeEngineClosed, "engine is closed")
	}
	if e.started {
		return nil
	}
	if err := e.deletion.Start(ctx); err != nil {
		return err
	}
	e.evolution.Start(ctx)
	e.governor.Start(ctx)
	e.started = true
	e.logger.Info("memory engine started",
		"db", e.store.Path(), "policy_version", e.cfg.Policy.Version, "governor_next", e.governor.Next(time.Now()))
	return nil
}

// Close stops background work, drains queued evolution jobs and closes the
// store. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.governor.Close()
	e.evolution.Close()
	e.deletion.Close()
	e.closeCache()
	return e.store.Close()
}

func (e *Engine) closeCache() {
	if e.cache != nil {
		e.cache.Close()
	}
}

// enter holds off Close until the returned release is called.
func (e *Engine) enter() (func(), error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, memerr.New(memerr.CodeEngineClosed, "engine is closed")
	}
	return e.mu.RUnlock, nil
}

// Store exposes the underlying store for administrative reads.
func (e *Engine) Store() *store.SQLiteStore { return e.store }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Evolution returns the evolution pipeline, mainly so callers can process
// jobs synchronously.
func (e *Engine) Evolution() *evolution.Pipeline { return e.evolution }

// AssembleContext builds the context block for one turn. Its receipts are
// on the block and already persisted.
func (e *Engine) AssembleContext(ctx context.Context, req assembler.Request) (*assembler.ContextBlock, error) {
	release, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return e.assembler.AssembleContext(ctx, req)
}

// RecordTurn appends a turn to its session and hands it to evolution. It
// returns the event id. A turn for a user under erasure is dropped and
// counted; an empty id with a nil error reports that.
func (e *Engine) RecordTurn(ctx context.Context, sessionID string, turn Turn) (string, error) {
	release, err := e.enter()
	if err != nil {
		return "", err
	}
	defer release()
	content := strings.TrimSpace(turn.Content)
	ev := model.ConversationEvent{
		SessionID: sessionID,
		UserID:    turn.UserID,
		TenantID:  turn.TenantID,
		Role:      turn.Role,
		Content:   &content,
	}
	id, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		if memerr.IsFenced(err) {
			e.metrics.FencedWrites.WithLabelValues("record_turn").Inc()
			e.logger.Debug("turn dropped, user is being erased", "user_id", turn.UserID, "session_id", sessionID)
			return "", nil
		}
		return "", err
	}
	ev.ID = id
	if ev.Role == "" {
		ev.Role = model.RoleUser
	}

	job := e.evolution.Observe(ev)
	if !e.evolution.Submit(job) {
		e.logger.Debug("evolution job not queued", "event_id", id, "lane", job.Kind)
	}
	return id, nil
}

// RequestErasure opens an erasure for userID and returns the tombstone id
// with the estimated completion time. The user is fenced on return.
func (e *Engine) RequestErasure(ctx context.Context, userID, requestedBy, tenantID string) (string, time.Time, error) {
	release, err := e.enter()
	if err != nil {
		return "", time.Time{}, err
	}
	defer release()
	return e.deletion.Request(ctx, userID, requestedBy, deletion.ForTenant(tenantID))
}

// GetErasureStatus reports the state and purge progress of a tombstone.
func (e *Engine) GetErasureStatus(ctx context.Context, tombstoneID string) (*ErasureStatus, error) {
	release, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	state, progress, err := e.deletion.Status(ctx, tombstoneID)
	if err != nil {
		return nil, err
	}
	return &ErasureStatus{
		TombstoneID: tombstoneID,
		State:       state,
		Progress:    progress,
		Fraction:    progress.Fraction(),
	}, nil
}

// RetryErasure re-arms an escalated or failed erasure.
func (e *Engine) RetryErasure(ctx context.Context, tombstoneID string) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	return e.deletion.Retry(ctx, tombstoneID)
}

// RecordFeedback stores a user's reaction to an injected memory. The
// governor turns accumulated feedback into confidence calibration.
func (e *Engine) RecordFeedback(ctx context.Context, userID, itemID string, positive bool) (string, error) {
	release, err := e.enter()
	if err != nil {
		return "", err
	}
	defer release()
	id, err := e.store.RecordFeedback(ctx, model.Feedback{UserID: userID, ItemID: itemID, Positive: positive})
	if memerr.IsFenced(err) {
		e.metrics.FencedWrites.WithLabelValues("feedback").Inc()
		return "", nil
	}
	return id, err
}

// RunGovernor runs one governor pass now.
func (e *Engine) RunGovernor(ctx context.Context) (*governor.Report, error) {
	release, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return e.governor.RunOnce(ctx)
}
