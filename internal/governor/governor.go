// Package governor is the periodic quality pass over stored memory. It
// measures staleness, conflict and injection quality, sweeps decayed items,
// resolves lingering contradictions, calibrates stored confidence from
// feedback and consolidates near-duplicate items.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
	"github.com/andyan77/diyu-agent-sub002/internal/embedding"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/metrics"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
)

// Actions recorded on the governor metric.
const (
	ActionInvalidate  = "invalidate"
	ActionResolve     = "resolve"
	ActionCalibrate   = "calibrate"
	ActionConsolidate = "consolidate"
)

// Store is the subset of the memory store the governor maintains.
type Store interface {
	GovernorStats(ctx context.Context, since, staleBefore time.Time) (*store.GovernorStats, error)
	Users(ctx context.Context) ([]string, error)
	ListItems(ctx context.Context, p store.ListParams) ([]model.MemoryItem, error)
	GetItem(ctx context.Context, id string) (*model.MemoryItem, error)
	Invalidate(ctx context.Context, id, reason string) error
	LinksSince(ctx context.Context, rel string, since time.Time) ([]store.Link, error)
	FeedbackStats(ctx context.Context, since time.Time) (map[string]store.FeedbackCount, error)
	InjectionCounts(ctx context.Context, since time.Time) (map[string]int, error)
	UpdateConfidence(ctx context.Context, id string, confidence float64) (float64, error)
	Merge(ctx context.Context, ids []string, item model.MemoryItem) (string, error)
}

// Health holds the rates computed from one lookback window.
type Health struct {
	StalenessRate    float64 `json:"staleness_rate"`
	ConflictRate     float64 `json:"conflict_rate"`
	InjectionQuality float64 `json:"injection_quality"`
	BlockedRate      float64 `json:"blocked_rate"`
}

// HealthFrom derives rates from raw counts. A rate with no denominator is 0;
// injection quality is the positive share of explicit feedback.
func HealthFrom(gs *store.GovernorStats) Health {
	return Health{
		StalenessRate:    ratio(gs.StaleItems, gs.CurrentItems),
		ConflictRate:     ratio(gs.Contradictions, gs.Writes),
		InjectionQuality: ratio(gs.Positive, gs.Positive+gs.Negative),
		BlockedRate:      ratio(gs.Blocked, gs.Injections),
	}
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Report summarizes one governor run.
type Report struct {
	Health      Health              `json:"health"`
	Stats       store.GovernorStats `json:"stats"`
	Swept       bool                `json:"swept"`
	Resolving   bool                `json:"resolving"`
	Invalidated int                 `json:"invalidated"`
	Resolved    int                 `json:"resolved"`
	Calibrated  int                 `json:"calibrated"`
	Merged      int                 `json:"merged"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
}

// Governor runs the quality pass on demand or on a cron schedule.
type Governor struct {
	store    Store
	cfg      config.GovernorConfig
	rerank   config.RerankConfig
	embedder embedding.Embedder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	schedule *cronexpr.Expression

	runMu          sync.Mutex
	lastCalibrated time.Time
	last           *Report

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Option customizes a Governor.
type Option func(*Governor)

// WithEmbedder enables consolidation of similar items.
func WithEmbedder(e embedding.Embedder) Option {
	return func(g *Governor) { g.embedder = e }
}

// WithMetrics records governor actions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithLogger sets the governor logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// WithClock overrides time.Now for decay and scheduling.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a governor. The schedule must be a valid cron expression.
func New(s Store, cfg config.GovernorConfig, rerank config.RerankConfig, opts ...Option) (*Governor, error) {
	expr, err := cronexpr.Parse(cfg.Schedule)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.CodeConfigInvalid, "parsing governor schedule", memerr.Field("schedule", cfg.Schedule))
	}
	g := &Governor{
		store:    s,
		cfg:      cfg,
		rerank:   rerank,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		schedule: expr,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.metrics = metrics.OrNew(g.metrics)
	return g, nil
}

// Next returns the first scheduled run after t, or the zero time when the
// schedule has none.
func (g *Governor) Next(t time.Time) time.Time {
	return g.schedule.Next(t)
}

// Last returns the most recent report, or nil before the first run.
func (g *Governor) Last() *Report {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	return g.last
}

// RunOnce performs one full pass. Runs never overlap. Per-item failures are
// logged and joined into the returned error; the report is always returned
// once the health stats were read.
func (g *Governor) RunOnce(ctx context.Context) (*Report, error) {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	now := g.now()
	rep := &Report{StartedAt: now}
	since := now.Add(-g.cfg.Lookback)
	staleBefore := now.Add(-time.Duration(g.cfg.StaleAfterDays) * 24 * time.Hour)

	gs, err := g.store.GovernorStats(ctx, since, staleBefore)
	if err != nil {
		return nil, err
	}
	rep.Stats = *gs
	rep.Health = HealthFrom(gs)
	log := g.logger.With("run_at", now)

	var errs []error
	if rep.Health.StalenessRate > g.cfg.StalenessThreshold {
		rep.Swept = true
		n, err := g.sweep(ctx, now)
		rep.Invalidated = n
		errs = append(errs, err)
	}
	if rep.Health.ConflictRate > g.cfg.ConflictThreshold {
		rep.Resolving = true
		n, err := g.resolve(ctx, since)
		rep.Resolved = n
		errs = append(errs, err)
	}

	calSince := since
	if g.lastCalibrated.After(calSince) {
		calSince = g.lastCalibrated
	}
	n, err := g.calibrate(ctx, calSince)
	rep.Calibrated = n
	errs = append(errs, err)
	if err == nil {
		g.lastCalibrated = now
	}

	if g.embedder != nil {
		n, err := g.consolidate(ctx)
		rep.Merged = n
		errs = append(errs, err)
	}

	rep.FinishedAt = g.now()
	g.last = rep
	log.Info("governor run finished",
		"staleness_rate", rep.Health.StalenessRate, "conflict_rate", rep.Health.ConflictRate,
		"injection_quality", rep.Health.InjectionQuality, "blocked_rate", rep.Health.BlockedRate,
		"invalidated", rep.Invalidated, "resolved", rep.Resolved,
		"calibrated", rep.Calibrated, "merged", rep.Merged)

	var failed []error
	for _, e := range errs {
		if e != nil {
			failed = append(failed, e)
		}
	}
	if len(failed) > 0 {
		return rep, memerr.Join(failed...)
	}
	return rep, nil
}

// Start runs the governor on its schedule until ctx ends or Close.
func (g *Governor) Start(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			next := g.schedule.Next(g.now())
			if next.IsZero() {
				g.logger.Warn("governor schedule has no further runs")
				return
			}
			timer := time.NewTimer(next.Sub(g.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-g.stop:
				timer.Stop()
				return
			case <-timer.C:
				if _, err := g.RunOnce(ctx); err != nil {
					g.logger.Error("governor run failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the schedule and waits for a run in progress.
func (g *Governor) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
	g.wg.Wait()
}
