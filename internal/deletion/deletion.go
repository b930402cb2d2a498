// Package deletion drives erasure requests through the tombstone state
// machine: fence synchronously, purge every storage surface asynchronously,
// retry with backoff and escalate, and watch each request's SLA.
package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/metrics"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
)

// OperatorPrefix marks a requester acting on behalf of any user.
const OperatorPrefix = "operator:"

// perTombstoneEstimate is the planning figure for one purge run.
const perTombstoneEstimate = 10 * time.Second

// Store is the subset of the memory store the pipeline drives.
type Store interface {
	CreateTombstone(ctx context.Context, userID, tenantID, requestedBy string, deadline time.Time) (*model.Tombstone, error)
	AdvanceTombstone(ctx context.Context, id string, to model.TombstoneState, opts store.AdvanceOptions) (*model.Tombstone, error)
	GetTombstone(ctx context.Context, id string) (*model.Tombstone, error)
	ListTombstones(ctx context.Context, states ...model.TombstoneState) ([]model.Tombstone, error)
	PurgeSurface(ctx context.Context, tombstoneID, surface string) (int64, error)
	MarkSLA(ctx context.Context, id string, warned, escalated bool) error
}

// Progress reports how far a purge has come.
type Progress struct {
	SurfacesDone  []string   `json:"surfaces_done"`
	SurfacesTotal int        `json:"surfaces_total"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	Deadline      time.Time  `json:"deadline"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	SLAWarned     bool       `json:"sla_warned,omitempty"`
	SLAEscalated  bool       `json:"sla_escalated,omitempty"`
}

// Fraction is the share of surfaces purged, in [0,1].
func (p Progress) Fraction() float64 {
	if p.SurfacesTotal == 0 {
		return 0
	}
	return float64(len(p.SurfacesDone)) / float64(p.SurfacesTotal)
}

// Pipeline owns the deletion workers and the SLA monitor.
type Pipeline struct {
	store   Store
	cfg     config.DeletionConfig
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	queue chan string

	mu       sync.Mutex
	inflight map[string]bool
	stop     chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithAlerter routes escalation and SLA alerts; the default logs them.
func WithAlerter(a Alerter) Option {
	return func(p *Pipeline) { p.alerter = a }
}

// WithMetrics records pipeline counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock replaces time.Now for deadlines and backoff.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a deletion pipeline. Nothing runs until Start.
func New(s Store, cfg config.DeletionConfig, opts ...Option) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.DefaultSLA <= 0 {
		cfg.DefaultSLA = 30 * 24 * time.Hour
	}
	if cfg.WarnRatio <= 0 || cfg.WarnRatio >= 1 {
		cfg.WarnRatio = 0.75
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Minute
	}
	p := &Pipeline{
		store:    s,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		queue:    make(chan string, 256),
		inflight: map[string]bool{},
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.alerter == nil {
		p.alerter = LogAlerter{Logger: p.logger}
	}
	p.metrics = metrics.OrNew(p.metrics)
	return p
}

type requestOptions struct {
	tenantID string
}

// RequestOption customizes an erasure request.
type RequestOption func(*requestOptions)

// ForTenant selects the tenant whose SLA applies.
func ForTenant(tenantID string) RequestOption {
	return func(o *requestOptions) { o.tenantID = tenantID }
}

// Request opens an erasure for userID. The user is fenced before Request
// returns; the purge itself runs on the workers. A requester other than
// the user or an operator fails the ownership check.
func (p *Pipeline) Request(ctx context.Context, userID, requestedBy string, opts ...RequestOption) (string, time.Time, error) {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}
	now := p.now()
	deadline := now.Add(p.cfg.SLAFor(ro.tenantID))

	tomb, err := p.store.CreateTombstone(ctx, userID, ro.tenantID, requestedBy, deadline)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := p.verify(ctx, tomb); err != nil {
		return tomb.ID, time.Time{}, err
	}
	p.logger.Info("erasure requested", "tombstone_id", tomb.ID, "user_id", userID,
		"requested_by", requestedBy, "deadline", deadline)

	p.enqueue(tomb.ID)
	return tomb.ID, p.estimate(now, deadline), nil
}

// verify runs the ownership check on a requested tombstone. A passing
// request is fenced and queued; a failing one ends in denied.
func (p *Pipeline) verify(ctx context.Context, t *model.Tombstone) error {
	if !owns(t.UserID, t.RequestedBy) {
		denied := memerr.New(memerr.CodeOwnershipDenied, "requester may not erase this user",
			memerr.FieldUserID(t.UserID), memerr.FieldTombstoneID(t.ID), memerr.Field("requested_by", t.RequestedBy))
		if _, err := p.store.AdvanceTombstone(ctx, t.ID, model.TombstoneDenied, store.AdvanceOptions{Error: denied.Error()}); err != nil {
			p.logger.Error("recording ownership failure", "tombstone_id", t.ID, "error", err)
		}
		return denied
	}
	for _, st := range []model.TombstoneState{model.TombstoneVerified, model.TombstoneTombstoned, model.TombstoneQueued} {
		if _, err := p.store.AdvanceTombstone(ctx, t.ID, st, store.AdvanceOptions{}); err != nil {
			return err
		}
	}
	return nil
}

func owns(userID, requestedBy string) bool {
	return requestedBy == userID || strings.HasPrefix(requestedBy, OperatorPrefix)
}

// estimate places the request behind the current backlog, never past the
// SLA deadline.
func (p *Pipeline) estimate(now, deadline time.Time) time.Time {
	ahead := len(p.queue)
	runs := ahead/p.cfg.Workers + 1
	est := now.Add(time.Duration(runs) * perTombstoneEstimate)
	if est.After(deadline) {
		return deadline
	}
	return est
}

// Status returns the state and purge progress of a tombstone.
func (p *Pipeline) Status(ctx context.Context, id string) (model.TombstoneState, Progress, error) {
	t, err := p.store.GetTombstone(ctx, id)
	if err != nil {
		return "", Progress{}, err
	}
	return t.State, Progress{
		SurfacesDone:  t.SurfacesDone,
		SurfacesTotal: len(store.Surfaces),
		Attempts:      t.Attempts,
		LastError:     t.LastError,
		Deadline:      t.Deadline,
		NextAttemptAt: t.NextAttemptAt,
		SLAWarned:     t.SLAWarned,
		SLAEscalated:  t.SLAEscalated,
	}, nil
}

// Retry re-arms a tombstone whose purge failed for immediate processing.
// Denied and completed tombstones cannot be retried.
func (p *Pipeline) Retry(ctx context.Context, id string) error {
	t, err := p.store.GetTombstone(ctx, id)
	if err != nil {
		return err
	}
	switch t.State {
	case model.TombstoneEscalated, model.TombstoneFailed:
		now := p.now()
		if _, err := p.store.AdvanceTombstone(ctx, id, model.TombstoneRetryPending, store.AdvanceOptions{NextAttemptAt: &now}); err != nil {
			return err
		}
		fallthrough
	case model.TombstoneRetryPending:
		if _, err := p.store.AdvanceTombstone(ctx, id, model.TombstoneQueued, store.AdvanceOptions{}); err != nil {
			return err
		}
	case model.TombstoneQueued, model.TombstoneProcessing:
	default:
		return memerr.New(memerr.CodeTransitionInvalid,
			fmt.Sprintf("tombstone in state %s cannot be retried", t.State), memerr.FieldTombstoneID(id))
	}
	p.logger.Info("erasure re-armed", "tombstone_id", id, "user_id", t.UserID)
	p.enqueue(id)
	return nil
}

// enqueue hands id to the workers. A full queue leaves the tombstone
// queued for the monitor to pick up.
func (p *Pipeline) enqueue(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[id] || p.stopped {
		return
	}
	select {
	case p.queue <- id:
		p.inflight[id] = true
	default:
		p.logger.Warn("deletion queue full, left for monitor", "tombstone_id", id)
	}
}

func (p *Pipeline) done(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// Start resumes unfinished tombstones and launches the workers and the
// SLA monitor.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.resume(ctx); err != nil {
		return err
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.wg.Add(1)
	go p.monitor(ctx)
	return nil
}

// Close stops the workers and the monitor and waits for them. A purge in
// progress finishes its current surface first.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()
	p.wg.Wait()
}

// resume re-enqueues work interrupted by a restart. Requests that never got
// past the ownership check are verified again.
func (p *Pipeline) resume(ctx context.Context) error {
	unverified, err := p.store.ListTombstones(ctx, model.TombstoneRequested)
	if err != nil {
		return err
	}
	for i := range unverified {
		t := &unverified[i]
		if err := p.verify(ctx, t); err != nil {
			if memerr.HasCode(err, memerr.CodeOwnershipDenied) {
				p.logger.Warn("interrupted erasure denied", "tombstone_id", t.ID, "user_id", t.UserID, "requested_by", t.RequestedBy)
				continue
			}
			return err
		}
		p.logger.Info("interrupted erasure verified", "tombstone_id", t.ID, "user_id", t.UserID)
	}

	stranded, err := p.store.ListTombstones(ctx, model.TombstoneVerified, model.TombstoneTombstoned)
	if err != nil {
		return err
	}
	for _, t := range stranded {
		for _, st := range nextSteps(t.State) {
			if _, err := p.store.AdvanceTombstone(ctx, t.ID, st, store.AdvanceOptions{}); err != nil {
				return err
			}
		}
	}
	pending, err := p.store.ListTombstones(ctx, model.TombstoneQueued, model.TombstoneProcessing)
	if err != nil {
		return err
	}
	for _, t := range pending {
		p.enqueue(t.ID)
	}
	return nil
}

func nextSteps(from model.TombstoneState) []model.TombstoneState {
	switch from {
	case model.TombstoneVerified:
		return []model.TombstoneState{model.TombstoneTombstoned, model.TombstoneQueued}
	case model.TombstoneTombstoned:
		return []model.TombstoneState{model.TombstoneQueued}
	}
	return nil
}

func (p *Pipeline) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case id := <-p.queue:
			if err := p.Process(ctx, id); err != nil {
				p.logger.Error("erasure run failed", "tombstone_id", id, "error", err)
			}
			p.done(id)
		}
	}
}

func (p *Pipeline) monitor(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.Monitor(ctx); err != nil {
				p.logger.Error("deletion monitor pass failed", "error", err)
			}
		}
	}
}
