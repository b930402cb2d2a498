// Package evolution turns conversation turns into memory items. Turns are
// observed synchronously and analyzed on a two-lane bounded queue where
// explicit corrections overtake ordinary observations.
package evolution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/andyan77/diyu-agent-sub002/internal/config"
	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/metrics"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/oracle"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
)

// Kind is the lane a job travels on.
type Kind string

const (
	KindObservation      Kind = "observation"
	KindUrgentCorrection Kind = "urgent_correction"
)

// Job is one unit of evolution work.
type Job struct {
	Kind       Kind
	Event      model.ConversationEvent
	Correction *Correction
	EnqueuedAt time.Time
}

// Store is the subset of the memory store evolution writes through.
type Store interface {
	WriteItem(ctx context.Context, item model.MemoryItem) (*store.WriteReceipt, error)
	Supersede(ctx context.Context, oldID string, item model.MemoryItem) (string, error)
	Invalidate(ctx context.Context, id, reason string) error
	Link(ctx context.Context, fromID, toID, rel string) (*store.Link, error)
	GetCurrentByKey(ctx context.Context, userID, key string) (*model.MemoryItem, error)
	ListItems(ctx context.Context, p store.ListParams) ([]model.MemoryItem, error)
}

// Pipeline owns the lanes and the workers draining them.
type Pipeline struct {
	store   Store
	oracle  oracle.Oracle
	cfg     config.EvolutionConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	urgent chan Job
	normal chan Job

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithOracle enables oracle epistemic classification.
func WithOracle(o oracle.Oracle) Option {
	return func(p *Pipeline) { p.oracle = o }
}

// WithMetrics sets the collector set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline. Workers do not run until Start.
func New(s Store, cfg config.EvolutionConfig, opts ...Option) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.UrgentQueue <= 0 {
		cfg.UrgentQueue = 1
	}
	if cfg.NormalQueue <= 0 {
		cfg.NormalQueue = 1
	}
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = 3
	}
	p := &Pipeline{
		store:  s,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		urgent: make(chan Job, cfg.UrgentQueue),
		normal: make(chan Job, cfg.NormalQueue),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = metrics.OrNew(p.metrics)
	return p
}

// Observe classifies a recorded turn. User turns that explicitly revise
// memory go on the urgent lane; everything else is an observation.
func (p *Pipeline) Observe(ev model.ConversationEvent) Job {
	job := Job{Kind: KindObservation, Event: ev, EnqueuedAt: p.now()}
	if ev.Role != model.RoleUser {
		return job
	}
	if c, ok := DetectCorrection(ev.Text()); ok {
		job.Kind = KindUrgentCorrection
		job.Correction = c
	}
	return job
}

// Submit enqueues job without blocking. A full lane drops the job and
// counts it; a closed pipeline rejects everything.
func (p *Pipeline) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	lane := p.normal
	if job.Kind == KindUrgentCorrection {
		lane = p.urgent
	}
	select {
	case lane <- job:
		return true
	default:
		p.metrics.EvolutionDropped.WithLabelValues(string(job.Kind)).Inc()
		p.logger.Warn("evolution lane full, job dropped",
			"lane", job.Kind, "user_id", job.Event.UserID, "event_id", job.Event.ID)
		return false
	}
}

// Pending returns the number of queued jobs per lane.
func (p *Pipeline) Pending() (urgent, normal int) {
	return len(p.urgent), len(p.normal)
}

// Start launches the workers. They stop when ctx is done or Close is called.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

// Close stops accepting jobs, lets the workers drain both lanes and waits
// for them.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		// Urgent first, without waiting.
		select {
		case job := <-p.urgent:
			p.run(ctx, job)
			continue
		default:
		}

		select {
		case job := <-p.urgent:
			p.run(ctx, job)
		case job := <-p.normal:
			p.run(ctx, job)
		case <-ctx.Done():
			return
		case <-p.stop:
			p.drain(ctx)
			return
		}
	}
}

func (p *Pipeline) drain(ctx context.Context) {
	for {
		select {
		case job := <-p.urgent:
			p.run(ctx, job)
		default:
			select {
			case job := <-p.normal:
				p.run(ctx, job)
			default:
				return
			}
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	if err := p.Process(ctx, job); err != nil {
		p.logger.Error("evolution job failed",
			"lane", job.Kind, "user_id", job.Event.UserID, "event_id", job.Event.ID, "error", err)
	}
}

// Process runs one job to completion. Writes rejected by a deletion fence
// are discarded and counted rather than returned.
func (p *Pipeline) Process(ctx context.Context, job Job) error {
	p.metrics.EvolutionProcessed.WithLabelValues(string(job.Kind)).Inc()

	var err error
	switch {
	case job.Kind == KindUrgentCorrection && job.Correction != nil:
		var applied bool
		applied, err = p.applyCorrection(ctx, job.Event, job.Correction)
		if err == nil && !applied {
			err = p.observe(ctx, job.Event)
		}
	case job.Event.Role == model.RoleUser:
		err = p.observe(ctx, job.Event)
	}

	if memerr.IsFenced(err) {
		p.metrics.FencedWrites.WithLabelValues("evolution").Inc()
		p.logger.Info("evolution write discarded, user fenced", "user_id", job.Event.UserID, "event_id", job.Event.ID)
		return nil
	}
	return err
}

type classification struct {
	EpistemicType string `json:"epistemic_type"`
}

// classify asks the oracle for an epistemic type. Any failure keeps the
// rule's own type.
func (p *Pipeline) classify(ctx context.Context, c Candidate) Candidate {
	if p.oracle == nil {
		return c
	}
	prompt := "Classify this statement about a user as fact, opinion or preference. " +
		`Answer with JSON {"epistemic_type": "..."}.` + "\n\n" + c.Content
	out, err := oracle.Call(ctx, p.oracle, p.cfg.AnalysisTimeout, prompt)
	if err != nil {
		p.logger.Warn("epistemic classification skipped", "key", c.Key, "error", err)
		return c
	}
	var cl classification
	if err := oracle.DecodeJSON(out, &cl); err != nil {
		p.logger.Warn("epistemic classification unreadable", "key", c.Key, "error", err)
		return c
	}
	if t := model.EpistemicType(cl.EpistemicType); model.ValidEpistemicTypes[t] && t != model.EpistemicOutdated {
		c.EpistemicType = t
	}
	return c
}
