package deletion

import (
	"context"
	"math"
	"time"

	memerr "github.com/andyan77/diyu-agent-sub002/internal/errors"
	"github.com/andyan77/diyu-agent-sub002/internal/model"
	"github.com/andyan77/diyu-agent-sub002/internal/store"
)

// Process runs one purge attempt for a tombstone. Surfaces already purged
// by an earlier attempt are skipped. A surface failure moves the tombstone
// to retry_pending, or to escalated once retries are exhausted; the error
// is returned only when the state machine itself could not be advanced.
func (p *Pipeline) Process(ctx context.Context, id string) error {
	t, err := p.store.GetTombstone(ctx, id)
	if err != nil {
		return err
	}
	switch t.State {
	case model.TombstoneQueued:
		if t, err = p.store.AdvanceTombstone(ctx, id, model.TombstoneProcessing, store.AdvanceOptions{}); err != nil {
			return err
		}
	case model.TombstoneProcessing:
	default:
		p.logger.Debug("skipping tombstone not ready for processing", "tombstone_id", id, "state", t.State)
		return nil
	}
	log := p.logger.With("tombstone_id", id, "user_id", t.UserID)

	for _, surface := range store.Surfaces {
		if t.SurfaceDone(surface) {
			continue
		}
		n, err := p.store.PurgeSurface(ctx, id, surface)
		if err != nil {
			return p.fail(ctx, t, surface, err)
		}
		log.Info("surface purged", "surface", surface, "rows", n)
	}

	if _, err := p.store.AdvanceTombstone(ctx, id, model.TombstoneCompleted, store.AdvanceOptions{}); err != nil {
		return err
	}
	p.metrics.DeletionsCompleted.Inc()
	log.Info("erasure completed", "attempts", t.Attempts+1)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, t *model.Tombstone, surface string, cause error) error {
	p.metrics.SurfaceFailures.WithLabelValues(surface).Inc()
	wrapped := memerr.Wrap(cause, memerr.CodeSurfaceFailure, "purging "+surface,
		memerr.FieldTombstoneID(t.ID), memerr.Field("surface", surface))
	p.logger.Warn("surface purge failed", "tombstone_id", t.ID, "surface", surface, "error", cause)

	failed, err := p.store.AdvanceTombstone(ctx, t.ID, model.TombstoneFailed,
		store.AdvanceOptions{Error: wrapped.Error(), CountAttempt: true})
	if err != nil {
		return err
	}

	if failed.Attempts >= p.cfg.MaxRetries {
		if _, err := p.store.AdvanceTombstone(ctx, t.ID, model.TombstoneEscalated, store.AdvanceOptions{}); err != nil {
			return err
		}
		p.metrics.Escalations.Inc()
		p.alerter.Alert(ctx, Alert{
			Kind:        AlertEscalated,
			TombstoneID: t.ID,
			UserID:      t.UserID,
			TenantID:    t.TenantID,
			Detail:      wrapped.Error(),
		})
		return nil
	}

	next := p.now().Add(p.backoff(failed.Attempts))
	_, err = p.store.AdvanceTombstone(ctx, t.ID, model.TombstoneRetryPending, store.AdvanceOptions{NextAttemptAt: &next})
	return err
}

// backoff doubles the base delay per attempt.
func (p *Pipeline) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(float64(p.cfg.RetryBackoff) * math.Pow(2, float64(attempts-1)))
}

// Monitor performs one pass of the background monitor: due retries are
// re-queued, queued tombstones nobody holds are handed to the workers, and
// every open tombstone is checked against its SLA.
func (p *Pipeline) Monitor(ctx context.Context) error {
	now := p.now()

	due, err := p.store.ListTombstones(ctx, model.TombstoneRetryPending)
	if err != nil {
		return err
	}
	for _, t := range due {
		if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
			continue
		}
		if _, err := p.store.AdvanceTombstone(ctx, t.ID, model.TombstoneQueued, store.AdvanceOptions{}); err != nil {
			p.logger.Warn("re-queueing erasure", "tombstone_id", t.ID, "error", err)
			continue
		}
		p.enqueue(t.ID)
	}

	queued, err := p.store.ListTombstones(ctx, model.TombstoneQueued)
	if err != nil {
		return err
	}
	for _, t := range queued {
		p.enqueue(t.ID)
	}

	return p.checkSLA(ctx, now)
}

func (p *Pipeline) checkSLA(ctx context.Context, now time.Time) error {
	open, err := p.store.ListTombstones(ctx,
		model.TombstoneRequested, model.TombstoneVerified, model.TombstoneTombstoned, model.TombstoneQueued,
		model.TombstoneProcessing, model.TombstoneFailed, model.TombstoneRetryPending, model.TombstoneEscalated)
	if err != nil {
		return err
	}

	for _, t := range open {
		ratio := t.ElapsedRatio(now)
		switch {
		case !now.Before(t.Deadline) && !t.SLAEscalated:
			if err := p.store.MarkSLA(ctx, t.ID, true, true); err != nil {
				return err
			}
			p.metrics.SLAViolations.Inc()
			violation := memerr.New(memerr.CodeSLAViolation, "erasure exceeded its deadline",
				memerr.FieldTombstoneID(t.ID), memerr.FieldUserID(t.UserID), memerr.Field("deadline", t.Deadline))
			p.logger.Error("erasure SLA violated", "tombstone_id", t.ID, "state", t.State, "error", violation)
			p.alerter.Alert(ctx, Alert{
				Kind:        AlertSLAViolation,
				TombstoneID: t.ID,
				UserID:      t.UserID,
				TenantID:    t.TenantID,
				Detail:      violation.Error(),
			})
		case ratio >= p.cfg.WarnRatio && !t.SLAWarned:
			if err := p.store.MarkSLA(ctx, t.ID, true, false); err != nil {
				return err
			}
			p.metrics.SLAWarnings.Inc()
			p.logger.Warn("erasure nearing SLA", "tombstone_id", t.ID, "state", t.State, "elapsed_ratio", ratio)
			p.alerter.Alert(ctx, Alert{
				Kind:        AlertSLAWarning,
				TombstoneID: t.ID,
				UserID:      t.UserID,
				TenantID:    t.TenantID,
				Detail:      "elapsed ratio above warning threshold",
			})
		}
	}
	return nil
}
