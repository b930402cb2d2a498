package deletion

import (
	"context"
	"log/slog"
	"sync"
)

// AlertKind names what an alert is about.
type AlertKind string

const (
	AlertSLAWarning   AlertKind = "sla_warning"
	AlertSLAViolation AlertKind = "sla_violation"
	AlertEscalated    AlertKind = "escalated"
)

// Alert asks a human to look at an erasure.
type Alert struct {
	Kind        AlertKind
	TombstoneID string
	UserID      string
	TenantID    string
	Detail      string
}

// Alerter delivers alerts. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to a structured log.
type LogAlerter struct {
	Logger *slog.Logger
}

func (l LogAlerter) Alert(ctx context.Context, a Alert) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelError
	if a.Kind == AlertSLAWarning {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "erasure alert",
		"kind", a.Kind, "tombstone_id", a.TombstoneID, "user_id", a.UserID, "tenant_id", a.TenantID, "detail", a.Detail)
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Alert(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
