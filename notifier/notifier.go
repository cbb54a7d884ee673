// Package notifier delivers status transition events to downstream
// consumers. Delivery is fire-and-forget: a failed or suppressed event is
// logged and never retried, and never propagates back into the sweep.
package notifier

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/store"
)

// StatusTransitionEvent is emitted when a connection's persisted status
// changes. Two consecutive sweeps with the same outcome emit nothing.
type StatusTransitionEvent struct {
	ConnectionID string          `json:"connectionId"`
	Protocol     config.Protocol `json:"protocol"`
	OldStatus    store.Status    `json:"oldStatus"`
	NewStatus    store.Status    `json:"newStatus"`
	LatencyMs    int64           `json:"latencyMs"`
	LastError    string          `json:"lastError,omitempty"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

// Notifier receives transition events for downstream broadcast or alerting.
type Notifier interface {
	OnStatusChange(event StatusTransitionEvent)
}

// Func adapts a plain function to the Notifier interface.
type Func func(event StatusTransitionEvent)

// OnStatusChange calls the wrapped function.
func (f Func) OnStatusChange(event StatusTransitionEvent) { f(event) }

// LogNotifier writes every transition to the structured log. It is the
// default sink when no broadcast target is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// OnStatusChange logs the transition.
func (n *LogNotifier) OnStatusChange(event StatusTransitionEvent) {
	entry := n.logger.Info()
	if event.NewStatus == store.StatusError {
		entry = n.logger.Warn()
	}
	entry.
		Str("connection_id", event.ConnectionID).
		Str("protocol", string(event.Protocol)).
		Str("old_status", string(event.OldStatus)).
		Str("new_status", string(event.NewStatus)).
		Int64("latency_ms", event.LatencyMs).
		Str("last_error", event.LastError).
		Msg("connection status changed")
}
