// Package notify delivers completion, exception, and operator-alert
// notifications for executed queue entries. Sinks are fire-and-forget
// from the execution engine's perspective except for operator alerts,
// which back the cleanup-failure escalation path.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/wallace/queue-entry/internal/models"
)

// Notifier is the sink surface the execution engine calls.
type Notifier interface {
	// Completion announces a finished entry to its recipient.
	Completion(ctx context.Context, entry *models.QueueEntry, recipient *models.User) error

	// Exception reports a failed execution to the job exception channel.
	Exception(ctx context.Context, entry *models.QueueEntry, execErr error) error

	// Alert escalates to the operator channel. Used when cleanup
	// itself fails and the audit trail is at risk.
	Alert(ctx context.Context, entry *models.QueueEntry, alertErr error) error
}

// LogNotifier writes notifications to the structured log. Default sink
// when no Redis address is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Completion(_ context.Context, entry *models.QueueEntry, recipient *models.User) error {
	ev := n.log.Info().
		Str("entry_id", entry.ID.String()).
		Str("category", entry.Category).
		Str("success_level", string(entry.SuccessLevel))
	if recipient != nil {
		ev = ev.Str("recipient", recipient.Email)
	}
	ev.Msg("queue entry completed")
	return nil
}

func (n *LogNotifier) Exception(_ context.Context, entry *models.QueueEntry, execErr error) error {
	n.log.Error().
		Err(execErr).
		Str("entry_id", entry.ID.String()).
		Str("category", entry.Category).
		Str("detail", entry.Detail.Render()).
		Msg("queue entry failed")
	return nil
}

func (n *LogNotifier) Alert(_ context.Context, entry *models.QueueEntry, alertErr error) error {
	n.log.Error().
		Err(alertErr).
		Str("entry_id", entry.ID.String()).
		Msg("operator alert: queue entry cleanup failed")
	return nil
}
