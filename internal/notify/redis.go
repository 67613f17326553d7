package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wallace/queue-entry/internal/models"
)

// Stream keys consumed by downstream delivery workers (mail sender,
// pager bridge). Entries are appended, never read, from this process.
const (
	CompletionStream = "queue:notify:completion"
	ExceptionStream  = "queue:notify:exception"
	AlertStream      = "queue:alerts"
)

// RedisNotifier publishes notifications onto Redis streams.
type RedisNotifier struct {
	client *redis.Client
	maxLen int64
}

// NewRedisNotifier builds a notifier on an existing client. Streams are
// capped so an unread backlog cannot grow without bound.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, maxLen: 10000}
}

func (n *RedisNotifier) Completion(ctx context.Context, entry *models.QueueEntry, recipient *models.User) error {
	values := map[string]any{
		"entry_id":      entry.ID.String(),
		"account_id":    entry.AccountID,
		"category":      entry.Category,
		"description":   entry.Description,
		"action_method": entry.ActionMethod,
		"success_level": string(entry.SuccessLevel),
		"detail":        entry.Detail.Render(),
	}
	if recipient != nil {
		values["recipient_email"] = recipient.Email
		values["recipient_timezone"] = recipient.Timezone
	}
	if entry.ResourceID != nil {
		values["resource_id"] = entry.ResourceID.String()
	}
	if entry.CompletedOn != nil {
		values["completed_on"] = entry.CompletedOn.UTC().Format(time.RFC3339)
	}
	return n.add(ctx, CompletionStream, values)
}

func (n *RedisNotifier) Exception(ctx context.Context, entry *models.QueueEntry, execErr error) error {
	return n.add(ctx, ExceptionStream, map[string]any{
		"entry_id":      entry.ID.String(),
		"account_id":    entry.AccountID,
		"category":      entry.Category,
		"action_method": entry.ActionMethod,
		"error":         execErr.Error(),
		"detail":        entry.Detail.Render(),
	})
}

func (n *RedisNotifier) Alert(ctx context.Context, entry *models.QueueEntry, alertErr error) error {
	return n.add(ctx, AlertStream, map[string]any{
		"entry_id": entry.ID.String(),
		"error":    alertErr.Error(),
		"kind":     "cleanup_failure",
	})
}

func (n *RedisNotifier) add(ctx context.Context, stream string, values map[string]any) error {
	return n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}
