// Package engine runs claimed queue entries through the execution
// state machine: resolve target, invoke the action, apply uniform
// success/failure handling, then delete, audit-log, reschedule, and
// notify. Failures up through handler invocation are captured into the
// entry's own state; only a cleanup-phase failure escapes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wallace/queue-entry/internal/models"
	"github.com/wallace/queue-entry/internal/notify"
	"github.com/wallace/queue-entry/internal/registry"
	"github.com/wallace/queue-entry/internal/telemetry"
)

// Store is the persistence surface the engine mutates during cleanup.
type Store interface {
	DeleteEntry(ctx context.Context, id uuid.UUID) error
	CreateLogEntry(ctx context.Context, le *models.LogEntry) (uuid.UUID, error)
	CreateEntry(ctx context.Context, e *models.QueueEntry) error
}

// UserDirectory resolves notification recipients and their timezones.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
}

// Engine executes claimed entries.
type Engine struct {
	store    Store
	users    UserDirectory
	registry *registry.Registry
	notifier notify.Notifier
	log      zerolog.Logger
}

func New(store Store, users UserDirectory, reg *registry.Registry, notifier notify.Notifier, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		users:    users,
		registry: reg,
		notifier: notifier,
		log:      log,
	}
}

// Execute runs one claimed entry to its terminal state. The returned
// result is the handler's envelope (nil when the run failed before one
// was produced). The returned error is non-nil only when the cleanup
// phase failed; every earlier failure is captured into the entry.
func (g *Engine) Execute(ctx context.Context, e *models.QueueEntry) (*models.ActionResult, error) {
	if e.Detail == nil {
		e.Detail = models.NewDetailMessage()
	}

	result, runErr := g.runAction(ctx, e)
	if runErr != nil {
		now := time.Now().UTC()
		e.CompletedOn = &now
		e.Detail.AddContext(fmt.Sprintf("queue entry %s", e.ID), runErr)
		e.SuccessLevel = models.SuccessLevelFailure
		telemetry.ExecuteFailure.Inc()
		if errors.Is(runErr, models.ErrContractViolation) {
			g.log.Error().Err(runErr).
				Str("entry_id", e.ID.String()).
				Str("action_method", e.ActionMethod).
				Msg("action handler violated result contract")
		}
		if nerr := g.notifier.Exception(ctx, e, runErr); nerr != nil {
			g.log.Warn().Err(nerr).Str("entry_id", e.ID.String()).Msg("exception notification failed")
		}
	} else {
		e.Detail = result.DetailMessage
		e.CompletedOn = result.TimeComplete
		e.ResourceID = result.ResourceID
		e.SuccessLevel = models.SuccessLevelSuccess
		telemetry.ExecuteSuccess.Inc()
	}

	if err := g.cleanup(ctx, e); err != nil {
		telemetry.CleanupFailures.Inc()
		if aerr := g.notifier.Alert(ctx, e, err); aerr != nil {
			g.log.Error().Err(aerr).Str("entry_id", e.ID.String()).Msg("operator alert failed")
		}
		return result, fmt.Errorf("%w: %v", models.ErrCleanup, err)
	}

	return result, nil
}

// runAction resolves the target and invokes the handler, enforcing the
// allow-list and the result contract. Every failure comes back as an
// error; nothing here mutates storage.
func (g *Engine) runAction(ctx context.Context, e *models.QueueEntry) (*models.ActionResult, error) {
	base, err := registry.BaseType(e.ActionOwnerType)
	if err != nil {
		return nil, err
	}

	fn, err := g.registry.Action(base, e.ActionMethod)
	if err != nil {
		return nil, err
	}

	// Instance actions must resolve before any side effect.
	if e.ActionID != nil {
		if err := g.registry.Lookup(ctx, base, *e.ActionID); err != nil {
			return nil, err
		}
	}

	inv := registry.Invocation{
		Entry:    e,
		TargetID: e.ActionID,
		Args:     copyArgs(e.ActionArgs),
		Location: g.location(ctx, e),
	}

	result, err := g.invoke(ctx, fn, inv)
	if err != nil {
		return nil, err
	}

	if result == nil || result.DetailMessage == nil {
		return nil, fmt.Errorf("%w: %s.%s must return a result with a detail message",
			models.ErrContractViolation, base, e.ActionMethod)
	}
	return result, nil
}

// invoke calls the handler with a panic guard so a crashing action
// fails its entry instead of the worker.
func (g *Engine) invoke(ctx context.Context, fn registry.ActionFunc, inv registry.Invocation) (result *models.ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: panic: %v", models.ErrHandler, r)
		}
	}()

	result, err = fn(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrHandler, err)
	}
	return result, nil
}

// location resolves the entry user's timezone for the invocation
// context. UTC when there is no user or the zone is unknown.
func (g *Engine) location(ctx context.Context, e *models.QueueEntry) *time.Location {
	if e.UserID == nil || g.users == nil {
		return time.UTC
	}
	u, err := g.users.GetUser(ctx, *e.UserID)
	if err != nil {
		g.log.Warn().Err(err).Int64("user_id", *e.UserID).Msg("user lookup failed, using UTC")
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		g.log.Warn().Err(err).Str("timezone", u.Timezone).Msg("unknown timezone, using UTC")
		return time.UTC
	}
	return loc
}

// cleanup destroys the consumed entry, writes the audit record,
// regenerates recurring entries, and fires the completion notification.
// It runs regardless of the action's outcome; its own failures are the
// one fatal path out of Execute.
func (g *Engine) cleanup(ctx context.Context, e *models.QueueEntry) error {
	if err := g.store.DeleteEntry(ctx, e.ID); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}

	le := models.NewLogEntry(e)
	if _, err := g.store.CreateLogEntry(ctx, &le); err != nil {
		return fmt.Errorf("create log entry: %w", err)
	}

	if e.Recurring() {
		next := e.NextOccurrence(time.Now().UTC())
		if err := g.store.CreateEntry(ctx, next); err != nil {
			return fmt.Errorf("regenerate recurring entry: %w", err)
		}
		telemetry.RecurringCreated.Inc()
	}

	g.notifyCompletion(ctx, e)
	return nil
}

// notifyCompletion is fire-and-forget: sink failures are a log line,
// never an escalation. Entries without a user have no recipient and
// stay silent, matching how mail delivery is keyed off the user row.
func (g *Engine) notifyCompletion(ctx context.Context, e *models.QueueEntry) {
	if e.UserID == nil {
		return
	}
	var recipient *models.User
	if g.users != nil {
		if u, err := g.users.GetUser(ctx, *e.UserID); err == nil {
			recipient = &u
		}
	}
	if recipient == nil {
		return
	}
	if err := g.notifier.Completion(ctx, e, recipient); err != nil {
		g.log.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("completion notification failed")
	}
}

func copyArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), args...)
}
