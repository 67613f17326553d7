// Package worker drives the polling loop: repeatedly claim the next
// eligible queue entry and hand it to the execution engine, with a
// fixed sleep between polls. Several pollers may run per server under
// one server identity; coordination happens entirely in the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wallace/queue-entry/internal/models"
	"github.com/wallace/queue-entry/internal/telemetry"
)

// Repository is the claim surface the poller needs from the store.
type Repository interface {
	ClaimNext(ctx context.Context, serverID string, enforceLimit bool) (*models.QueueEntry, error)
	ClaimedByServer(ctx context.Context, serverID string) ([]models.QueueEntry, error)
	ReleaseEntry(ctx context.Context, id uuid.UUID) error
	ClaimableDepth(ctx context.Context) (int64, error)
}

// Executor runs a claimed entry to its terminal state.
type Executor interface {
	Execute(ctx context.Context, e *models.QueueEntry) (*models.ActionResult, error)
}

// RecoveryPolicy decides what happens to entries this server claimed
// in a previous, possibly crashed, run.
type RecoveryPolicy string

const (
	// RecoveryRelease clears leftover claims so any server may pick
	// them up. The safer default.
	RecoveryRelease RecoveryPolicy = "release"

	// RecoveryRerun executes leftover claims immediately on startup.
	RecoveryRerun RecoveryPolicy = "rerun"
)

// ParseRecoveryPolicy validates a configured policy name.
func ParseRecoveryPolicy(s string) (RecoveryPolicy, error) {
	switch RecoveryPolicy(s) {
	case RecoveryRelease, RecoveryRerun:
		return RecoveryPolicy(s), nil
	case "":
		return RecoveryRelease, nil
	default:
		return "", fmt.Errorf("unknown recovery policy %q", s)
	}
}

// Poller claims and executes entries until its context is cancelled.
type Poller struct {
	repo         Repository
	engine       Executor
	serverID     string
	pollInterval time.Duration
	log          zerolog.Logger
}

func NewPoller(repo Repository, engine Executor, serverID string, pollInterval time.Duration, log zerolog.Logger) *Poller {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Poller{
		repo:         repo,
		engine:       engine,
		serverID:     serverID,
		pollInterval: pollInterval,
		log:          log.With().Str("server_id", serverID).Logger(),
	}
}

// RunForever polls until the context is cancelled. An entry, when
// claimed, is executed synchronously; the loop then sleeps the poll
// interval regardless of outcome. No error from an iteration ever
// terminates the loop.
func (p *Poller) RunForever(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.iterate(ctx)

		if depth, err := p.repo.ClaimableDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// iterate performs one claim/execute cycle behind a panic guard so a
// crashing execution cannot take the poller down.
func (p *Poller) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Any("panic", r).Msg("poller iteration panicked")
		}
	}()

	entry, err := p.repo.ClaimNext(ctx, p.serverID, true)
	if err != nil {
		p.log.Error().Err(err).Msg("claim failed")
		return
	}
	if entry == nil {
		telemetry.EmptyPolls.Inc()
		return
	}

	telemetry.ClaimsTotal.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	p.log.Info().
		Str("entry_id", entry.ID.String()).
		Str("action", entry.ActionOwnerType+"."+entry.ActionMethod).
		Int64("account_id", entry.AccountID).
		Msg("claimed entry")

	if _, err := p.engine.Execute(ctx, entry); err != nil {
		// Only cleanup failures reach here; the entry's own failure
		// state was already recorded and notified by the engine.
		p.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("entry cleanup failed")
	}
}

// Recover handles entries left claimed by this server identity from a
// previous run, per the configured policy.
func Recover(ctx context.Context, repo Repository, engine Executor, serverID string, policy RecoveryPolicy, log zerolog.Logger) error {
	leftover, err := repo.ClaimedByServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("list leftover claims: %w", err)
	}
	if len(leftover) == 0 {
		return nil
	}

	log.Info().
		Str("server_id", serverID).
		Int("count", len(leftover)).
		Str("policy", string(policy)).
		Msg("recovering leftover claims")

	var errs []error
	for i := range leftover {
		entry := leftover[i]
		switch policy {
		case RecoveryRerun:
			if _, err := engine.Execute(ctx, &entry); err != nil {
				errs = append(errs, fmt.Errorf("rerun %s: %w", entry.ID, err))
			}
		default:
			if err := repo.ReleaseEntry(ctx, entry.ID); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", entry.ID, err))
				continue
			}
			telemetry.ReleasedEntries.Inc()
		}
	}
	return errors.Join(errs...)
}
