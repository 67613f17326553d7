package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallace/queue-entry/internal/models"
	"github.com/wallace/queue-entry/internal/store"
)

// countingExecutor records the entries it was handed.
type countingExecutor struct {
	mu      sync.Mutex
	entries []*models.QueueEntry
	err     error
}

func (x *countingExecutor) Execute(ctx context.Context, e *models.QueueEntry) (*models.ActionResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = append(x.entries, e)
	return nil, x.err
}

func (x *countingExecutor) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}

func queueEntry(accountID int64, scheduledFor time.Time) *models.QueueEntry {
	return &models.QueueEntry{
		ActionOwnerType: "Report",
		ActionMethod:    "generate_report",
		ScheduledFor:    scheduledFor,
		AccountID:       accountID,
		Category:        "reporting",
	}
}

func TestIterateClaimsAndExecutes(t *testing.T) {
	mem := store.NewMemory()
	exec := &countingExecutor{}
	p := NewPoller(mem, exec, "srv-1", time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	e := queueEntry(1, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, mem.CreateEntry(ctx, e))

	p.iterate(ctx)
	require.Equal(t, 1, exec.count())
	assert.Equal(t, e.ID, exec.entries[0].ID)
	require.NotNil(t, exec.entries[0].StartedOn)

	// Nothing left; the next poll is empty.
	p.iterate(ctx)
	assert.Equal(t, 1, exec.count())
}

func TestIterateSurvivesExecutorPanic(t *testing.T) {
	mem := store.NewMemory()
	p := NewPoller(mem, panicExecutor{}, "srv-1", time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, mem.CreateEntry(ctx, queueEntry(1, time.Now().UTC().Add(-time.Minute))))

	assert.NotPanics(t, func() { p.iterate(ctx) })
}

type panicExecutor struct{}

func (panicExecutor) Execute(ctx context.Context, e *models.QueueEntry) (*models.ActionResult, error) {
	panic("executor blew up")
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	mem := store.NewMemory()
	exec := &countingExecutor{}
	p := NewPoller(mem, exec, "srv-1", time.Millisecond, zerolog.Nop())

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, mem.CreateEntry(ctx, queueEntry(i, time.Now().UTC().Add(-time.Minute))))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.RunForever(runCtx) }()

	require.Eventually(t, func() bool { return exec.count() == 3 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

func TestParseRecoveryPolicy(t *testing.T) {
	p, err := ParseRecoveryPolicy("")
	require.NoError(t, err)
	assert.Equal(t, RecoveryRelease, p)

	p, err = ParseRecoveryPolicy("rerun")
	require.NoError(t, err)
	assert.Equal(t, RecoveryRerun, p)

	_, err = ParseRecoveryPolicy("retry")
	require.Error(t, err)
}

func TestRecoverRelease(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	mine := queueEntry(1, time.Now().UTC().Add(-time.Hour))
	theirs := queueEntry(2, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, mem.CreateEntry(ctx, mine))
	require.NoError(t, mem.CreateEntry(ctx, theirs))
	_, err := mem.ClaimEntry(ctx, mine.ID, "srv-1")
	require.NoError(t, err)
	_, err = mem.ClaimEntry(ctx, theirs.ID, "srv-2")
	require.NoError(t, err)

	exec := &countingExecutor{}
	require.NoError(t, Recover(ctx, mem, exec, "srv-1", RecoveryRelease, zerolog.Nop()))

	// Released, not executed, and only this server's claims touched.
	assert.Zero(t, exec.count())
	got, err := mem.GetEntry(ctx, mine.ID)
	require.NoError(t, err)
	assert.Nil(t, got.StartedOn)
	assert.Nil(t, got.ClaimedBy)

	other, err := mem.GetEntry(ctx, theirs.ID)
	require.NoError(t, err)
	assert.NotNil(t, other.StartedOn)
}

func TestRecoverRerun(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	mine := queueEntry(1, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, mem.CreateEntry(ctx, mine))
	_, err := mem.ClaimEntry(ctx, mine.ID, "srv-1")
	require.NoError(t, err)

	exec := &countingExecutor{}
	require.NoError(t, Recover(ctx, mem, exec, "srv-1", RecoveryRerun, zerolog.Nop()))
	require.Equal(t, 1, exec.count())
	assert.Equal(t, mine.ID, exec.entries[0].ID)
}
