package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallace/queue-entry/internal/models"
	"github.com/wallace/queue-entry/internal/registry"
	"github.com/wallace/queue-entry/internal/store"
)

// recordingNotifier counts sink invocations per channel.
type recordingNotifier struct {
	completions int
	exceptions  int
	alerts      int
	lastErr     error
}

func (n *recordingNotifier) Completion(ctx context.Context, e *models.QueueEntry, u *models.User) error {
	n.completions++
	return nil
}

func (n *recordingNotifier) Exception(ctx context.Context, e *models.QueueEntry, err error) error {
	n.exceptions++
	n.lastErr = err
	return nil
}

func (n *recordingNotifier) Alert(ctx context.Context, e *models.QueueEntry, err error) error {
	n.alerts++
	n.lastErr = err
	return nil
}

type fixture struct {
	mem      *store.Memory
	reg      *registry.Registry
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:      store.NewMemory(),
		reg:      registry.New(),
		notifier: &recordingNotifier{},
	}
	f.engine = New(f.mem, f.mem, f.reg, f.notifier, zerolog.Nop())
	return f
}

func (f *fixture) claimed(t *testing.T, e *models.QueueEntry) *models.QueueEntry {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.mem.CreateEntry(ctx, e))
	claimed, err := f.mem.ClaimEntry(ctx, e.ID, "srv-test")
	require.NoError(t, err)
	return claimed
}

func reportEntry() *models.QueueEntry {
	return &models.QueueEntry{
		ActionOwnerType: "Report",
		ActionMethod:    "generate_report",
		ScheduledFor:    time.Now().UTC().Add(-time.Minute),
		AccountID:       1,
		Category:        "reporting",
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := time.Now().UTC()
	resource := uuid.New()
	require.NoError(t, f.reg.Register(registry.OwnerReport, "generate_report",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			dm := models.NewDetailMessage()
			dm.Add("report written")
			return &models.ActionResult{DetailMessage: dm, TimeComplete: &done, ResourceID: &resource}, nil
		}))

	e := f.claimed(t, reportEntry())
	result, err := f.engine.Execute(ctx, e)
	require.NoError(t, err)
	require.NotNil(t, result)

	// Entry consumed, audit record left behind.
	_, err = f.mem.GetEntry(ctx, e.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	logs, err := f.mem.ListLogEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SuccessLevelSuccess, logs[0].SuccessLevel)
	assert.Equal(t, "report written", logs[0].Detail)
	require.NotNil(t, logs[0].ResourceID)
	assert.Equal(t, resource, *logs[0].ResourceID)

	assert.Zero(t, f.notifier.exceptions)
	assert.Zero(t, f.notifier.alerts)
}

func TestExecuteHandlerFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	boom := errors.New("upstream unavailable")
	require.NoError(t, f.reg.Register(registry.OwnerReport, "generate_report",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			return nil, boom
		}))

	e := f.claimed(t, reportEntry())
	e.RecurringInterval = 0
	result, err := f.engine.Execute(ctx, e)
	require.NoError(t, err, "handler failures are captured, not returned")
	assert.Nil(t, result)

	// Failed entries are still consumed and logged.
	_, err = f.mem.GetEntry(ctx, e.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	logs, err := f.mem.ListLogEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SuccessLevelFailure, logs[0].SuccessLevel)
	assert.Contains(t, logs[0].Detail, "upstream unavailable")
	assert.Contains(t, logs[0].Detail, e.ID.String())

	// No recurring entry materializes from a non-recurring original.
	left, err := f.mem.ListEntries(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, left)

	assert.Equal(t, 1, f.notifier.exceptions)
	require.ErrorIs(t, f.notifier.lastErr, models.ErrHandler)
}

func TestExecutePanicIsCaptured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.Register(registry.OwnerReport, "generate_report",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			panic("nope")
		}))

	e := f.claimed(t, reportEntry())
	_, err := f.engine.Execute(ctx, e)
	require.NoError(t, err)

	logs, err := f.mem.ListLogEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SuccessLevelFailure, logs[0].SuccessLevel)
	assert.Contains(t, logs[0].Detail, "panic")
}

func TestExecuteContractViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.Register(registry.OwnerReport, "generate_report",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			return nil, nil
		}))

	e := f.claimed(t, reportEntry())
	_, err := f.engine.Execute(ctx, e)
	require.NoError(t, err)

	assert.Equal(t, 1, f.notifier.exceptions)
	require.ErrorIs(t, f.notifier.lastErr, models.ErrContractViolation)

	logs, err := f.mem.ListLogEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SuccessLevelFailure, logs[0].SuccessLevel)
	assert.NotNil(t, logs[0].CompletedOn)
	assert.Nil(t, logs[0].ResourceID)
}

func TestExecuteMissingDetailMessageViolatesContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.Register(registry.OwnerReport, "generate_report",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			return &models.ActionResult{}, nil
		}))

	e := f.claimed(t, reportEntry())
	_, err := f.engine.Execute(ctx, e)
	require.NoError(t, err)
	require.ErrorIs(t, f.notifier.lastErr, models.ErrContractViolation)
}

func TestExecuteUnknownOwnerAndUnboundMethod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.claimed(t, reportEntry())
	e.ActionOwnerType = "Widget"
	_, err := f.engine.Execute(ctx, e)
	require.NoError(t, err)
	require.ErrorIs(t, f.notifier.lastErr, models.ErrInvalidAction)

	f = newFixture(t)
	e = f.claimed(t, reportEntry())
	// Allow-listed but no handler bound.
	_, err = f.engine.Execute(ctx, e)
	require.NoError(t, err)
	require.ErrorIs(t, f.notifier.lastErr, models.ErrInvalidAction)
}

func TestExecuteInstanceTargetMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invoked := false
	require.NoError(t, f.reg.Register(registry.OwnerAccount, "process_plan_renewals",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			invoked = true
			return &models.ActionResult{DetailMessage: models.NewDetailMessage()}, nil
		}))
	require.NoError(t, f.reg.RegisterLookup(registry.OwnerAccount,
		func(ctx context.Context, id int64) error {
			return f.mem.AccountExists(ctx, id)
		}))

	target := int64(99)
	e := reportEntry()
	e.ActionOwnerType = "Account"
	e.ActionMethod = "process_plan_renewals"
	e.ActionID = &target
	claimed := f.claimed(t, e)

	_, err := f.engine.Execute(ctx, claimed)
	require.NoError(t, err)
	require.ErrorIs(t, f.notifier.lastErr, models.ErrNotFound)
	assert.False(t, invoked, "handler must not run for a vanished target")
}

func TestExecuteInstanceTargetResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mem.PutAccount(models.Account{ID: 99, Name: "acme"})

	var gotTarget *int64
	require.NoError(t, f.reg.Register(registry.OwnerAccount, "process_plan_renewals",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			gotTarget = inv.TargetID
			dm := models.NewDetailMessage()
			dm.Add("renewed")
			return &models.ActionResult{DetailMessage: dm}, nil
		}))
	require.NoError(t, f.reg.RegisterLookup(registry.OwnerAccount,
		func(ctx context.Context, id int64) error {
			return f.mem.AccountExists(ctx, id)
		}))

	target := int64(99)
	e := reportEntry()
	e.ActionOwnerType = "Account"
	e.ActionMethod = "process_plan_renewals"
	e.ActionID = &target
	claimed := f.claimed(t, e)

	_, err := f.engine.Execute(ctx, claimed)
	require.NoError(t, err)
	require.NotNil(t, gotTarget)
	assert.Equal(t, int64(99), *gotTarget)
}

func TestExecuteRecurringRegenerates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.Register(registry.OwnerReport, "generate_report",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			return &models.ActionResult{DetailMessage: models.NewDetailMessage()}, nil
		}))

	scheduled := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	e := reportEntry()
	e.ScheduledFor = scheduled
	e.RecurringInterval = 30 * time.Minute
	claimed := f.claimed(t, e)

	_, err := f.engine.Execute(ctx, claimed)
	require.NoError(t, err)

	left, err := f.mem.ListEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)

	next := left[0]
	assert.NotEqual(t, claimed.ID, next.ID)
	assert.True(t, next.ScheduledFor.Equal(scheduled.Add(30*time.Minute)))
	assert.Nil(t, next.StartedOn)
	assert.Nil(t, next.ClaimedBy)
	assert.Equal(t, 30*time.Minute, next.RecurringInterval)
}

// A recurring entry regenerates even when its run failed, so transient
// handler errors never silence a schedule.
func TestExecuteRecurringRegeneratesOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.Register(registry.OwnerReport, "generate_report",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			return nil, errors.New("flaky")
		}))

	e := reportEntry()
	e.RecurringInterval = time.Hour
	claimed := f.claimed(t, e)

	_, err := f.engine.Execute(ctx, claimed)
	require.NoError(t, err)

	left, err := f.mem.ListEntries(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestExecuteCompletionNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mem.PutUser(models.User{ID: 5, Email: "ops@example.com", Timezone: "America/New_York"})

	var loc *time.Location
	require.NoError(t, f.reg.Register(registry.OwnerReport, "generate_report",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			loc = inv.Location
			return &models.ActionResult{DetailMessage: models.NewDetailMessage()}, nil
		}))

	userID := int64(5)
	e := reportEntry()
	e.UserID = &userID
	claimed := f.claimed(t, e)

	_, err := f.engine.Execute(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, 1, f.notifier.completions)
	require.NotNil(t, loc)
	assert.Equal(t, "America/New_York", loc.String())

	// No user, no recipient, no notification.
	f2 := newFixture(t)
	require.NoError(t, f2.reg.Register(registry.OwnerReport, "generate_report",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			return &models.ActionResult{DetailMessage: models.NewDetailMessage()}, nil
		}))
	claimed = f2.claimed(t, reportEntry())
	_, err = f2.engine.Execute(ctx, claimed)
	require.NoError(t, err)
	assert.Zero(t, f2.notifier.completions)
}

// failingStore breaks the delete step to drive the cleanup path.
type failingStore struct {
	*store.Memory
}

func (s *failingStore) DeleteEntry(ctx context.Context, id uuid.UUID) error {
	return errors.New("connection reset")
}

func TestExecuteCleanupFailureEscalates(t *testing.T) {
	mem := store.NewMemory()
	reg := registry.New()
	notifier := &recordingNotifier{}
	eng := New(&failingStore{mem}, mem, reg, notifier, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, reg.Register(registry.OwnerReport, "generate_report",
		func(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
			return &models.ActionResult{DetailMessage: models.NewDetailMessage()}, nil
		}))

	e := reportEntry()
	require.NoError(t, mem.CreateEntry(ctx, e))
	claimed, err := mem.ClaimEntry(ctx, e.ID, "srv-test")
	require.NoError(t, err)

	_, err = eng.Execute(ctx, claimed)
	require.ErrorIs(t, err, models.ErrCleanup)
	assert.Equal(t, 1, notifier.alerts)
}
