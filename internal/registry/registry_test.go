package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallace/queue-entry/internal/models"
)

func okAction(ctx context.Context, inv Invocation) (*models.ActionResult, error) {
	return &models.ActionResult{DetailMessage: models.NewDetailMessage()}, nil
}

func TestBaseType(t *testing.T) {
	base, err := BaseType("CourseSelfStudy")
	require.NoError(t, err)
	assert.Equal(t, OwnerCourse, base)

	base, err = BaseType("IntegrationUser")
	require.NoError(t, err)
	assert.Equal(t, OwnerIntegration, base)

	base, err = BaseType("Report")
	require.NoError(t, err)
	assert.Equal(t, OwnerReport, base)

	_, err = BaseType("Widget")
	require.ErrorIs(t, err, models.ErrInvalidAction)
}

func TestIsPermitted(t *testing.T) {
	assert.True(t, IsPermitted(OwnerAccount, "process_triggers"))
	assert.True(t, IsPermitted(OwnerLogEntry, "clean_up_log_entries_older_than"))
	assert.False(t, IsPermitted(OwnerAccount, "destroy_all"))
	// Subtypes are not allow-list keys; callers resolve to base first.
	assert.False(t, IsPermitted(OwnerCourseSelfStudy, "enroll_users"))
	assert.True(t, IsPermitted(OwnerCourse, "enroll_users"))
}

func TestRegisterRejectsOutsideAllowList(t *testing.T) {
	r := New()
	err := r.Register(OwnerAccount, "drop_tables", okAction)
	require.ErrorIs(t, err, models.ErrInvalidAction)

	err = r.Register(OwnerCourseSelfStudy, "enroll_users", okAction)
	require.ErrorIs(t, err, models.ErrInvalidAction)

	err = r.Register(OwnerReport, "generate_report", nil)
	require.ErrorIs(t, err, models.ErrInvalidAction)
}

func TestActionRoundTrip(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(OwnerReport, "generate_report", okAction))

	fn, err := r.Action(OwnerReport, "generate_report")
	require.NoError(t, err)
	require.NotNil(t, fn)

	_, err = r.Action(OwnerAccount, "process_triggers")
	require.ErrorIs(t, err, models.ErrInvalidAction)
}

func TestLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterLookup(OwnerAccount, func(ctx context.Context, id int64) error {
		if id == 42 {
			return nil
		}
		return models.ErrNotFound
	}))

	ctx := context.Background()
	require.NoError(t, r.Lookup(ctx, OwnerAccount, 42))
	require.ErrorIs(t, r.Lookup(ctx, OwnerAccount, 7), models.ErrNotFound)
	// No lookup registered means instance actions cannot resolve.
	require.ErrorIs(t, r.Lookup(ctx, OwnerCourse, 1), models.ErrNotFound)
}
