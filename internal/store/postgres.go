package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wallace/queue-entry/internal/models"
)

const entryColumns = `id, action_owner_type, action_id, action_method, action_args,
	scheduled_for, queued_on, started_on, completed_on, recurring_interval_seconds,
	claimed_by, account_id, user_id, resource_id, category, description`

// claimLockID keys the advisory lock serializing claim transactions.
const claimLockID = 874551

// Store wraps pgxpool for Postgres persistence of queue entries, audit
// log entries, and the supporting account/user/resource tables.
type Store struct {
	pool *pgxpool.Pool

	// maxJobsPerServer caps simultaneous claims per server identity.
	maxJobsPerServer int
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, maxJobsPerServer: models.MaxJobsPerServer}, nil
}

// SetMaxJobsPerServer overrides the per-server claim cap.
func (s *Store) SetMaxJobsPerServer(n int) {
	if n > 0 {
		s.maxJobsPerServer = n
	}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateEntry validates and inserts a queue entry, stamping its id and
// queued_on time.
func (s *Store) CreateEntry(ctx context.Context, e *models.QueueEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.QueuedOn = time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_entries (id, action_owner_type, action_id, action_method, action_args,
			scheduled_for, queued_on, started_on, completed_on, recurring_interval_seconds,
			claimed_by, account_id, user_id, resource_id, category, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, e.ID, e.ActionOwnerType, e.ActionID, e.ActionMethod, argsOrNil(e.ActionArgs),
		e.ScheduledFor, e.QueuedOn, e.StartedOn, e.CompletedOn, int64(e.RecurringInterval/time.Second),
		e.ClaimedBy, e.AccountID, e.UserID, e.ResourceID, e.Category, e.Description)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// GetEntry fetches an entry by id.
func (s *Store) GetEntry(ctx context.Context, id uuid.UUID) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, fmt.Errorf("queue entry %s: %w", id, models.ErrNotFound)
	}
	return e, err
}

// ListEntries returns entries ordered by schedule time.
func (s *Store) ListEntries(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM queue_entries ORDER BY scheduled_for, id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// DeleteEntry removes a consumed entry.
func (s *Store) DeleteEntry(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ClaimNext selects and claims the next eligible entry for serverID in
// one transaction: unstarted, due, no entry of the same account already
// started, earliest scheduled_for first. Returns nil when nothing is
// eligible or the per-server cap is reached with enforceLimit set.
func (s *Store) ClaimNext(ctx context.Context, serverID string, enforceLimit bool) (*models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// Claims must not interleave: a concurrent transaction's skip-locked
	// scan cannot see this transaction's uncommitted started_on stamp,
	// so two claimers could each start an entry for the same account.
	// The advisory lock holds until commit; claims are short.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, claimLockID); err != nil {
		return nil, fmt.Errorf("acquire claim lock: %w", err)
	}

	if enforceLimit {
		var held int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM queue_entries WHERE claimed_by = $1 AND started_on IS NOT NULL
		`, serverID).Scan(&held); err != nil {
			return nil, fmt.Errorf("count held claims: %w", err)
		}
		if held >= s.maxJobsPerServer {
			return nil, nil
		}
	}

	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE started_on IS NULL
		  AND scheduled_for <= NOW()
		  AND account_id NOT IN (
			SELECT account_id FROM queue_entries WHERE started_on IS NOT NULL
		  )
		ORDER BY scheduled_for, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE queue_entries SET started_on = $2, claimed_by = $3
		WHERE id = $1 AND started_on IS NULL
	`, e.ID, now, serverID)
	if err != nil {
		return nil, fmt.Errorf("stamp claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Row was claimed between select and update; treat as empty poll.
		return nil, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	e.StartedOn = &now
	e.ClaimedBy = &serverID
	return &e, nil
}

// ClaimEntry claims a specific entry regardless of eligibility or the
// per-server cap. Recovery tooling path.
func (s *Store) ClaimEntry(ctx context.Context, id uuid.UUID, serverID string) (*models.QueueEntry, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET started_on = $2, claimed_by = $3 WHERE id = $1
	`, id, now, serverID)
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("queue entry %s: %w", id, models.ErrNotFound)
	}
	e, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ClaimedByServer returns all started entries held by a server
// identity, earliest schedule first.
func (s *Store) ClaimedByServer(ctx context.Context, serverID string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE claimed_by = $1 AND started_on IS NOT NULL
		ORDER BY scheduled_for, id
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list claimed entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ReleaseEntry clears an entry's claim so any server may pick it up.
func (s *Store) ReleaseEntry(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET started_on = NULL, claimed_by = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ReleaseServerEntries clears every claim held by a server identity.
// Called after a restart so jobs from a crashed run return to the pool.
func (s *Store) ReleaseServerEntries(ctx context.Context, serverID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET started_on = NULL, claimed_by = NULL
		WHERE claimed_by = $1 AND started_on IS NOT NULL
	`, serverID)
	if err != nil {
		return 0, fmt.Errorf("release server entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartedOlderThan returns claimed entries whose execution began more
// than age ago. The staleness scan feeds these to the operator alert
// channel.
func (s *Store) StartedOlderThan(ctx context.Context, age time.Duration) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE started_on IS NOT NULL AND started_on < $1
		ORDER BY scheduled_for, id
	`, time.Now().UTC().Add(-age))
	if err != nil {
		return nil, fmt.Errorf("list stale entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ClaimableDepth counts entries currently due and unclaimed.
func (s *Store) ClaimableDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE started_on IS NULL AND scheduled_for <= NOW()
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claimable entries: %w", err)
	}
	return n, nil
}

// CreateLogEntry persists the audit record for an executed entry.
func (s *Store) CreateLogEntry(ctx context.Context, le *models.LogEntry) (uuid.UUID, error) {
	if le.ID == uuid.Nil {
		le.ID = uuid.New()
	}
	le.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO log_entries (id, action_owner_type, action_id, action_method, action_args,
			queued_on, started_on, completed_on, claimed_by, account_id, user_id, resource_id,
			category, description, success_level, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, le.ID, le.ActionOwnerType, le.ActionID, le.ActionMethod, argsOrNil(le.ActionArgs),
		le.QueuedOn, le.StartedOn, le.CompletedOn, le.ClaimedBy, le.AccountID, le.UserID,
		le.ResourceID, le.Category, le.Description, string(le.SuccessLevel), le.Detail, le.CreatedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert log entry: %w", err)
	}
	return le.ID, nil
}

// ListLogEntries returns the newest audit records first.
func (s *Store) ListLogEntries(ctx context.Context, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, action_owner_type, action_id, action_method, action_args,
			queued_on, started_on, completed_on, claimed_by, account_id, user_id, resource_id,
			category, description, success_level, detail, created_at
		FROM log_entries ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var le models.LogEntry
		var level string
		var args []byte
		if err := rows.Scan(&le.ID, &le.ActionOwnerType, &le.ActionID, &le.ActionMethod, &args,
			&le.QueuedOn, &le.StartedOn, &le.CompletedOn, &le.ClaimedBy, &le.AccountID, &le.UserID,
			&le.ResourceID, &le.Category, &le.Description, &level, &le.Detail, &le.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		le.ActionArgs = args
		le.SuccessLevel = models.SuccessLevel(level)
		out = append(out, le)
	}
	return out, rows.Err()
}

// DeleteLogEntriesOlderThan prunes audit records past their retention.
func (s *Store) DeleteLogEntriesOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM log_entries WHERE created_at < $1
	`, time.Now().UTC().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete old log entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetUser fetches a notification recipient.
func (s *Store) GetUser(ctx context.Context, id int64) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, timezone FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// AccountExists resolves an account instance for the action registry.
func (s *Store) AccountExists(ctx context.Context, id int64) error {
	var found bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)
	`, id).Scan(&found); err != nil {
		return fmt.Errorf("query account: %w", err)
	}
	if !found {
		return fmt.Errorf("account %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// CreateResourceDocument records a produced artifact.
func (s *Store) CreateResourceDocument(ctx context.Context, rd *models.ResourceDocument) error {
	if rd.ID == uuid.Nil {
		rd.ID = uuid.New()
	}
	rd.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resource_documents (id, account_id, key, content_type, location, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rd.ID, rd.AccountID, rd.Key, rd.ContentType, rd.Location, rd.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert resource document: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var e models.QueueEntry
	var args []byte
	var intervalSeconds int64
	var claimedBy pgtype.Text
	if err := row.Scan(&e.ID, &e.ActionOwnerType, &e.ActionID, &e.ActionMethod, &args,
		&e.ScheduledFor, &e.QueuedOn, &e.StartedOn, &e.CompletedOn, &intervalSeconds,
		&claimedBy, &e.AccountID, &e.UserID, &e.ResourceID, &e.Category, &e.Description); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, err
		}
		return models.QueueEntry{}, fmt.Errorf("scan queue entry: %w", err)
	}
	e.ActionArgs = args
	e.RecurringInterval = time.Duration(intervalSeconds) * time.Second
	e.ClaimedBy = textPtr(claimedBy)
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func argsOrNil(args []byte) []byte {
	if len(args) == 0 {
		return nil
	}
	return args
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
