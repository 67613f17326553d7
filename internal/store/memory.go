package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wallace/queue-entry/internal/models"
)

// Memory implements the store surface in process memory. It mirrors
// the Postgres claim semantics exactly (per-account exclusion, server
// cap, earliest-first ordering) with a mutex standing in for the store
// transaction. Used by tests and local development.
type Memory struct {
	mu               sync.Mutex
	entries          map[uuid.UUID]*models.QueueEntry
	logEntries       map[uuid.UUID]*models.LogEntry
	users            map[int64]models.User
	accounts         map[int64]models.Account
	resources        map[uuid.UUID]*models.ResourceDocument
	maxJobsPerServer int
	now              func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:          make(map[uuid.UUID]*models.QueueEntry),
		logEntries:       make(map[uuid.UUID]*models.LogEntry),
		users:            make(map[int64]models.User),
		accounts:         make(map[int64]models.Account),
		resources:        make(map[uuid.UUID]*models.ResourceDocument),
		maxJobsPerServer: models.MaxJobsPerServer,
		now:              time.Now,
	}
}

// SetMaxJobsPerServer overrides the per-server claim cap.
func (m *Memory) SetMaxJobsPerServer(n int) {
	if n > 0 {
		m.maxJobsPerServer = n
	}
}

// SetClock replaces the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.now = now
}

// PutUser seeds a user row.
func (m *Memory) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutAccount seeds an account row.
func (m *Memory) PutAccount(a models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}

func (m *Memory) CreateEntry(ctx context.Context, e *models.QueueEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if _, exists := m.entries[e.ID]; exists {
		return fmt.Errorf("queue entry %s already exists", e.ID)
	}
	e.QueuedOn = m.now().UTC()
	cp := cloneEntry(e)
	m.entries[e.ID] = cp
	return nil
}

func (m *Memory) GetEntry(ctx context.Context, id uuid.UUID) (models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return models.QueueEntry{}, fmt.Errorf("queue entry %s: %w", id, models.ErrNotFound)
	}
	return *cloneEntry(e), nil
}

func (m *Memory) ListEntries(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedEntries(func(e *models.QueueEntry) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteEntry(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return fmt.Errorf("queue entry %s: %w", id, models.ErrNotFound)
	}
	delete(m.entries, id)
	return nil
}

// ClaimNext mirrors the Postgres claim transaction: cap check, skip
// accounts holding a started entry, earliest scheduled_for first with
// id as the tie-break, then stamp the claim before the lock releases.
func (m *Memory) ClaimNext(ctx context.Context, serverID string, enforceLimit bool) (*models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()

	if enforceLimit {
		held := 0
		for _, e := range m.entries {
			if e.StartedOn != nil && e.ClaimedBy != nil && *e.ClaimedBy == serverID {
				held++
			}
		}
		if held >= m.maxJobsPerServer {
			return nil, nil
		}
	}

	busyAccounts := make(map[int64]bool)
	for _, e := range m.entries {
		if e.StartedOn != nil {
			busyAccounts[e.AccountID] = true
		}
	}

	candidates := m.sortedEntries(func(e *models.QueueEntry) bool {
		return e.StartedOn == nil && !e.ScheduledFor.After(now) && !busyAccounts[e.AccountID]
	})
	if len(candidates) == 0 {
		return nil, nil
	}

	winner := m.entries[candidates[0].ID]
	winner.StartedOn = &now
	winner.ClaimedBy = &serverID
	return cloneEntry(winner), nil
}

func (m *Memory) ClaimEntry(ctx context.Context, id uuid.UUID, serverID string) (*models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("queue entry %s: %w", id, models.ErrNotFound)
	}
	now := m.now().UTC()
	e.StartedOn = &now
	e.ClaimedBy = &serverID
	return cloneEntry(e), nil
}

func (m *Memory) ClaimedByServer(ctx context.Context, serverID string) ([]models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedEntries(func(e *models.QueueEntry) bool {
		return e.StartedOn != nil && e.ClaimedBy != nil && *e.ClaimedBy == serverID
	}), nil
}

func (m *Memory) ReleaseEntry(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("queue entry %s: %w", id, models.ErrNotFound)
	}
	e.StartedOn = nil
	e.ClaimedBy = nil
	return nil
}

func (m *Memory) ReleaseServerEntries(ctx context.Context, serverID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.StartedOn != nil && e.ClaimedBy != nil && *e.ClaimedBy == serverID {
			e.StartedOn = nil
			e.ClaimedBy = nil
			n++
		}
	}
	return n, nil
}

func (m *Memory) StartedOlderThan(ctx context.Context, age time.Duration) ([]models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().UTC().Add(-age)
	return m.sortedEntries(func(e *models.QueueEntry) bool {
		return e.StartedOn != nil && e.StartedOn.Before(cutoff)
	}), nil
}

func (m *Memory) ClaimableDepth(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	var n int64
	for _, e := range m.entries {
		if e.StartedOn == nil && !e.ScheduledFor.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateLogEntry(ctx context.Context, le *models.LogEntry) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if le.ID == uuid.Nil {
		le.ID = uuid.New()
	}
	le.CreatedAt = m.now().UTC()
	cp := *le
	m.logEntries[le.ID] = &cp
	return le.ID, nil
}

func (m *Memory) ListLogEntries(ctx context.Context, limit int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LogEntry, 0, len(m.logEntries))
	for _, le := range m.logEntries {
		out = append(out, *le)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteLogEntriesOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().UTC().Add(-age)
	var n int64
	for id, le := range m.logEntries {
		if le.CreatedAt.Before(cutoff) {
			delete(m.logEntries, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetUser(ctx context.Context, id int64) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %d: %w", id, models.ErrNotFound)
	}
	return u, nil
}

func (m *Memory) AccountExists(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return fmt.Errorf("account %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func (m *Memory) CreateResourceDocument(ctx context.Context, rd *models.ResourceDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rd.ID == uuid.Nil {
		rd.ID = uuid.New()
	}
	rd.CreatedAt = m.now().UTC()
	cp := *rd
	m.resources[rd.ID] = &cp
	return nil
}

// sortedEntries returns clones of entries matching the filter, ordered
// by scheduled_for then id. Callers must hold the mutex.
func (m *Memory) sortedEntries(match func(*models.QueueEntry) bool) []models.QueueEntry {
	var out []models.QueueEntry
	for _, e := range m.entries {
		if match(e) {
			out = append(out, *cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func cloneEntry(e *models.QueueEntry) *models.QueueEntry {
	cp := *e
	if e.ActionArgs != nil {
		cp.ActionArgs = append(json.RawMessage(nil), e.ActionArgs...)
	}
	if e.StartedOn != nil {
		t := *e.StartedOn
		cp.StartedOn = &t
	}
	if e.CompletedOn != nil {
		t := *e.CompletedOn
		cp.CompletedOn = &t
	}
	if e.ClaimedBy != nil {
		v := *e.ClaimedBy
		cp.ClaimedBy = &v
	}
	if e.ActionID != nil {
		v := *e.ActionID
		cp.ActionID = &v
	}
	if e.UserID != nil {
		v := *e.UserID
		cp.UserID = &v
	}
	if e.ResourceID != nil {
		v := *e.ResourceID
		cp.ResourceID = &v
	}
	return &cp
}
