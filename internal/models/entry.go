package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxJobsPerServer caps how many claimed, unfinished entries a single
// server identity may hold at once. Callers can bypass the cap for
// recovery tooling.
const MaxJobsPerServer = 4

// SuccessLevel records the final outcome of an executed entry.
type SuccessLevel string

const (
	SuccessLevelSuccess SuccessLevel = "success"
	SuccessLevelWarning SuccessLevel = "warning"
	SuccessLevelFailure SuccessLevel = "failure"
)

// QueueEntry is a unit of deferred work waiting on the queue.
//
// An entry is claimable while StartedOn is nil. Claiming stamps
// StartedOn and ClaimedBy in a single store transaction; execution
// deletes the entry and leaves a LogEntry behind.
type QueueEntry struct {
	ID uuid.UUID `json:"id"`

	// Target of the action. ActionID nil means a type-level (static)
	// action; otherwise it names a specific instance of the owner type.
	ActionOwnerType string          `json:"action_owner_type"`
	ActionID        *int64          `json:"action_id,omitempty"`
	ActionMethod    string          `json:"action_method"`
	ActionArgs      json.RawMessage `json:"action_args,omitempty"`

	ScheduledFor      time.Time     `json:"scheduled_for"`
	QueuedOn          time.Time     `json:"queued_on"`
	StartedOn         *time.Time    `json:"started_on,omitempty"`
	CompletedOn       *time.Time    `json:"completed_on,omitempty"`
	RecurringInterval time.Duration `json:"recurring_interval,omitempty"`

	ClaimedBy *string `json:"claimed_by,omitempty"`

	AccountID  int64      `json:"account_id"`
	UserID     *int64     `json:"user_id,omitempty"`
	ResourceID *uuid.UUID `json:"resource_id,omitempty"`

	Category    string `json:"category"`
	Description string `json:"description,omitempty"`

	// Transient execution state, never persisted on the entry row.
	SuccessLevel SuccessLevel   `json:"-"`
	Detail       *DetailMessage `json:"-"`
}

// Validate enforces the creation-time invariants. Entries missing a
// schedule time or category are rejected before they ever hit storage.
func (e *QueueEntry) Validate() error {
	if e.ScheduledFor.IsZero() {
		return fmt.Errorf("%w: scheduled_for is required", ErrValidation)
	}
	if e.Category == "" {
		return fmt.Errorf("%w: category is required", ErrValidation)
	}
	if e.ActionOwnerType == "" {
		return fmt.Errorf("%w: action_owner_type is required", ErrValidation)
	}
	if e.ActionMethod == "" {
		return fmt.Errorf("%w: action_method is required", ErrValidation)
	}
	return nil
}

// Recurring reports whether the entry regenerates itself after
// execution.
func (e *QueueEntry) Recurring() bool {
	return e.RecurringInterval > 0
}

// NextOccurrence builds the regenerated entry for a recurring original:
// claim fields cleared, schedule advanced by the interval from the
// original scheduled time (from now if that was somehow absent).
func (e *QueueEntry) NextOccurrence(now time.Time) *QueueEntry {
	next := *e
	next.ID = uuid.Nil
	next.StartedOn = nil
	next.ClaimedBy = nil
	next.CompletedOn = nil
	next.ResourceID = nil
	next.QueuedOn = time.Time{}
	next.SuccessLevel = ""
	next.Detail = nil
	if e.ScheduledFor.IsZero() {
		next.ScheduledFor = now.Add(e.RecurringInterval)
	} else {
		next.ScheduledFor = e.ScheduledFor.Add(e.RecurringInterval)
	}
	if len(e.ActionArgs) > 0 {
		next.ActionArgs = append(json.RawMessage(nil), e.ActionArgs...)
	}
	return &next
}

// DetailMessage accumulates human-readable context while an entry runs.
// It is rendered into the audit LogEntry once execution finishes.
type DetailMessage struct {
	Parts  []string `json:"parts"`
	Failed bool     `json:"failed"`
}

func NewDetailMessage() *DetailMessage {
	return &DetailMessage{}
}

// Add appends a context line.
func (m *DetailMessage) Add(line string) {
	m.Parts = append(m.Parts, line)
}

// AddContext appends a failure trace and marks the message failed.
func (m *DetailMessage) AddContext(label string, err error) {
	m.Parts = append(m.Parts, fmt.Sprintf("%s: %v", label, err))
	m.Failed = true
}

// Render joins the accumulated parts for persistence.
func (m *DetailMessage) Render() string {
	if m == nil || len(m.Parts) == 0 {
		return ""
	}
	out := m.Parts[0]
	for _, p := range m.Parts[1:] {
		out += "\n" + p
	}
	return out
}

// ActionResult is the structured result every invoked action must
// return. A nil result, or a result without a detail message, violates
// the action contract and fails the entry.
type ActionResult struct {
	DetailMessage *DetailMessage
	TimeComplete  *time.Time
	ResourceID    *uuid.UUID
}

// LogEntry is the permanent audit record left behind by an executed
// entry. It carries the entry's fields minus its id, schedule, and
// recurrence, plus the final outcome.
type LogEntry struct {
	ID              uuid.UUID       `json:"id"`
	ActionOwnerType string          `json:"action_owner_type"`
	ActionID        *int64          `json:"action_id,omitempty"`
	ActionMethod    string          `json:"action_method"`
	ActionArgs      json.RawMessage `json:"action_args,omitempty"`
	QueuedOn        time.Time       `json:"queued_on"`
	StartedOn       *time.Time      `json:"started_on,omitempty"`
	CompletedOn     *time.Time      `json:"completed_on,omitempty"`
	ClaimedBy       *string         `json:"claimed_by,omitempty"`
	AccountID       int64           `json:"account_id"`
	UserID          *int64          `json:"user_id,omitempty"`
	ResourceID      *uuid.UUID      `json:"resource_id,omitempty"`
	Category        string          `json:"category"`
	Description     string          `json:"description,omitempty"`
	SuccessLevel    SuccessLevel    `json:"success_level"`
	Detail          string          `json:"detail,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewLogEntry snapshots an executed entry into its audit record.
func NewLogEntry(e *QueueEntry) LogEntry {
	return LogEntry{
		ActionOwnerType: e.ActionOwnerType,
		ActionID:        e.ActionID,
		ActionMethod:    e.ActionMethod,
		ActionArgs:      e.ActionArgs,
		QueuedOn:        e.QueuedOn,
		StartedOn:       e.StartedOn,
		CompletedOn:     e.CompletedOn,
		ClaimedBy:       e.ClaimedBy,
		AccountID:       e.AccountID,
		UserID:          e.UserID,
		ResourceID:      e.ResourceID,
		Category:        e.Category,
		Description:     e.Description,
		SuccessLevel:    e.SuccessLevel,
		Detail:          e.Detail.Render(),
	}
}

// User is the notification recipient and timezone source for an entry.
type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Timezone string `json:"timezone"`
}

// Account is the ownership scope entries are serialized under.
type Account struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ResourceDocument is an artifact produced by an action, referenced
// from the entry's resource_id after execution.
type ResourceDocument struct {
	ID          uuid.UUID `json:"id"`
	AccountID   int64     `json:"account_id"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Location    string    `json:"location"`
	CreatedAt   time.Time `json:"created_at"`
}
