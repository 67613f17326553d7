// Package registry holds the fixed catalogue of queueable actions: a
// closed enumeration of entity owner types, the allow-list of methods
// each base type may run, and the typed functions bound to them.
//
// The allow-list is immutable configuration; bindings are installed
// once at process start and rejected if they name a combination outside
// the list.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/wallace/queue-entry/internal/models"
)

// OwnerType names a persistent entity type that actions run against.
type OwnerType string

const (
	OwnerAccount       OwnerType = "Account"
	OwnerCourse        OwnerType = "Course"
	OwnerCourseSession OwnerType = "CourseSession"
	OwnerIntegration   OwnerType = "Integration"
	OwnerLetter        OwnerType = "Letter"
	OwnerLogEntry      OwnerType = "LogEntry"
	OwnerReport        OwnerType = "Report"

	// Subtypes resolve to a base type before any allow-list check.
	OwnerCourseSelfStudy OwnerType = "CourseSelfStudy"
	OwnerIntegrationUser OwnerType = "IntegrationUser"
)

// baseTypes maps subtypes to the base type the allow-list is keyed by.
// Base types map to themselves.
var baseTypes = map[OwnerType]OwnerType{
	OwnerAccount:         OwnerAccount,
	OwnerCourse:          OwnerCourse,
	OwnerCourseSession:   OwnerCourseSession,
	OwnerIntegration:     OwnerIntegration,
	OwnerLetter:          OwnerLetter,
	OwnerLogEntry:        OwnerLogEntry,
	OwnerReport:          OwnerReport,
	OwnerCourseSelfStudy: OwnerCourse,
	OwnerIntegrationUser: OwnerIntegration,
}

// queueableMethods is the allow-list of action methods per base type.
var queueableMethods = map[OwnerType][]string{
	OwnerAccount: {
		"bulk_course_package_update",
		"check_all_auto_enrollments_for_new_enrollments",
		"check_all_enrollments_for_curriculum_updates",
		"process_all_plan_renewals",
		"process_all_account_triggers",
		"process_auto_enrollments",
		"process_curriculum_updates",
		"process_plan_renewals",
		"process_triggers",
	},
	OwnerCourse:        {"enroll_users", "destroy_enrollments", "update_enrollments"},
	OwnerCourseSession: {"enroll_users", "update_enrollments", "destroy_enrollments"},
	OwnerIntegration:   {"import", "clean_up_unfinished_integration_creations_older_than"},
	OwnerLetter:        {"generate_communication"},
	OwnerLogEntry:      {"clean_up_log_entries_older_than"},
	OwnerReport:        {"generate_report"},
}

// BaseType resolves an owner type name to its base type.
func BaseType(name string) (OwnerType, error) {
	base, ok := baseTypes[OwnerType(name)]
	if !ok {
		return "", fmt.Errorf("%w: unknown owner type %q", models.ErrInvalidAction, name)
	}
	return base, nil
}

// IsPermitted reports whether the method is allow-listed for the base
// type.
func IsPermitted(base OwnerType, method string) bool {
	return slices.Contains(queueableMethods[base], method)
}

// Invocation carries everything a handler receives for one execution.
type Invocation struct {
	Entry *models.QueueEntry

	// TargetID is nil for static (type-level) actions.
	TargetID *int64

	// Args is a fresh copy of the entry's argument payload; handlers
	// may mutate it freely.
	Args json.RawMessage

	// Location is the entry user's timezone, UTC when no user is set.
	// Threaded explicitly instead of mutating any process-wide clock.
	Location *time.Location
}

// ActionFunc executes one action. The returned result must carry a
// detail message; a nil result is a contract violation.
type ActionFunc func(ctx context.Context, inv Invocation) (*models.ActionResult, error)

// LookupFunc checks that an instance of an owner type exists. It
// returns models.ErrNotFound (possibly wrapped) when it does not.
type LookupFunc func(ctx context.Context, id int64) error

type binding struct {
	base   OwnerType
	method string
}

// Registry binds allow-listed (base type, method) pairs to typed
// functions. Install bindings at startup; reads are lock-free after
// that aside from the guarding RWMutex.
type Registry struct {
	mu      sync.RWMutex
	actions map[binding]ActionFunc
	lookups map[OwnerType]LookupFunc
}

func New() *Registry {
	return &Registry{
		actions: make(map[binding]ActionFunc),
		lookups: make(map[OwnerType]LookupFunc),
	}
}

// Register binds fn to the (base, method) pair. Combinations outside
// the allow-list are rejected so the safety check happens before any
// entry can name them.
func (r *Registry) Register(base OwnerType, method string, fn ActionFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: nil handler for %s.%s", models.ErrInvalidAction, base, method)
	}
	if _, ok := queueableMethods[base]; !ok {
		return fmt.Errorf("%w: %q is not a base owner type", models.ErrInvalidAction, base)
	}
	if !IsPermitted(base, method) {
		return fmt.Errorf("%w: method %q is not allow-listed for %s", models.ErrInvalidAction, method, base)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[binding{base, method}] = fn
	return nil
}

// RegisterLookup installs the instance resolver for a base owner type.
func (r *Registry) RegisterLookup(base OwnerType, fn LookupFunc) error {
	if _, ok := queueableMethods[base]; !ok {
		return fmt.Errorf("%w: %q is not a base owner type", models.ErrInvalidAction, base)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups[base] = fn
	return nil
}

// Action returns the bound function for an allow-listed pair.
func (r *Registry) Action(base OwnerType, method string) (ActionFunc, error) {
	if !IsPermitted(base, method) {
		return nil, fmt.Errorf("%w: method %q is not allow-listed for %s", models.ErrInvalidAction, method, base)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[binding{base, method}]
	if !ok {
		return nil, fmt.Errorf("%w: no handler bound for %s.%s", models.ErrInvalidAction, base, method)
	}
	return fn, nil
}

// Lookup resolves an instance of the base type, or reports
// models.ErrNotFound. Types without a registered lookup cannot run
// instance-level actions.
func (r *Registry) Lookup(ctx context.Context, base OwnerType, id int64) error {
	r.mu.RLock()
	fn, ok := r.lookups[base]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no instance lookup for %s", models.ErrNotFound, base)
	}
	return fn(ctx, id)
}
