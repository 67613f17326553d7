package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wallace/queue-entry/internal/config"
	"github.com/wallace/queue-entry/internal/models"
	"github.com/wallace/queue-entry/internal/ratelimit"
	"github.com/wallace/queue-entry/internal/registry"
	"github.com/wallace/queue-entry/internal/telemetry"
)

// Store is the persistence surface behind the producer/ops API.
type Store interface {
	CreateEntry(ctx context.Context, e *models.QueueEntry) error
	GetEntry(ctx context.Context, id uuid.UUID) (models.QueueEntry, error)
	ListEntries(ctx context.Context, limit int) ([]models.QueueEntry, error)
	StartedOlderThan(ctx context.Context, age time.Duration) ([]models.QueueEntry, error)
	ReleaseEntry(ctx context.Context, id uuid.UUID) error
	ListLogEntries(ctx context.Context, limit int) ([]models.LogEntry, error)
}

// Server wires HTTP handlers for producers and operators.
type Server struct {
	cfg     config.Config
	store   Store
	limiter *ratelimit.TokenBucket
	log     zerolog.Logger
}

// New constructs the API server. The limiter is optional.
func New(cfg config.Config, st Store, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/entries", s.handleEnqueue)
	r.Get("/entries", s.handleListEntries)
	r.Get("/entries/stale", s.handleStaleEntries)
	r.Get("/entries/{id}", s.handleGetEntry)
	r.Post("/entries/{id}/release", s.handleRelease)
	r.Get("/log-entries", s.handleListLogEntries)
	return r
}

type enqueueRequest struct {
	ActionOwnerType   string          `json:"action_owner_type"`
	ActionID          *int64          `json:"action_id"`
	ActionMethod      string          `json:"action_method"`
	ActionArgs        json.RawMessage `json:"action_args"`
	ScheduledFor      *time.Time      `json:"scheduled_for"`
	RecurringInterval string          `json:"recurring_interval"`
	AccountID         int64           `json:"account_id"`
	UserID            *int64          `json:"user_id"`
	Category          string          `json:"category"`
	Description       string          `json:"description"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	// Reject actions outside the allow-list before anything is stored.
	base, err := registry.BaseType(req.ActionOwnerType)
	if err != nil {
		http.Error(w, fmt.Sprintf("unknown action_owner_type %q", req.ActionOwnerType), http.StatusBadRequest)
		return
	}
	if !registry.IsPermitted(base, req.ActionMethod) {
		http.Error(w, fmt.Sprintf("action_method %q is not allow-listed for %s", req.ActionMethod, base), http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%d", req.AccountID))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	scheduledFor := time.Now().UTC()
	if req.ScheduledFor != nil {
		scheduledFor = *req.ScheduledFor
	}
	var interval time.Duration
	if req.RecurringInterval != "" {
		interval, err = time.ParseDuration(req.RecurringInterval)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid recurring_interval: %v", err), http.StatusBadRequest)
			return
		}
	}

	entry := &models.QueueEntry{
		ActionOwnerType:   req.ActionOwnerType,
		ActionID:          req.ActionID,
		ActionMethod:      req.ActionMethod,
		ActionArgs:        req.ActionArgs,
		ScheduledFor:      scheduledFor,
		RecurringInterval: interval,
		AccountID:         req.AccountID,
		UserID:            req.UserID,
		Category:          req.Category,
		Description:       req.Description,
	}
	if err := s.store.CreateEntry(r.Context(), entry); err != nil {
		if errors.Is(err, models.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error().Err(err).Msg("enqueue failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()

	writeJSON(w, http.StatusAccepted, entry)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	entry, err := s.store.GetEntry(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListEntries(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to list entries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleStaleEntries lists claims older than the requested age (or the
// configured staleness threshold) for operator inspection.
func (s *Server) handleStaleEntries(w http.ResponseWriter, r *http.Request) {
	age := s.cfg.StaleAfter
	if v := r.URL.Query().Get("age"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid age: %v", err), http.StatusBadRequest)
			return
		}
		age = parsed
	}
	entries, err := s.store.StartedOlderThan(r.Context(), age)
	if err != nil {
		http.Error(w, "failed to list stale entries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"age": age.String(), "entries": entries})
}

// handleRelease clears an entry's claim so any server may pick it up.
// Recovery tooling path.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.store.ReleaseEntry(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleListLogEntries(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListLogEntries(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to list log entries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log_entries": logs})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
