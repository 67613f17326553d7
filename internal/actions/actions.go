// Package actions provides the built-in handlers bound into the action
// registry, plus the instance lookups they rely on. External callers
// may bind additional allow-listed actions the same way.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wallace/queue-entry/internal/artifacts"
	"github.com/wallace/queue-entry/internal/models"
	"github.com/wallace/queue-entry/internal/registry"
)

// Store is the persistence surface the built-in handlers need.
type Store interface {
	DeleteLogEntriesOlderThan(ctx context.Context, age time.Duration) (int64, error)
	CreateResourceDocument(ctx context.Context, rd *models.ResourceDocument) error
	AccountExists(ctx context.Context, id int64) error
}

// RegisterBuiltins binds the shipped handlers into the registry.
func RegisterBuiltins(reg *registry.Registry, st Store, uploader artifacts.Uploader, log zerolog.Logger) error {
	if err := reg.RegisterLookup(registry.OwnerAccount, st.AccountExists); err != nil {
		return err
	}

	h := &handlers{store: st, uploader: uploader, log: log}
	bindings := []struct {
		base   registry.OwnerType
		method string
		fn     registry.ActionFunc
	}{
		{registry.OwnerReport, "generate_report", h.generateReport},
		{registry.OwnerLogEntry, "clean_up_log_entries_older_than", h.cleanUpLogEntries},
		{registry.OwnerAccount, "process_plan_renewals", h.processPlanRenewals},
	}
	for _, b := range bindings {
		if err := reg.Register(b.base, b.method, b.fn); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	store    Store
	uploader artifacts.Uploader
	log      zerolog.Logger
}

type generateReportArgs struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// generateReport renders a report document, stores it as an artifact,
// and records the resource the entry will reference.
func (h *handlers) generateReport(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
	var args generateReportArgs
	if len(inv.Args) > 0 {
		if err := json.Unmarshal(inv.Args, &args); err != nil {
			return nil, fmt.Errorf("decode report args: %w", err)
		}
	}
	if args.Title == "" {
		args.Title = "Report"
	}

	now := time.Now().UTC()
	generatedAt := now.In(inv.Location)
	content := fmt.Sprintf("%s\nAccount: %d\nGenerated: %s\n\n%s\n",
		args.Title, inv.Entry.AccountID, generatedAt.Format(time.RFC1123), args.Body)

	key := fmt.Sprintf("reports/%d/%s.txt", inv.Entry.AccountID, uuid.New())
	location, err := h.uploader.Upload(ctx, key, []byte(content), "text/plain")
	if err != nil {
		return nil, fmt.Errorf("store report: %w", err)
	}

	rd := &models.ResourceDocument{
		AccountID:   inv.Entry.AccountID,
		Key:         key,
		ContentType: "text/plain",
		Location:    location,
	}
	if err := h.store.CreateResourceDocument(ctx, rd); err != nil {
		return nil, fmt.Errorf("record resource: %w", err)
	}

	dm := models.NewDetailMessage()
	dm.Add(fmt.Sprintf("report %q generated at %s", args.Title, location))
	return &models.ActionResult{
		DetailMessage: dm,
		TimeComplete:  &now,
		ResourceID:    &rd.ID,
	}, nil
}

type cleanUpArgs struct {
	OlderThan string `json:"older_than"`
}

// cleanUpLogEntries prunes audit records older than the supplied age.
func (h *handlers) cleanUpLogEntries(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
	var args cleanUpArgs
	if len(inv.Args) > 0 {
		if err := json.Unmarshal(inv.Args, &args); err != nil {
			return nil, fmt.Errorf("decode cleanup args: %w", err)
		}
	}
	age, err := time.ParseDuration(args.OlderThan)
	if err != nil {
		return nil, fmt.Errorf("parse older_than %q: %w", args.OlderThan, err)
	}

	pruned, err := h.store.DeleteLogEntriesOlderThan(ctx, age)
	if err != nil {
		return nil, fmt.Errorf("prune log entries: %w", err)
	}

	now := time.Now().UTC()
	dm := models.NewDetailMessage()
	dm.Add(fmt.Sprintf("pruned %d log entries older than %s", pruned, age))
	return &models.ActionResult{DetailMessage: dm, TimeComplete: &now}, nil
}

// processPlanRenewals is the account-scoped renewal sweep. The renewal
// rules live with the billing system; here the sweep is acknowledged
// per account so scheduling, ordering, and auditing can be exercised
// end to end.
func (h *handlers) processPlanRenewals(ctx context.Context, inv registry.Invocation) (*models.ActionResult, error) {
	if inv.TargetID == nil {
		return nil, fmt.Errorf("process_plan_renewals requires an account instance")
	}

	h.log.Info().Int64("account_id", *inv.TargetID).Msg("processing plan renewals")

	now := time.Now().UTC()
	dm := models.NewDetailMessage()
	dm.Add(fmt.Sprintf("plan renewals processed for account %d", *inv.TargetID))
	return &models.ActionResult{DetailMessage: dm, TimeComplete: &now}, nil
}
