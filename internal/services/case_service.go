// Package services – CaseService
//
// This file implements CaseService, which owns case identity and the
// administrative edges of the case state machine: find-or-create by PO line,
// reads, bulk status, forced retry, escalation, error marking and bulk reset.
//
// Observability: all public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/repo"
)

// MaxBulkKeys bounds a single bulk status request.
const MaxBulkKeys = 500

// CaseService manages case identity and administrative transitions.
type CaseService struct {
	DB  *gorm.DB
	Now Clock
}

// ResolveInput identifies a PO line and optionally carries supplier and PO
// context recorded on first creation.
type ResolveInput struct {
	PONumber        string   `json:"po_number"`
	LineID          string   `json:"line_id"`
	SupplierName    string   `json:"supplier_name,omitempty"`
	SupplierEmail   string   `json:"supplier_email,omitempty"`
	OrderedQuantity *float64 `json:"ordered_quantity,omitempty"`
	UOM             string   `json:"uom,omitempty"`
}

// CaseStatus is the compact view returned by BulkStatus.
type CaseStatus struct {
	CaseID string        `json:"case_id"`
	State  domain.State  `json:"state"`
	Status domain.Status `json:"status"`
}

// CaseView is a case together with its durable confirmation record.
type CaseView struct {
	Case   *domain.Case               `json:"case"`
	Record *domain.ConfirmationRecord `json:"confirmation_record,omitempty"`
}

// BulkKey formats the key BulkStatus uses for a PO line.
func BulkKey(po, line string) string { return po + "|" + line }

// Resolve returns the case for (po, line), creating it together with an empty
// confirmation record and a CASE_CREATED event when it does not exist yet.
// Concurrent first calls converge on the same row.
func (s *CaseService) Resolve(ctx context.Context, in ResolveInput) (*domain.Case, bool, error) {
	tr := otel.Tracer("services/CaseService")
	ctx, span := tr.Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.String("po.number", in.PONumber),
			attribute.String("po.line", in.LineID),
		),
	)
	defer span.End()

	po, line := strings.TrimSpace(in.PONumber), strings.TrimSpace(in.LineID)
	if po == "" || line == "" {
		return nil, false, fmt.Errorf("%w: po_number and line_id are required", ErrInvalidInput)
	}

	if c, err := repo.GetCaseByPOLine(ctx, s.DB, po, line); err == nil {
		return c, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	now := s.Now.now()
	meta := domain.NewCaseMeta()
	meta.POLine = domain.POLineContext{OrderedQuantity: in.OrderedQuantity, UOM: strings.TrimSpace(in.UOM)}
	email := strings.ToLower(strings.TrimSpace(in.SupplierEmail))
	c := &domain.Case{
		ID:             uuid.Must(uuid.NewV7()).String(),
		PONumber:       po,
		LineID:         line,
		State:          domain.StateInboxLookup,
		Status:         domain.StatusStillAmbiguous,
		MissingFields:  domain.NewFieldKeys(domain.AllFieldKeys...),
		SupplierName:   strings.TrimSpace(in.SupplierName),
		SupplierEmail:  email,
		SupplierDomain: supplierDomain(email),
		Meta:           metaValue(meta),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateCase(ctx, tx, c); err != nil {
			return err
		}
		if _, err := repo.EnsureConfirmationRecord(ctx, tx, po, line); err != nil {
			return err
		}
		_, err := repo.AppendEvent(ctx, tx, c.ID, domain.EventCaseCreated,
			fmt.Sprintf("Case created for PO %s line %s", po, line), nil,
			map[string]any{"state": c.State, "status": c.Status, "missing_fields": c.MissingFields})
		return err
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// Lost a creation race; the winner's row is authoritative.
		existing, gerr := repo.GetCaseByPOLine(ctx, s.DB, po, line)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	zerolog.Ctx(ctx).Info().Str("case_id", c.ID).Str("po", po).Str("line", line).Msg("case created")
	return c, true, nil
}

// Get returns a case with its confirmation record.
func (s *CaseService) Get(ctx context.Context, id string) (*CaseView, error) {
	tr := otel.Tracer("services/CaseService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("case.id", id)))
	defer span.End()

	c, _, err := loadCase(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	view := &CaseView{Case: c}
	rec, err := repo.GetConfirmationRecord(ctx, s.DB, c.PONumber, c.LineID)
	switch {
	case err == nil:
		view.Record = rec
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}
	return view, nil
}

// BulkStatus returns the state and status of every known PO line in keys,
// keyed by BulkKey. Unknown lines are absent from the result.
func (s *CaseService) BulkStatus(ctx context.Context, keys []repo.POLineKey) (map[string]CaseStatus, error) {
	tr := otel.Tracer("services/CaseService")
	ctx, span := tr.Start(ctx, "BulkStatus", trace.WithAttributes(attribute.Int("keys", len(keys))))
	defer span.End()

	if len(keys) > MaxBulkKeys {
		return nil, fmt.Errorf("%w: at most %d keys per request", ErrInvalidInput, MaxBulkKeys)
	}
	cases, err := repo.ListCasesByPOLines(ctx, s.DB, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]CaseStatus, len(cases))
	for _, c := range cases {
		out[BulkKey(c.PONumber, c.LineID)] = CaseStatus{CaseID: c.ID, State: c.State, Status: c.Status}
	}
	return out, nil
}

// ListEvents returns one page of the case timeline, the total event count and
// the newest event timestamp (for ETag computation).
func (s *CaseService) ListEvents(ctx context.Context, id string, page, pageSize int) ([]domain.Event, int64, *time.Time, error) {
	tr := otel.Tracer("services/CaseService")
	ctx, span := tr.Start(ctx, "ListEvents",
		trace.WithAttributes(
			attribute.String("case.id", id),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if _, _, err := loadCase(ctx, s.DB, id); err != nil {
		return nil, 0, nil, err
	}
	total, last, err := repo.EventsStats(ctx, s.DB, id)
	if err != nil {
		return nil, 0, nil, err
	}
	if total == 0 {
		return []domain.Event{}, 0, nil, nil
	}
	items, err := repo.ListEventsPage(ctx, s.DB, id, (page-1)*pageSize, pageSize)
	return items, total, last, err
}

// ListMessages returns every message of a case, oldest first.
func (s *CaseService) ListMessages(ctx context.Context, id string) ([]domain.Message, error) {
	tr := otel.Tracer("services/CaseService")
	ctx, span := tr.Start(ctx, "ListMessages", trace.WithAttributes(attribute.String("case.id", id)))
	defer span.End()

	if _, _, err := loadCase(ctx, s.DB, id); err != nil {
		return nil, err
	}
	return repo.ListMessages(ctx, s.DB, id)
}

// ForceRetry is the administrative retry edge: it moves a case back to
// INBOX_LOOKUP (never contacted) or WAITING (contacted), clears next_check_at
// so the poller picks it up immediately, and records a FORCE_RETRY event.
// Resolved cases cannot be retried.
func (s *CaseService) ForceRetry(ctx context.Context, id string) (*domain.Case, error) {
	tr := otel.Tracer("services/CaseService")
	ctx, span := tr.Start(ctx, "ForceRetry", trace.WithAttributes(attribute.String("case.id", id)))
	defer span.End()

	c, meta, err := loadCase(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	target := domain.RetryTarget(c.TouchCount)
	if c.State == domain.StateResolved {
		return nil, fmt.Errorf("%w: resolved cases cannot be retried", ErrInvalidTransition)
	}
	if err := checkTransition(c.State, target); err != nil {
		return nil, err
	}

	status := c.Status
	if status == domain.StatusUnresponsive || status == domain.StatusNeedsBuyer {
		status = domain.StatusStillAmbiguous
	}
	from := c.State
	meta.LastError = ""
	now := s.Now.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.UpdateCase(ctx, tx, id, map[string]any{
			"state":          target,
			"status":         status,
			"next_check_at":  nil,
			"last_action_at": now,
			"meta":           metaValue(meta),
		}); err != nil {
			return err
		}
		_, err := repo.AppendEvent(ctx, tx, id, domain.EventForceRetry,
			fmt.Sprintf("Forced retry: %s -> %s", from, target), nil,
			map[string]any{"from": from, "to": target, "status": status})
		return err
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("case_id", id).Str("from", string(from)).Str("to", string(target)).Msg("case retry forced")
	c, _, err = loadCase(ctx, s.DB, id)
	return c, err
}

// MarkError moves a case to ERROR after an unrecoverable processing fault.
// The case then waits for an operator to force a retry.
func (s *CaseService) MarkError(ctx context.Context, id, cause string) (*domain.Case, error) {
	tr := otel.Tracer("services/CaseService")
	ctx, span := tr.Start(ctx, "MarkError", trace.WithAttributes(attribute.String("case.id", id)))
	defer span.End()

	c, meta, err := loadCase(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(c.State, domain.StateError); err != nil {
		return nil, err
	}
	cause = strings.TrimSpace(cause)
	if cause == "" {
		cause = "unspecified error"
	}
	meta.LastError = cause
	from := c.State
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.UpdateCase(ctx, tx, id, map[string]any{
			"state": domain.StateError,
			"meta":  metaValue(meta),
		}); err != nil {
			return err
		}
		_, err := repo.AppendEvent(ctx, tx, id, domain.EventCaseError, cause, nil,
			map[string]any{"from": from, "error": cause})
		return err
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Warn().Str("case_id", id).Str("cause", cause).Msg("case moved to ERROR")
	c, _, err = loadCase(ctx, s.DB, id)
	return c, err
}

// Escalate hands a case to a human. status must be NEEDS_BUYER or
// UNRESPONSIVE.
func (s *CaseService) Escalate(ctx context.Context, id string, status domain.Status, reason string) (*domain.Case, error) {
	tr := otel.Tracer("services/CaseService")
	ctx, span := tr.Start(ctx, "Escalate", trace.WithAttributes(attribute.String("case.id", id)))
	defer span.End()

	if status != domain.StatusNeedsBuyer && status != domain.StatusUnresponsive {
		return nil, fmt.Errorf("%w: escalation status must be NEEDS_BUYER or UNRESPONSIVE", ErrInvalidInput)
	}
	c, _, err := loadCase(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(c.State, domain.StateEscalated); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "escalated to buyer"
	}
	from := c.State
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.UpdateCase(ctx, tx, id, map[string]any{
			"state":         domain.StateEscalated,
			"status":        status,
			"next_check_at": nil,
		}); err != nil {
			return err
		}
		_, err := repo.AppendEvent(ctx, tx, id, domain.EventCaseEscalated, reason, nil,
			map[string]any{"from": from, "status": status, "touch_count": c.TouchCount})
		return err
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("case_id", id).Str("status", string(status)).Msg("case escalated")
	c, _, err = loadCase(ctx, s.DB, id)
	return c, err
}

// AdminReset deletes every case and everything hanging off it.
func (s *CaseService) AdminReset(ctx context.Context) (int64, error) {
	tr := otel.Tracer("services/CaseService")
	ctx, span := tr.Start(ctx, "AdminReset")
	defer span.End()

	n, err := repo.DeleteAllCases(ctx, s.DB)
	if err != nil {
		return 0, err
	}
	zerolog.Ctx(ctx).Warn().Int64("cases", n).Msg("all cases deleted")
	return n, nil
}
