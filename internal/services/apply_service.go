// Package services – ApplyService
//
// This file implements the apply/merge engine. Freshly parsed (or manually
// entered) values are gated by manual overrides, merged over the previously
// applied field set, deduplicated by a content signature, and written to the
// case and to the durable confirmation record of the PO line.
//
// Guarantees:
//   - At most one APPLY_UPDATES event per distinct merged field set.
//   - A field pinned by a manual override is never changed by Apply.
//   - The case becomes RESOLVED as soon as the merged set holds both the
//     supplier order number and the ship/delivery date.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/observability"
	"github.com/tbourn/supplier-confirmations/internal/repo"
)

// ApplyService merges confirmed values into cases.
type ApplyService struct {
	DB  *gorm.DB
	Now Clock
}

// ApplyInput is one apply request. Source is the evidence kind the values
// were read from; AttachmentIDs and MessageID cite that evidence.
type ApplyInput struct {
	Source        domain.EvidenceSource `json:"source"`
	Fields        domain.FieldSet       `json:"fields"`
	AttachmentIDs []string              `json:"attachment_ids,omitempty"`
	MessageID     string                `json:"message_id,omitempty"`
}

// ApplyResult reports what an apply call did. Exactly one of Applied,
// Skipped and Deduped is true. PersistError carries a soft failure writing
// the confirmation record after the case itself was updated.
type ApplyResult struct {
	Applied       bool             `json:"applied"`
	Skipped       bool             `json:"skipped"`
	Deduped       bool             `json:"deduped"`
	Signature     string           `json:"signature,omitempty"`
	State         domain.State     `json:"state"`
	Status        domain.Status    `json:"status"`
	MissingFields domain.FieldKeys `json:"missing_fields"`
	PersistError  string           `json:"persist_error,omitempty"`
}

// Signature is the stable digest of a field set: SHA-256 over the JSON of
// its present values with keys in sorted order.
func Signature(fs domain.FieldSet) string {
	b, _ := json.Marshal(fs.Canonical())
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// resolvedStatus is the status of a case whose merged set is complete: a
// confirmed quantity that differs from the ordered quantity is a risk.
func resolvedStatus(merged domain.FieldSet, line domain.POLineContext) domain.Status {
	if merged.Has(domain.CanonicalConfirmedQuantity) && line.OrderedQuantity != nil &&
		!decimal.NewFromFloat(*merged.ConfirmedQuantity).Equal(decimal.NewFromFloat(*line.OrderedQuantity)) {
		return domain.StatusConfirmedWithRisk
	}
	return domain.StatusConfirmed
}

// Apply runs the apply/merge algorithm for one case.
func (s *ApplyService) Apply(ctx context.Context, caseID string, in ApplyInput) (*ApplyResult, error) {
	tr := otel.Tracer("services/ApplyService")
	ctx, span := tr.Start(ctx, "Apply",
		trace.WithAttributes(
			attribute.String("case.id", caseID),
			attribute.String("source", string(in.Source)),
		),
	)
	defer span.End()

	if in.Source != domain.EvidencePDF && in.Source != domain.EvidenceEmail {
		return nil, fmt.Errorf("%w: source must be pdf or email", ErrInvalidInput)
	}

	c, meta, err := loadCase(ctx, s.DB, caseID)
	if err != nil {
		return nil, err
	}

	var staged domain.FieldSet
	for _, f := range domain.AllCanonicalFields {
		if in.Fields.Has(f) && !meta.Overridden(f) {
			staged.Copy(f, in.Fields)
		}
	}
	if staged.Empty() {
		observability.ApplyOutcomes.WithLabelValues("skipped").Inc()
		return &ApplyResult{Skipped: true, State: c.State, Status: c.Status, MissingFields: c.MissingFields}, nil
	}

	res, err := s.commit(ctx, c, meta, staged, in.Source, in.Source.SourceType(), in.AttachmentIDs, in.MessageID, false)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// commit merges staged over the applied set and writes the outcome. force
// skips the signature dedup (manual edits always record an event).
func (s *ApplyService) commit(
	ctx context.Context,
	c *domain.Case,
	meta domain.CaseMeta,
	staged domain.FieldSet,
	source domain.EvidenceSource,
	sourceType domain.SourceType,
	attachmentIDs []string,
	messageID string,
	force bool,
) (*ApplyResult, error) {
	log := zerolog.Ctx(ctx)

	var merged domain.FieldSet
	var prevSig string
	if prev := meta.ConfirmationFieldsApplied; prev != nil {
		merged = prev.Fields
		prevSig = prev.Signature
	}
	for _, f := range staged.Present() {
		merged.Copy(f, staged)
	}
	sig := Signature(merged)

	if !force && sig == prevSig {
		res := &ApplyResult{Deduped: true, Signature: sig, State: c.State, Status: c.Status, MissingFields: c.MissingFields}
		// A previous apply may have updated the case but failed to write the
		// record; bring the record back in line.
		if err := s.repairRecord(ctx, c, meta, merged, sig); err != nil {
			res.PersistError = err.Error()
			log.Warn().Err(err).Str("case_id", c.ID).Msg("confirmation record repair failed")
		}
		observability.ApplyOutcomes.WithLabelValues("deduped").Inc()
		return res, nil
	}

	before := c.MissingFields
	var resolved []domain.FieldKey
	for _, f := range merged.Present() {
		resolved = append(resolved, f.MissingKey())
	}
	after := before.Without(resolved...)

	state, status := c.State, c.Status
	if merged.Complete() {
		if err := checkTransition(c.State, domain.StateResolved); err != nil {
			return nil, err
		}
		state, status = domain.StateResolved, resolvedStatus(merged, meta.POLine)
	}

	now := s.Now.now()
	meta.ConfirmationFieldsApplied = &domain.AppliedFields{
		Fields:        merged,
		Signature:     sig,
		Source:        source,
		AttachmentIDs: attachmentIDs,
		AppliedAt:     now,
	}

	cols := map[string]any{
		"state":          state,
		"status":         status,
		"missing_fields": after,
		"last_action_at": now,
		"meta":           metaValue(meta),
	}
	if state == domain.StateResolved {
		cols["next_check_at"] = nil
	}
	refs := append(attachmentRefs(attachmentIDs), messageRef(messageID)...)
	eventType := domain.EventApplyUpdates
	if sourceType == domain.SourceManual {
		eventType = domain.EventManualEdit
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.UpdateCase(ctx, tx, c.ID, cols); err != nil {
			return err
		}
		_, err := repo.AppendEvent(ctx, tx, c.ID, eventType,
			fmt.Sprintf("Applied %d field(s) from %s", len(staged.Present()), sourceType), refs,
			map[string]any{
				"source":                source,
				"source_type":           sourceType,
				"fields":                staged.Canonical(),
				"signature":             sig,
				"missing_fields_before": before,
				"missing_fields_after":  after,
				"attachment_ids":        attachmentIDs,
				"state":                 state,
				"status":                status,
			})
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &ApplyResult{Applied: true, Signature: sig, State: state, Status: status, MissingFields: after}
	if err := s.upsertRecord(ctx, c, meta, merged, sourceType, attachmentIDs, messageID); err != nil {
		res.PersistError = err.Error()
		log.Warn().Err(err).Str("case_id", c.ID).Msg("confirmation record update failed")
	}
	observability.ApplyOutcomes.WithLabelValues("applied").Inc()
	log.Info().
		Str("case_id", c.ID).
		Str("source", string(source)).
		Str("state", string(state)).
		Str("status", string(status)).
		Msg("fields applied")
	return res, nil
}

// upsertRecord writes merged into the PO line's confirmation record. Values
// absent from merged keep what the record already holds.
func (s *ApplyService) upsertRecord(
	ctx context.Context,
	c *domain.Case,
	meta domain.CaseMeta,
	merged domain.FieldSet,
	sourceType domain.SourceType,
	attachmentIDs []string,
	messageID string,
) error {
	rec, err := repo.GetConfirmationRecord(ctx, s.DB, c.PONumber, c.LineID)
	if errors.Is(err, repo.ErrNotFound) {
		rec = &domain.ConfirmationRecord{POID: c.PONumber, LineID: c.LineID}
	} else if err != nil {
		return err
	}
	if merged.Has(domain.CanonicalSupplierOrderNumber) {
		rec.SupplierOrderNumber = ptr(*merged.SupplierOrderNumber)
	}
	if merged.Has(domain.CanonicalShipOrDeliveryDate) {
		rec.ConfirmedShipDate = ptr(*merged.ConfirmedShipOrDeliveryDate)
	}
	if merged.Has(domain.CanonicalConfirmedQuantity) {
		rec.ConfirmedQuantity = ptr(*merged.ConfirmedQuantity)
	}
	if rec.ConfirmedUOM == "" {
		rec.ConfirmedUOM = meta.POLine.UOM
	}
	if sourceType != "" {
		rec.SourceType = sourceType
	}
	if len(attachmentIDs) > 0 {
		rec.SourceAttachmentID = ptr(attachmentIDs[0])
	}
	if messageID != "" {
		rec.SourceMessageID = ptr(messageID)
	}
	return repo.UpsertConfirmationRecord(ctx, s.DB, rec)
}

// repairRecord rewrites the record when it no longer matches the applied set.
func (s *ApplyService) repairRecord(ctx context.Context, c *domain.Case, meta domain.CaseMeta, merged domain.FieldSet, sig string) error {
	rec, err := repo.GetConfirmationRecord(ctx, s.DB, c.PONumber, c.LineID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if rec != nil && Signature(rec.Fields()) == sig {
		return nil
	}
	applied := meta.ConfirmationFieldsApplied
	return s.upsertRecord(ctx, c, meta, merged, applied.Source.SourceType(), applied.AttachmentIDs, "")
}

// ManualEdit records values entered by a human. Every provided field is
// pinned by a manual override, so later automated applies leave it alone.
func (s *ApplyService) ManualEdit(ctx context.Context, caseID string, fields domain.FieldSet) (*ApplyResult, error) {
	tr := otel.Tracer("services/ApplyService")
	ctx, span := tr.Start(ctx, "ManualEdit", trace.WithAttributes(attribute.String("case.id", caseID)))
	defer span.End()

	if fields.Empty() {
		return nil, fmt.Errorf("%w: at least one field is required", ErrInvalidInput)
	}
	c, meta, err := loadCase(ctx, s.DB, caseID)
	if err != nil {
		return nil, err
	}
	var staged domain.FieldSet
	for _, f := range fields.Present() {
		staged.Copy(f, fields)
		meta.ManualFields.Copy(f, fields)
		meta.ManualOverrides[f] = true
	}
	return s.commit(ctx, c, meta, staged, domain.EvidenceNone, domain.SourceManual, nil, "", true)
}

// ClearOverride releases the manual pin on one field. The applied value stays
// until new evidence replaces it.
func (s *ApplyService) ClearOverride(ctx context.Context, caseID string, field domain.CanonicalField) (*domain.Case, error) {
	tr := otel.Tracer("services/ApplyService")
	ctx, span := tr.Start(ctx, "ClearOverride",
		trace.WithAttributes(
			attribute.String("case.id", caseID),
			attribute.String("field", string(field)),
		),
	)
	defer span.End()

	if !field.Valid() {
		return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidInput, field)
	}
	c, meta, err := loadCase(ctx, s.DB, caseID)
	if err != nil {
		return nil, err
	}
	if !meta.Overridden(field) {
		return c, nil
	}
	delete(meta.ManualOverrides, field)
	switch field {
	case domain.CanonicalSupplierOrderNumber:
		meta.ManualFields.SupplierOrderNumber = nil
	case domain.CanonicalShipOrDeliveryDate:
		meta.ManualFields.ConfirmedShipOrDeliveryDate = nil
	case domain.CanonicalConfirmedQuantity:
		meta.ManualFields.ConfirmedQuantity = nil
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.UpdateCase(ctx, tx, caseID, map[string]any{"meta": metaValue(meta)}); err != nil {
			return err
		}
		_, err := repo.AppendEvent(ctx, tx, caseID, domain.EventManualEdit,
			fmt.Sprintf("Manual override cleared for %s", field), nil,
			map[string]any{"cleared_override": field})
		return err
	})
	if err != nil {
		return nil, err
	}
	c, _, err = loadCase(ctx, s.DB, caseID)
	return c, err
}
