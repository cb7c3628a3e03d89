// Package services – ParseService
//
// ParseService runs the confirmation field parser over a case's stored
// evidence (extracted PDF text first, latest inbound e-mail as fallback) and
// stores the result as the case's parsed snapshot, the extraction cache and
// per-attachment parse caches. A parse failure leaves the case untouched.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/observability"
	"github.com/tbourn/supplier-confirmations/internal/parser"
	"github.com/tbourn/supplier-confirmations/internal/repo"
)

// ParseService parses stored evidence into a case snapshot.
type ParseService struct {
	DB  *gorm.DB
	Now Clock
}

type fieldConfidence struct {
	SupplierOrderNumber   float64 `json:"supplier_order_number"`
	ConfirmedDeliveryDate float64 `json:"confirmed_delivery_date"`
	ConfirmedQuantity     float64 `json:"supplier_confirmed_quantity"`
	Extraction            float64 `json:"extraction_confidence"`
}

func confidenceOf(p domain.ParsedFields) fieldConfidence {
	return fieldConfidence{
		SupplierOrderNumber:   p.SupplierOrderNumber.Confidence,
		ConfirmedDeliveryDate: p.ConfirmedDeliveryDate.Confidence,
		ConfirmedQuantity:     p.SupplierConfirmedQuantity.Confidence,
		Extraction:            p.ExtractionConfidence,
	}
}

// Parse parses the evidence of caseID. expectedQty, when given, becomes the
// PO line's ordered quantity; otherwise the stored one is used. A parser
// failure is returned as a Result with OK=false and a nil error.
func (s *ParseService) Parse(ctx context.Context, caseID string, expectedQty *float64) (*parser.Result, error) {
	tr := otel.Tracer("services/ParseService")
	ctx, span := tr.Start(ctx, "Parse", trace.WithAttributes(attribute.String("case.id", caseID)))
	defer span.End()

	log := zerolog.Ctx(ctx)
	c, meta, err := loadCase(ctx, s.DB, caseID)
	if err != nil {
		return nil, err
	}
	if expectedQty != nil {
		meta.POLine.OrderedQuantity = ptr(*expectedQty)
	}

	atts, err := repo.ListCaseAttachments(ctx, s.DB, caseID)
	if err != nil {
		return nil, err
	}
	in := parser.Input{
		PONumber:    c.PONumber,
		LineID:      c.LineID,
		ExpectedQty: meta.POLine.OrderedQuantity,
		Now:         s.Now.now(),
	}
	for _, a := range atts {
		if a.TextExtract == nil {
			continue
		}
		in.PDFs = append(in.PDFs, parser.PDFText{
			AttachmentID: a.ID,
			MessageID:    a.MessageID,
			Text:         *a.TextExtract,
			ReceivedAt:   a.ReceivedAt,
		})
	}
	if m, err := repo.LatestInbound(ctx, s.DB, caseID); err == nil {
		in.EmailText, in.EmailMessageID = m.BodyText, m.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	res := parser.Parse(in)
	if !res.OK {
		observability.ParseResults.WithLabelValues("none", "false").Inc()
		log.Warn().Str("case_id", caseID).Str("po", c.PONumber).Str("error", res.Error).Msg("parse failed")
		if _, err := repo.AppendEvent(ctx, s.DB, caseID, domain.EventParseFailed, res.Error, nil,
			map[string]any{"error": res.Error}); err != nil {
			log.Warn().Err(err).Str("case_id", caseID).Msg("parse failure event not recorded")
		}
		return &res, nil
	}

	snap := res.Fields
	meta.ParsedBestFields = &snap
	cols := map[string]any{"meta": metaValue(meta)}
	if !c.State.Terminal() && c.State != domain.StateParsed && domain.CanTransition(c.State, domain.StateParsed) &&
		snap.EvidenceSource != domain.EvidenceNone {
		cols["state"] = domain.StateParsed
	}

	x := &domain.ConfirmationExtraction{
		CaseID:         caseID,
		EvidenceSource: snap.EvidenceSource,
		Confidence:     snap.ExtractionConfidence,
		Snapshot:       datatypesSnapshot(snap),
	}
	if snap.EvidenceAttachmentID != "" {
		x.EvidenceAttachmentID = ptr(snap.EvidenceAttachmentID)
	}
	if snap.EvidenceMessageID != "" {
		x.EvidenceMessageID = ptr(snap.EvidenceMessageID)
	}

	refs := attachmentRefs(snap.AttachmentIDs())
	refs = append(refs, messageRef(snap.EvidenceMessageID)...)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.UpsertExtraction(ctx, tx, x); err != nil {
			return err
		}
		for id, fields := range res.PerAttachment {
			fj, err := json.Marshal(fields)
			if err != nil {
				return err
			}
			cj, err := json.Marshal(confidenceOf(fields))
			if err != nil {
				return err
			}
			if err := repo.SetAttachmentParse(ctx, tx, id, fj, cj); err != nil {
				return err
			}
		}
		if err := repo.UpdateCase(ctx, tx, caseID, cols); err != nil {
			return err
		}
		_, err := repo.AppendEvent(ctx, tx, caseID, domain.EventParseResult,
			fmt.Sprintf("Parsed %s evidence (confidence %s)", snap.EvidenceSource,
				strconv.FormatFloat(snap.ExtractionConfidence, 'f', 2, 64)),
			refs,
			map[string]any{
				"evidence_source":       snap.EvidenceSource,
				"extraction_confidence": snap.ExtractionConfidence,
				"quantity_mismatch":     snap.QuantityMismatch,
				"fields":                snap.Fields().Canonical(),
				"candidates":            len(res.PerAttachment),
			})
		return err
	})
	if err != nil {
		return nil, err
	}

	observability.ParseResults.WithLabelValues(string(snap.EvidenceSource), "true").Inc()
	log.Info().
		Str("case_id", caseID).
		Str("evidence_source", string(snap.EvidenceSource)).
		Float64("confidence", snap.ExtractionConfidence).
		Bool("quantity_mismatch", snap.QuantityMismatch).
		Msg("case parsed")
	return &res, nil
}
