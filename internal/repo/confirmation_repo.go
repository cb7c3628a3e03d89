// Package repo: this file provides persistence for the durable confirmation
// record of a PO line and the per-case extraction cache.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

// EnsureConfirmationRecord inserts an empty record for (poID, lineID) unless
// one already exists, then returns the stored row.
func EnsureConfirmationRecord(ctx context.Context, db *gorm.DB, poID, lineID string) (*domain.ConfirmationRecord, error) {
	now := time.Now().UTC()
	rec := &domain.ConfirmationRecord{
		ID:        uuid.NewString(),
		POID:      poID,
		LineID:    lineID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "po_id"}, {Name: "line_id"}},
			DoNothing: true,
		}).
		Create(rec).Error
	if err != nil {
		return nil, err
	}
	return GetConfirmationRecord(ctx, db, poID, lineID)
}

// GetConfirmationRecord fetches the record for (poID, lineID).
func GetConfirmationRecord(ctx context.Context, db *gorm.DB, poID, lineID string) (*domain.ConfirmationRecord, error) {
	var rec domain.ConfirmationRecord
	err := db.WithContext(ctx).
		Where("po_id = ? AND line_id = ?", poID, lineID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertConfirmationRecord inserts rec or replaces the value columns of the
// existing row with the same (po_id, line_id). Callers merge with the
// existing row first when they want to preserve untouched values.
func UpsertConfirmationRecord(ctx context.Context, db *gorm.DB, rec *domain.ConfirmationRecord) error {
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "po_id"}, {Name: "line_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"supplier_order_number", "confirmed_ship_date", "confirmed_quantity",
				"confirmed_uom", "source_type", "source_message_id", "source_attachment_id",
				"updated_at",
			}),
		}).
		Create(rec).Error
}

// ReplaceRecordAttachment rewrites source_attachment_id from one attachment to
// another across all records.
func ReplaceRecordAttachment(ctx context.Context, db *gorm.DB, from, to string) error {
	return db.WithContext(ctx).
		Model(&domain.ConfirmationRecord{}).
		Where("source_attachment_id = ?", from).
		Updates(map[string]any{"source_attachment_id": to, "updated_at": time.Now().UTC()}).Error
}

// UpsertExtraction stores x as the extraction cache of its case, replacing
// any previous snapshot.
func UpsertExtraction(ctx context.Context, db *gorm.DB, x *domain.ConfirmationExtraction) error {
	now := time.Now().UTC()
	if x.ID == "" {
		x.ID = uuid.NewString()
	}
	if x.CreatedAt.IsZero() {
		x.CreatedAt = now
	}
	x.UpdatedAt = now
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "case_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"evidence_source", "evidence_attachment_id", "evidence_message_id",
				"confidence", "snapshot", "updated_at",
			}),
		}).
		Create(x).Error
}

// GetExtraction returns the extraction cache of caseID.
func GetExtraction(ctx context.Context, db *gorm.DB, caseID string) (*domain.ConfirmationExtraction, error) {
	var x domain.ConfirmationExtraction
	if err := db.WithContext(ctx).Where("case_id = ?", caseID).First(&x).Error; err != nil {
		return nil, err
	}
	return &x, nil
}

// ListExtractionsReferencing returns extraction rows whose evidence or
// snapshot mention attachmentID.
func ListExtractionsReferencing(ctx context.Context, db *gorm.DB, attachmentID string) ([]domain.ConfirmationExtraction, error) {
	var out []domain.ConfirmationExtraction
	err := db.WithContext(ctx).
		Where("evidence_attachment_id = ? OR snapshot LIKE ?", attachmentID, "%"+attachmentID+"%").
		Find(&out).Error
	return out, err
}

// SaveExtraction writes every column of an existing extraction row.
func SaveExtraction(ctx context.Context, db *gorm.DB, x *domain.ConfirmationExtraction) error {
	x.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Omit(clause.Associations).Save(x).Error
}
