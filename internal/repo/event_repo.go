// Package repo: this file provides append/read helpers for the case timeline.
// Events are never updated through these helpers except for attachment
// reference rewrites performed by content deduplication.
package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

// AppendEvent inserts a timeline entry for caseID. refs and meta may be nil.
func AppendEvent(ctx context.Context, db *gorm.DB, caseID string, typ domain.EventType, summary string, refs []domain.EvidenceRef, meta any) (*domain.Event, error) {
	if refs == nil {
		refs = []domain.EvidenceRef{}
	}
	rawRefs, err := json.Marshal(refs)
	if err != nil {
		return nil, err
	}
	var rawMeta []byte
	if meta == nil {
		rawMeta = []byte("{}")
	} else if rawMeta, err = json.Marshal(meta); err != nil {
		return nil, err
	}
	e := &domain.Event{
		ID:           uuid.Must(uuid.NewV7()).String(),
		CaseID:       caseID,
		Timestamp:    time.Now().UTC(),
		EventType:    typ,
		Summary:      summary,
		EvidenceRefs: datatypes.JSON(rawRefs),
		Meta:         datatypes.JSON(rawMeta),
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return e, nil
}

// CountEvents returns the number of events for caseID, optionally restricted
// to one type. Pass "" for all types.
func CountEvents(ctx context.Context, db *gorm.DB, caseID string, typ domain.EventType) (int64, error) {
	var n int64
	q := db.WithContext(ctx).Model(&domain.Event{}).Where("case_id = ?", caseID)
	if typ != "" {
		q = q.Where("event_type = ?", typ)
	}
	err := q.Count(&n).Error
	return n, err
}

// ListEventsPage returns a page of events for caseID in timeline order.
func ListEventsPage(ctx context.Context, db *gorm.DB, caseID string, offset, limit int) ([]domain.Event, error) {
	var out []domain.Event
	err := db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("timestamp asc").
		Order("id asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListEventsReferencing returns events whose evidence refs mention id.
// The LIKE filter is a coarse pre-filter; callers must decode the refs.
func ListEventsReferencing(ctx context.Context, db *gorm.DB, id string) ([]domain.Event, error) {
	var out []domain.Event
	err := db.WithContext(ctx).
		Where("evidence_refs_json LIKE ?", "%"+id+"%").
		Find(&out).Error
	return out, err
}

// SetEventRefs overwrites the evidence refs of one event.
func SetEventRefs(ctx context.Context, db *gorm.DB, eventID string, refs []domain.EvidenceRef) error {
	raw, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).
		Model(&domain.Event{}).
		Where("id = ?", eventID).
		Update("evidence_refs_json", datatypes.JSON(raw)).Error
}
