// Package repo: this file provides repository functions for the Case model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only persistence and query composition.
//
// Error semantics:
//   - When a case is not found, functions return ErrNotFound.
//   - CreateCase returns ErrDuplicate when (po_number, line_id) already exists.
//   - On other DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

// POLineKey identifies a case by its natural key.
type POLineKey struct {
	PONumber string
	LineID   string
}

// CreateCase inserts c. The caller assigns the ID.
func CreateCase(ctx context.Context, db *gorm.DB, c *domain.Case) error {
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetCase fetches a case by id.
func GetCase(ctx context.Context, db *gorm.DB, id string) (*domain.Case, error) {
	var c domain.Case
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCaseByPOLine fetches a case by its natural key.
func GetCaseByPOLine(ctx context.Context, db *gorm.DB, poNumber, lineID string) (*domain.Case, error) {
	var c domain.Case
	err := db.WithContext(ctx).
		Where("po_number = ? AND line_id = ?", poNumber, lineID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCase writes the given column values to case id. UpdatedAt is always
// bumped. Returns ErrNotFound when no row matched.
func UpdateCase(ctx context.Context, db *gorm.DB, id string, cols map[string]any) error {
	if _, ok := cols["updated_at"]; !ok {
		cols["updated_at"] = time.Now().UTC()
	}
	res := db.WithContext(ctx).
		Model(&domain.Case{}).
		Where("id = ?", id).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueCases returns up to limit non-terminal cases whose next_check_at is
// unset or not after now, oldest check first.
func ListDueCases(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Case, error) {
	var out []domain.Case
	err := db.WithContext(ctx).
		Where("state NOT IN ?", []domain.State{domain.StateResolved, domain.StateEscalated, domain.StateError}).
		Where("next_check_at IS NULL OR next_check_at <= ?", now).
		Order("next_check_at asc").
		Order("created_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListCasesByPOLines returns the cases matching any of keys. Keys without a
// matching case are simply absent from the result.
func ListCasesByPOLines(ctx context.Context, db *gorm.DB, keys []POLineKey) ([]domain.Case, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	q := db.WithContext(ctx).Model(&domain.Case{})
	var cond *gorm.DB
	for _, k := range keys {
		next := db.Where("po_number = ? AND line_id = ?", k.PONumber, k.LineID)
		if cond == nil {
			cond = next
		} else {
			cond = cond.Or(next)
		}
	}
	var out []domain.Case
	err := q.Where(cond).Find(&out).Error
	return out, err
}

// ListCasesReferencingAttachment returns cases whose meta mentions attachmentID.
// The LIKE filter is a coarse pre-filter; callers must inspect the decoded meta.
func ListCasesReferencingAttachment(ctx context.Context, db *gorm.DB, attachmentID string) ([]domain.Case, error) {
	var out []domain.Case
	err := db.WithContext(ctx).
		Where("meta LIKE ?", "%"+attachmentID+"%").
		Find(&out).Error
	return out, err
}

// DeleteAllCases removes every case together with its events, messages,
// attachments, attachment links, extractions and confirmation records.
// Children are deleted explicitly so the result does not depend on the
// connection having foreign_keys enabled.
func DeleteAllCases(ctx context.Context, db *gorm.DB) (int64, error) {
	var deleted int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{
			&domain.AttachmentLink{},
			&domain.Attachment{},
			&domain.Message{},
			&domain.Event{},
			&domain.ConfirmationExtraction{},
			&domain.ConfirmationRecord{},
			&domain.Idempotency{},
		} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Where("1 = 1").Delete(&domain.Case{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
