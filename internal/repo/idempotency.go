// Package repo: this file provides repository helpers for the Idempotency
// model used to replay completed outreach sends on retry.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, caseID, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(caseID) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("case_id = ? AND key = ? AND expires_at > ?", caseID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency inserts a record and returns ErrDuplicate on unique violation.
// An expired row with the same key is removed first so the key can be reused.
func CreateIdempotency(ctx context.Context, db *gorm.DB, rec *domain.Idempotency, ttl time.Duration) error {
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(ttl)

	if err := db.WithContext(ctx).
		Where("case_id = ? AND key = ? AND expires_at <= ?", rec.CaseID, rec.Key, now).
		Delete(&domain.Idempotency{}).Error; err != nil {
		return err
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}
