// Package repo: this file provides repository functions for the Message model.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

// CreateMessage inserts m, assigning an ID and CreatedAt when unset. When a
// message with the same (case_id, provider_message_id) exists it returns
// ErrDuplicate.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetMessage fetches a message by id.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMessageByProviderID returns the case's message carrying the mailbox's
// own id, or ErrNotFound.
func FindMessageByProviderID(ctx context.Context, db *gorm.DB, caseID, providerID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("case_id = ? AND provider_message_id = ?", caseID, providerID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns every message of caseID, oldest first.
func ListMessages(ctx context.Context, db *gorm.DB, caseID string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// LatestInbound returns the most recently received inbound message with a
// non-empty body, or ErrNotFound.
func LatestInbound(ctx context.Context, db *gorm.DB, caseID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("case_id = ? AND direction = ? AND TRIM(body_text) <> ''", caseID, domain.DirectionInbound).
		Order("COALESCE(received_at, created_at) desc").
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}
