// Package repo: this file provides repository functions for the Attachment model.
package repo

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

// CaseAttachment is an attachment together with the receive time of the
// message that carried it.
type CaseAttachment struct {
	domain.Attachment
	ReceivedAt time.Time `json:"received_at"`
}

// CreateAttachment inserts a, assigning an ID when unset.
func CreateAttachment(ctx context.Context, db *gorm.DB, a *domain.Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(a).Error
}

// GetAttachment fetches one attachment by id.
func GetAttachment(ctx context.Context, db *gorm.DB, id string) (*domain.Attachment, error) {
	var a domain.Attachment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAttachmentsByMessage returns the attachments of one message.
func ListAttachmentsByMessage(ctx context.Context, db *gorm.DB, messageID string) ([]domain.Attachment, error) {
	var out []domain.Attachment
	err := db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// ListCaseAttachments returns every attachment of caseID, most recently
// received first: those stored under the case's messages and those its
// messages carry through a link. Messages without a receive time sort by
// creation time.
func ListCaseAttachments(ctx context.Context, db *gorm.DB, caseID string) ([]CaseAttachment, error) {
	msgs, err := ListMessages(ctx, db, caseID)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	when := make(map[string]time.Time, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		t := m.CreatedAt
		if m.ReceivedAt != nil {
			t = *m.ReceivedAt
		}
		when[m.ID] = t
		ids = append(ids, m.ID)
	}
	var atts []domain.Attachment
	if err := db.WithContext(ctx).Where("message_id IN ?", ids).Find(&atts).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]CaseAttachment, len(atts))
	for _, a := range atts {
		byID[a.ID] = CaseAttachment{Attachment: a, ReceivedAt: when[a.MessageID]}
	}

	var links []domain.AttachmentLink
	if err := db.WithContext(ctx).Where("message_id IN ?", ids).Find(&links).Error; err != nil {
		return nil, err
	}
	linked := map[string]time.Time{}
	for _, l := range links {
		if _, own := byID[l.AttachmentID]; own {
			continue
		}
		if t, ok := linked[l.AttachmentID]; !ok || when[l.MessageID].After(t) {
			linked[l.AttachmentID] = when[l.MessageID]
		}
	}
	if len(linked) > 0 {
		lids := make([]string, 0, len(linked))
		for id := range linked {
			lids = append(lids, id)
		}
		var shared []domain.Attachment
		if err := db.WithContext(ctx).Where("id IN ?", lids).Find(&shared).Error; err != nil {
			return nil, err
		}
		for _, a := range shared {
			byID[a.ID] = CaseAttachment{Attachment: a, ReceivedAt: linked[a.ID]}
		}
	}

	out := make([]CaseAttachment, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CaseHasAttachment reports whether attachmentID is visible to caseID,
// stored under one of its messages or linked to one.
func CaseHasAttachment(ctx context.Context, db *gorm.DB, caseID, attachmentID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Attachment{}).
		Joins("JOIN messages ON messages.id = attachments.message_id").
		Where("attachments.id = ? AND messages.case_id = ?", attachmentID, caseID).
		Count(&n).Error
	if err != nil || n > 0 {
		return n > 0, err
	}
	err = db.WithContext(ctx).
		Model(&domain.AttachmentLink{}).
		Joins("JOIN messages ON messages.id = attachment_links.message_id").
		Where("attachment_links.attachment_id = ? AND messages.case_id = ?", attachmentID, caseID).
		Count(&n).Error
	return n > 0, err
}

// LinkAttachment records that messageID carries attachmentID. Linking twice
// is a no-op.
func LinkAttachment(ctx context.Context, db *gorm.DB, messageID, attachmentID string) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.AttachmentLink{MessageID: messageID, AttachmentID: attachmentID, CreatedAt: time.Now().UTC()}).Error
}

// RepointAttachmentLinks moves every link on from to to. Links that would
// point a message at an attachment it already stores are dropped.
func RepointAttachmentLinks(ctx context.Context, db *gorm.DB, from, to string) error {
	var links []domain.AttachmentLink
	if err := db.WithContext(ctx).Where("attachment_id = ?", from).Find(&links).Error; err != nil {
		return err
	}
	target, err := GetAttachment(ctx, db, to)
	if err != nil {
		return err
	}
	for _, l := range links {
		if l.MessageID == target.MessageID {
			continue
		}
		if err := LinkAttachment(ctx, db, l.MessageID, to); err != nil {
			return err
		}
	}
	return db.WithContext(ctx).Where("attachment_id = ?", from).Delete(&domain.AttachmentLink{}).Error
}

// ListAllAttachments returns every attachment, oldest first. Used by rehash.
func ListAllAttachments(ctx context.Context, db *gorm.DB) ([]domain.Attachment, error) {
	var out []domain.Attachment
	err := db.WithContext(ctx).
		Order("created_at asc").
		Order("id asc").
		Find(&out).Error
	return out, err
}

// FindAttachmentBySHA returns the attachment holding the given content hash,
// or ErrNotFound.
func FindAttachmentBySHA(ctx context.Context, db *gorm.DB, sha string) (*domain.Attachment, error) {
	var a domain.Attachment
	if err := db.WithContext(ctx).Where("content_sha256 = ?", sha).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAttachmentText stores the extracted text of an attachment.
func SetAttachmentText(ctx context.Context, db *gorm.DB, id, text string) error {
	return db.WithContext(ctx).
		Model(&domain.Attachment{}).
		Where("id = ?", id).
		Updates(map[string]any{"text_extract": text, "updated_at": time.Now().UTC()}).Error
}

// SetAttachmentParse caches the latest per-attachment parse result.
func SetAttachmentParse(ctx context.Context, db *gorm.DB, id string, fields, confidence []byte) error {
	return db.WithContext(ctx).
		Model(&domain.Attachment{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"parsed_fields_json":    datatypes.JSON(fields),
			"parse_confidence_json": datatypes.JSON(confidence),
			"updated_at":            time.Now().UTC(),
		}).Error
}

// SetAttachmentSHA records the content hash of an attachment.
func SetAttachmentSHA(ctx context.Context, db *gorm.DB, id, sha string, size int64) error {
	return db.WithContext(ctx).
		Model(&domain.Attachment{}).
		Where("id = ?", id).
		Updates(map[string]any{"content_sha256": sha, "size_bytes": size, "updated_at": time.Now().UTC()}).Error
}

// DeleteAttachments hard-deletes the given attachment rows.
func DeleteAttachments(ctx context.Context, db *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Attachment{}).Error
}
