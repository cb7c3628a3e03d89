// Package services – EvidenceService
//
// EvidenceService owns the evidence store of a case: it pulls supplier
// threads from the mailbox into messages and PDF attachments, accepts PDFs
// uploaded by hand, and extracts attachment text one item at a time so a bad
// PDF never blocks the others.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/mailbox"
	"github.com/tbourn/supplier-confirmations/internal/observability"
	"github.com/tbourn/supplier-confirmations/internal/pdftext"
	"github.com/tbourn/supplier-confirmations/internal/repo"
)

// EvidenceService ingests and prepares case evidence.
type EvidenceService struct {
	DB      *gorm.DB
	Mailbox mailbox.Mailbox
	Now     Clock
}

// RetrieveResult summarizes one mailbox retrieval. Inserted and Reused count
// messages; Skipped counts attachments that were not PDFs or could not be
// decoded. AttachmentsLinked counts PDFs whose content was already stored,
// possibly by another case, and were linked to the new message instead.
type RetrieveResult struct {
	ThreadID            string   `json:"thread_id,omitempty"`
	Inserted            int      `json:"inserted"`
	Reused              int      `json:"reused"`
	Skipped             int      `json:"skipped"`
	AttachmentsInserted int      `json:"attachments_inserted"`
	AttachmentsLinked   int      `json:"attachments_linked"`
	AttachmentIDs       []string `json:"attachment_ids,omitempty"`
}

// ExtractResult is the per-attachment outcome of text extraction.
type ExtractResult struct {
	AttachmentID    string `json:"attachment_id"`
	OK              bool   `json:"ok"`
	ExtractedLength int    `json:"extracted_length"`
	ScannedLike     bool   `json:"scanned_like"`
	Cached          bool   `json:"cached,omitempty"`
	Error           string `json:"error,omitempty"`
}

// UploadResult reports an uploaded attachment. Duplicate is true when the
// same content was already stored; Attachment is then the existing row,
// linked to this case when it belonged to another one.
type UploadResult struct {
	Attachment *domain.Attachment `json:"attachment"`
	Duplicate  bool               `json:"duplicate"`
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Retrieve copies a supplier thread into the case's evidence. threadID may be
// empty: the case's known thread is used, else the mailbox is searched and the
// most recently active matching thread is taken. Messages already stored
// (same provider id) are reused rather than duplicated.
func (s *EvidenceService) Retrieve(ctx context.Context, caseID, threadID string) (*RetrieveResult, error) {
	tr := otel.Tracer("services/EvidenceService")
	ctx, span := tr.Start(ctx, "Retrieve", trace.WithAttributes(attribute.String("case.id", caseID)))
	defer span.End()

	log := zerolog.Ctx(ctx)
	c, meta, err := loadCase(ctx, s.DB, caseID)
	if err != nil {
		return nil, err
	}
	if threadID == "" {
		threadID = meta.ThreadID
	}

	var thread *mailbox.Thread
	if threadID != "" {
		thread, err = s.Mailbox.GetThread(ctx, threadID)
	} else {
		var threads []mailbox.Thread
		threads, err = s.Mailbox.SearchThreads(ctx, mailbox.Query{
			SupplierEmail: c.SupplierEmail,
			PONumber:      c.PONumber,
			LineID:        c.LineID,
			Since:         c.CreatedAt.AddDate(0, -6, 0),
		})
		thread = latestThread(threads)
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: %w", err)
	}
	res := &RetrieveResult{}
	if thread == nil {
		return res, nil
	}
	res.ThreadID = thread.ID

	sender := strings.ToLower(s.Mailbox.Sender())
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range thread.Messages {
			if m.ID != "" {
				if _, err := repo.FindMessageByProviderID(ctx, tx, caseID, m.ID); err == nil {
					res.Reused++
					continue
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
			}
			dir := domain.DirectionInbound
			if sender != "" && strings.EqualFold(m.From, sender) {
				dir = domain.DirectionOutbound
			}
			msg := &domain.Message{
				CaseID:    caseID,
				Direction: dir,
				ThreadID:  thread.ID,
				FromEmail: m.From,
				ToEmail:   m.To,
				Subject:   m.Subject,
				BodyText:  m.Body,
			}
			if m.ID != "" {
				msg.ProviderMessageID = ptr(m.ID)
			}
			if !m.Date.IsZero() {
				msg.ReceivedAt = ptr(m.Date.UTC())
			}
			if err := repo.CreateMessage(ctx, tx, msg); err != nil {
				return err
			}
			res.Inserted++

			for _, a := range m.Attachments {
				stored, created, err := s.storeAttachment(ctx, tx, msg.ID, a.Filename, a.DataBase64)
				if err != nil {
					return err
				}
				if stored == nil {
					res.Skipped++
					continue
				}
				if created {
					res.AttachmentsInserted++
				} else {
					res.AttachmentsLinked++
				}
				res.AttachmentIDs = append(res.AttachmentIDs, stored.ID)
			}
		}

		meta.ThreadID = thread.ID
		if err := repo.UpdateCase(ctx, tx, caseID, map[string]any{"meta": metaValue(meta)}); err != nil {
			return err
		}
		_, err := repo.AppendEvent(ctx, tx, caseID, domain.EventEvidenceRetrieved,
			fmt.Sprintf("Retrieved thread %s: %d new, %d reused message(s)", thread.ID, res.Inserted, res.Reused),
			attachmentRefs(res.AttachmentIDs),
			res)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("case_id", caseID).
		Str("thread_id", thread.ID).
		Int("inserted", res.Inserted).
		Int("reused", res.Reused).
		Int("skipped", res.Skipped).
		Msg("evidence retrieved")
	return res, nil
}

// storeAttachment decodes and stores one PDF under messageID. It returns nil
// without error when the content is not a PDF or cannot be decoded. When the
// content is already stored, the existing row is linked to messageID and
// returned with created false.
func (s *EvidenceService) storeAttachment(ctx context.Context, tx *gorm.DB, messageID, filename, data string) (*domain.Attachment, bool, error) {
	raw, err := pdftext.Decode(data)
	if err != nil || !pdftext.IsPDF(raw) {
		return nil, false, nil
	}
	sha := contentHash(raw)
	if existing, err := repo.FindAttachmentBySHA(ctx, tx, sha); err == nil {
		if existing.MessageID != messageID {
			if err := repo.LinkAttachment(ctx, tx, messageID, existing.ID); err != nil {
				return nil, false, err
			}
		}
		return existing, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}
	a := &domain.Attachment{
		MessageID:        messageID,
		Filename:         filename,
		MimeType:         "application/pdf",
		BinaryDataBase64: base64.StdEncoding.EncodeToString(raw),
		ContentSHA256:    ptr(sha),
		SizeBytes:        int64(len(raw)),
	}
	if err := repo.CreateAttachment(ctx, tx, a); err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// latestThread picks the thread with the most recent message.
func latestThread(threads []mailbox.Thread) *mailbox.Thread {
	if len(threads) == 0 {
		return nil
	}
	last := func(t mailbox.Thread) int64 {
		var newest int64
		for _, m := range t.Messages {
			if u := m.Date.UnixNano(); u > newest {
				newest = u
			}
		}
		return newest
	}
	sorted := append([]mailbox.Thread(nil), threads...)
	sort.SliceStable(sorted, func(i, j int) bool { return last(sorted[i]) > last(sorted[j]) })
	return &sorted[0]
}

// Upload stores a PDF received outside the mailbox under a synthetic inbound
// message. Content already on file is not stored twice.
func (s *EvidenceService) Upload(ctx context.Context, caseID, filename, dataBase64 string) (*UploadResult, error) {
	tr := otel.Tracer("services/EvidenceService")
	ctx, span := tr.Start(ctx, "Upload",
		trace.WithAttributes(
			attribute.String("case.id", caseID),
			attribute.String("filename", filename),
		),
	)
	defer span.End()

	if _, _, err := loadCase(ctx, s.DB, caseID); err != nil {
		return nil, err
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = "upload.pdf"
	}
	raw, err := pdftext.Decode(dataBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !pdftext.IsPDF(raw) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, pdftext.ErrNotPDF)
	}
	if existing, err := repo.FindAttachmentBySHA(ctx, s.DB, contentHash(raw)); err == nil {
		visible, err := repo.CaseHasAttachment(ctx, s.DB, caseID, existing.ID)
		if err != nil {
			return nil, err
		}
		if visible {
			return &UploadResult{Attachment: existing, Duplicate: true}, nil
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	var (
		stored  *domain.Attachment
		created bool
	)
	now := s.Now.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg := &domain.Message{
			CaseID:     caseID,
			Direction:  domain.DirectionInbound,
			Subject:    "Uploaded attachment: " + filename,
			ReceivedAt: &now,
		}
		if err := repo.CreateMessage(ctx, tx, msg); err != nil {
			return err
		}
		a, ok, err := s.storeAttachment(ctx, tx, msg.ID, filename, dataBase64)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, pdftext.ErrNotPDF)
		}
		stored, created = a, ok
		summary := "Uploaded " + filename
		if !created {
			summary = "Uploaded " + filename + " (content already stored, linked)"
		}
		_, err = repo.AppendEvent(ctx, tx, caseID, domain.EventAttachmentUploaded,
			summary, attachmentRefs([]string{a.ID}),
			map[string]any{"filename": filename, "size_bytes": a.SizeBytes, "content_sha256": a.ContentSHA256, "linked": !created})
		return err
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return &UploadResult{Attachment: stored, Duplicate: true}, nil
	}
	return &UploadResult{Attachment: stored}, nil
}

// ListAttachments returns the case's attachments, most recently received first.
func (s *EvidenceService) ListAttachments(ctx context.Context, caseID string) ([]repo.CaseAttachment, error) {
	tr := otel.Tracer("services/EvidenceService")
	ctx, span := tr.Start(ctx, "ListAttachments", trace.WithAttributes(attribute.String("case.id", caseID)))
	defer span.End()

	if _, _, err := loadCase(ctx, s.DB, caseID); err != nil {
		return nil, err
	}
	out, err := repo.ListCaseAttachments(ctx, s.DB, caseID)
	if out == nil && err == nil {
		out = []repo.CaseAttachment{}
	}
	return out, err
}

// PendingAttachmentIDs returns the ids of the case's attachments that have no
// extracted text yet.
func (s *EvidenceService) PendingAttachmentIDs(ctx context.Context, caseID string) ([]string, error) {
	atts, err := repo.ListCaseAttachments(ctx, s.DB, caseID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, a := range atts {
		if a.TextExtract == nil || strings.TrimSpace(*a.TextExtract) == "" {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// ExtractText extracts the text layer of each attachment in turn. Every item
// succeeds or fails on its own; already extracted text is returned from the
// store without decoding the PDF again.
func (s *EvidenceService) ExtractText(ctx context.Context, ids []string) []ExtractResult {
	tr := otel.Tracer("services/EvidenceService")
	ctx, span := tr.Start(ctx, "ExtractText", trace.WithAttributes(attribute.Int("attachments", len(ids))))
	defer span.End()

	out := make([]ExtractResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			out = append(out, ExtractResult{AttachmentID: id, Error: err.Error()})
			continue
		}
		r := s.extractOne(ctx, id)
		switch {
		case r.Error != "":
			observability.PDFExtractions.WithLabelValues("error").Inc()
		case r.Cached:
			observability.PDFExtractions.WithLabelValues("cached").Inc()
		case r.ScannedLike:
			observability.PDFExtractions.WithLabelValues("scanned").Inc()
		default:
			observability.PDFExtractions.WithLabelValues("ok").Inc()
		}
		out = append(out, r)
	}
	return out
}

func (s *EvidenceService) extractOne(ctx context.Context, id string) (res ExtractResult) {
	res.AttachmentID = id
	defer func() {
		if r := recover(); r != nil {
			res = ExtractResult{AttachmentID: id, Error: fmt.Sprintf("extract panic: %v", r)}
		}
	}()
	log := zerolog.Ctx(ctx)

	a, err := repo.GetAttachment(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		res.Error = ErrAttachmentNotFound.Error()
		return res
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if a.TextExtract != nil && strings.TrimSpace(*a.TextExtract) != "" {
		return ExtractResult{
			AttachmentID:    id,
			OK:              true,
			Cached:          true,
			ExtractedLength: len([]rune(strings.TrimSpace(*a.TextExtract))),
			ScannedLike:     pdftext.ScannedLike(*a.TextExtract),
		}
	}

	raw, err := pdftext.Decode(a.BinaryDataBase64)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	text, err := pdftext.Extract(raw)
	if err != nil {
		log.Warn().Err(err).Str("attachment_id", id).Msg("pdf text extraction failed")
		res.Error = err.Error()
		return res
	}
	if err := repo.SetAttachmentText(ctx, s.DB, id, text); err != nil {
		res.Error = err.Error()
		return res
	}
	return ExtractResult{
		AttachmentID:    id,
		OK:              true,
		ExtractedLength: len([]rune(strings.TrimSpace(text))),
		ScannedLike:     pdftext.ScannedLike(text),
	}
}
