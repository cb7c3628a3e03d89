package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/pdftext"
	"github.com/tbourn/supplier-confirmations/internal/repo"
)

// DedupGroup is one set of attachments with identical content.
type DedupGroup struct {
	SHA256     string   `json:"content_sha256"`
	KeeperID   string   `json:"keeper_id"`
	RemovedIDs []string `json:"removed_ids"`
}

// RehashResult summarizes a rehash pass.
type RehashResult struct {
	Scanned     int          `json:"scanned"`
	Hashed      int          `json:"hashed"`
	Removed     int          `json:"removed"`
	Undecodable int          `json:"undecodable"`
	Groups      []DedupGroup `json:"groups"`
}

// RehashAttachments recomputes the content hash of every attachment from
// its decoded binary and collapses attachments with identical content onto
// the oldest row (the keeper). Every reference to a removed row (case meta,
// confirmation records, extraction caches, event refs, links) is rewritten to
// the keeper, and the message that carried a removed row is linked to the
// keeper so its case keeps the evidence. The whole pass is one transaction: it applies completely or not
// at all.
func (s *EvidenceService) RehashAttachments(ctx context.Context) (*RehashResult, error) {
	tr := otel.Tracer("services/EvidenceService")
	ctx, span := tr.Start(ctx, "RehashAttachments", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	res := &RehashResult{Groups: []DedupGroup{}}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		all, err := repo.ListAllAttachments(ctx, tx)
		if err != nil {
			return err
		}
		res.Scanned = len(all)

		type group struct {
			sha     string
			size    int64
			members []domain.Attachment
		}
		var order []string
		groups := map[string]*group{}
		for _, a := range all {
			raw, err := pdftext.Decode(a.BinaryDataBase64)
			if err != nil {
				res.Undecodable++
				continue
			}
			sha := contentHash(raw)
			g, ok := groups[sha]
			if !ok {
				g = &group{sha: sha, size: int64(len(raw))}
				groups[sha] = g
				order = append(order, sha)
			}
			g.members = append(g.members, a)
		}

		for _, sha := range order {
			g := groups[sha]
			keeper := g.members[0]
			dups := g.members[1:]
			var removed []string
			text := keeper.TextExtract
			for _, d := range dups {
				if d.MessageID != keeper.MessageID {
					if err := repo.LinkAttachment(ctx, tx, d.MessageID, keeper.ID); err != nil {
						return err
					}
				}
				if err := rewriteAttachmentRefs(ctx, tx, d.ID, keeper.ID); err != nil {
					return fmt.Errorf("rewrite refs %s -> %s: %w", d.ID, keeper.ID, err)
				}
				if text == nil && d.TextExtract != nil {
					text = d.TextExtract
				}
				removed = append(removed, d.ID)
			}
			if err := repo.DeleteAttachments(ctx, tx, removed); err != nil {
				return err
			}
			if keeper.ContentSHA256 == nil || *keeper.ContentSHA256 != sha || keeper.SizeBytes != g.size {
				if err := repo.SetAttachmentSHA(ctx, tx, keeper.ID, sha, g.size); err != nil {
					return err
				}
				res.Hashed++
			}
			if keeper.TextExtract == nil && text != nil {
				if err := repo.SetAttachmentText(ctx, tx, keeper.ID, *text); err != nil {
					return err
				}
			}
			if len(removed) == 0 {
				continue
			}
			res.Removed += len(removed)
			res.Groups = append(res.Groups, DedupGroup{SHA256: sha, KeeperID: keeper.ID, RemovedIDs: removed})

			caseIDs, err := owningCases(ctx, tx, keeper, dups)
			if err != nil {
				return err
			}
			refs := attachmentRefs([]string{keeper.ID})
			for _, caseID := range caseIDs {
				if _, err := repo.AppendEvent(ctx, tx, caseID, domain.EventAttachmentsDeduped,
					fmt.Sprintf("Collapsed %d duplicate attachment(s) onto %s", len(removed), keeper.ID), refs,
					map[string]any{"keeper_id": keeper.ID, "removed_ids": removed, "content_sha256": sha}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Int("scanned", res.Scanned).
		Int("removed", res.Removed).
		Int("hashed", res.Hashed).
		Msg("attachments rehashed")
	span.SetAttributes(attribute.Int("removed", res.Removed))
	return res, nil
}

// owningCases returns the distinct cases whose messages carried the keeper
// or one of its duplicates, keeper's case first.
func owningCases(ctx context.Context, tx *gorm.DB, keeper domain.Attachment, dups []domain.Attachment) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, a := range append([]domain.Attachment{keeper}, dups...) {
		msg, err := repo.GetMessage(ctx, tx, a.MessageID)
		if err != nil {
			return nil, err
		}
		if !seen[msg.CaseID] {
			seen[msg.CaseID] = true
			out = append(out, msg.CaseID)
		}
	}
	return out, nil
}

// rewriteAttachmentRefs points every reference to from at to.
func rewriteAttachmentRefs(ctx context.Context, tx *gorm.DB, from, to string) error {
	if err := repo.RepointAttachmentLinks(ctx, tx, from, to); err != nil {
		return err
	}
	cases, err := repo.ListCasesReferencingAttachment(ctx, tx, from)
	if err != nil {
		return err
	}
	for _, c := range cases {
		meta := c.Meta.Data()
		if err := meta.Migrate(); err != nil {
			return err
		}
		changed := false
		if meta.ParsedBestFields != nil && meta.ParsedBestFields.ReplaceAttachment(from, to) {
			changed = true
		}
		if applied := meta.ConfirmationFieldsApplied; applied != nil {
			ids, ok := replaceID(applied.AttachmentIDs, from, to)
			if ok {
				applied.AttachmentIDs = ids
				changed = true
			}
		}
		if changed {
			if err := repo.UpdateCase(ctx, tx, c.ID, map[string]any{"meta": metaValue(meta)}); err != nil {
				return err
			}
		}
	}

	if err := repo.ReplaceRecordAttachment(ctx, tx, from, to); err != nil {
		return err
	}

	xs, err := repo.ListExtractionsReferencing(ctx, tx, from)
	if err != nil {
		return err
	}
	for i := range xs {
		x := &xs[i]
		if x.EvidenceAttachmentID != nil && *x.EvidenceAttachmentID == from {
			x.EvidenceAttachmentID = ptr(to)
		}
		snap := x.Snapshot.Data()
		snap.ReplaceAttachment(from, to)
		x.Snapshot = datatypesSnapshot(snap)
		if err := repo.SaveExtraction(ctx, tx, x); err != nil {
			return err
		}
	}

	events, err := repo.ListEventsReferencing(ctx, tx, from)
	if err != nil {
		return err
	}
	for _, e := range events {
		var refs []domain.EvidenceRef
		if err := json.Unmarshal(e.EvidenceRefs, &refs); err != nil {
			return fmt.Errorf("event %s refs: %w", e.ID, err)
		}
		out := make([]domain.EvidenceRef, 0, len(refs))
		seen := map[domain.EvidenceRef]bool{}
		for _, r := range refs {
			if r.Kind == domain.RefAttachment && r.ID == from {
				r.ID = to
			}
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
		if err := repo.SetEventRefs(ctx, tx, e.ID, out); err != nil {
			return err
		}
	}
	return nil
}

// replaceID swaps from for to in ids, dropping a resulting duplicate.
func replaceID(ids []string, from, to string) ([]string, bool) {
	changed := false
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		if id == from {
			id = to
			changed = true
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, changed
}
