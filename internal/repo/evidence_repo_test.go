package repo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

func TestEvents_AppendListStats(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	mustCase(t, db, "c1", "907255", "1")

	if n, ts, err := EventsStats(ctx, db, "c1"); err != nil || n != 0 || ts != nil {
		t.Fatalf("empty stats = %d, %v, %v", n, ts, err)
	}

	refs := []domain.EvidenceRef{{Kind: domain.RefAttachment, ID: "att-1"}}
	for i := 0; i < 3; i++ {
		if _, err := AppendEvent(ctx, db, "c1", domain.EventParseResult, "parsed", refs, map[string]any{"i": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := AppendEvent(ctx, db, "c1", domain.EventEmailSent, "sent", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	if n, _ := CountEvents(ctx, db, "c1", domain.EventParseResult); n != 3 {
		t.Fatalf("CountEvents(PARSE_RESULT) = %d", n)
	}
	page, err := ListEventsPage(ctx, db, "c1", 2, 10)
	if err != nil || len(page) != 2 {
		t.Fatalf("page = %d, %v", len(page), err)
	}
	n, ts, err := EventsStats(ctx, db, "c1")
	if err != nil || n != 4 || ts == nil {
		t.Fatalf("stats = %d, %v, %v", n, ts, err)
	}

	hits, err := ListEventsReferencing(ctx, db, "att-1")
	if err != nil || len(hits) != 3 {
		t.Fatalf("ListEventsReferencing = %d, %v", len(hits), err)
	}
	if err := SetEventRefs(ctx, db, hits[0].ID, []domain.EvidenceRef{{Kind: domain.RefAttachment, ID: "att-2"}}); err != nil {
		t.Fatalf("SetEventRefs: %v", err)
	}
	if hits, _ = ListEventsReferencing(ctx, db, "att-1"); len(hits) != 2 {
		t.Fatalf("expected 2 remaining refs, got %d", len(hits))
	}
	var empty []domain.EvidenceRef
	sent, _ := ListEventsPage(ctx, db, "c1", 3, 1)
	if err := json.Unmarshal(sent[0].EvidenceRefs, &empty); err != nil || len(empty) != 0 {
		t.Fatalf("nil refs should store []: %s", sent[0].EvidenceRefs)
	}
}

func TestMessages_ProviderIDUniquePerCase(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	mustCase(t, db, "c1", "907255", "1")
	mustCase(t, db, "c2", "907255", "2")

	gid := "gm-1"
	if err := CreateMessage(ctx, db, &domain.Message{CaseID: "c1", Direction: domain.DirectionInbound, ProviderMessageID: &gid}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := CreateMessage(ctx, db, &domain.Message{CaseID: "c1", Direction: domain.DirectionInbound, ProviderMessageID: &gid}); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := CreateMessage(ctx, db, &domain.Message{CaseID: "c2", Direction: domain.DirectionInbound, ProviderMessageID: &gid}); err != nil {
		t.Fatalf("other case: %v", err)
	}
	got, err := FindMessageByProviderID(ctx, db, "c1", gid)
	if err != nil || got.CaseID != "c1" {
		t.Fatalf("FindMessageByProviderID = %+v, %v", got, err)
	}
	if _, err := FindMessageByProviderID(ctx, db, "c1", "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLatestInbound_SkipsEmptyAndOutbound(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	mustCase(t, db, "c1", "907255", "1")
	t0 := time.Now().UTC().Add(-time.Hour)
	t1 := t0.Add(10 * time.Minute)
	t2 := t0.Add(20 * time.Minute)

	_ = CreateMessage(ctx, db, &domain.Message{CaseID: "c1", Direction: domain.DirectionInbound, BodyText: "older", ReceivedAt: &t0})
	_ = CreateMessage(ctx, db, &domain.Message{CaseID: "c1", Direction: domain.DirectionInbound, BodyText: "newer", ReceivedAt: &t1})
	_ = CreateMessage(ctx, db, &domain.Message{CaseID: "c1", Direction: domain.DirectionInbound, BodyText: "   ", ReceivedAt: &t2})
	_ = CreateMessage(ctx, db, &domain.Message{CaseID: "c1", Direction: domain.DirectionOutbound, BodyText: "our request", ReceivedAt: &t2})

	m, err := LatestInbound(ctx, db, "c1")
	if err != nil || m.BodyText != "newer" {
		t.Fatalf("LatestInbound = %+v, %v", m, err)
	}
}

func TestListCaseAttachments_MostRecentFirst(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	mustCase(t, db, "c1", "907255", "1")
	early := time.Now().UTC().Add(-2 * time.Hour)
	late := early.Add(time.Hour)

	m1 := &domain.Message{CaseID: "c1", Direction: domain.DirectionInbound, ReceivedAt: &early}
	m2 := &domain.Message{CaseID: "c1", Direction: domain.DirectionInbound, ReceivedAt: &late}
	_ = CreateMessage(ctx, db, m1)
	_ = CreateMessage(ctx, db, m2)
	_ = CreateAttachment(ctx, db, &domain.Attachment{ID: "old", MessageID: m1.ID, BinaryDataBase64: "x"})
	_ = CreateAttachment(ctx, db, &domain.Attachment{ID: "new", MessageID: m2.ID, BinaryDataBase64: "y"})

	atts, err := ListCaseAttachments(ctx, db, "c1")
	if err != nil || len(atts) != 2 {
		t.Fatalf("ListCaseAttachments = %d, %v", len(atts), err)
	}
	if atts[0].ID != "new" || atts[1].ID != "old" {
		t.Fatalf("unexpected order: %s, %s", atts[0].ID, atts[1].ID)
	}
	if !atts[0].ReceivedAt.Equal(late) {
		t.Fatalf("ReceivedAt = %v; want %v", atts[0].ReceivedAt, late)
	}

	if err := SetAttachmentText(ctx, db, "old", "hello"); err != nil {
		t.Fatalf("SetAttachmentText: %v", err)
	}
	if err := SetAttachmentSHA(ctx, db, "old", "deadbeef", 5); err != nil {
		t.Fatalf("SetAttachmentSHA: %v", err)
	}
	a, err := FindAttachmentBySHA(ctx, db, "deadbeef")
	if err != nil || a.ID != "old" || a.TextExtract == nil || *a.TextExtract != "hello" || a.SizeBytes != 5 {
		t.Fatalf("FindAttachmentBySHA = %+v, %v", a, err)
	}
	if err := DeleteAttachments(ctx, db, []string{"old"}); err != nil {
		t.Fatalf("DeleteAttachments: %v", err)
	}
	if _, err := GetAttachment(ctx, db, "old"); !IsNotFound(err) {
		t.Fatalf("expected deleted attachment, got %v", err)
	}
}

func TestConfirmationRecord_EnsureAndUpsert(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	first, err := EnsureConfirmationRecord(ctx, db, "907255", "1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	again, err := EnsureConfirmationRecord(ctx, db, "907255", "1")
	if err != nil || again.ID != first.ID {
		t.Fatalf("ensure should be idempotent: %v vs %v (%v)", first.ID, again.ID, err)
	}
	if !again.Fields().Empty() {
		t.Fatalf("new record should be empty: %+v", again)
	}

	son, att := "A-1001", "att-1"
	rec := *again
	rec.SupplierOrderNumber = &son
	rec.SourceType = domain.SourceSalesOrderConfirmation
	rec.SourceAttachmentID = &att
	if err := UpsertConfirmationRecord(ctx, db, &rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := ReplaceRecordAttachment(ctx, db, "att-1", "att-keeper"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ := GetConfirmationRecord(ctx, db, "907255", "1")
	if got.SupplierOrderNumber == nil || *got.SupplierOrderNumber != "A-1001" ||
		got.SourceType != domain.SourceSalesOrderConfirmation ||
		got.SourceAttachmentID == nil || *got.SourceAttachmentID != "att-keeper" {
		t.Fatalf("unexpected record: %+v", got)
	}
	var cnt int64
	db.Model(&domain.ConfirmationRecord{}).Count(&cnt)
	if cnt != 1 {
		t.Fatalf("expected one record row, got %d", cnt)
	}
}

func TestExtraction_UpsertReplacesSnapshot(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	mustCase(t, db, "c1", "907255", "1")

	x := &domain.ConfirmationExtraction{CaseID: "c1", EvidenceSource: domain.EvidenceEmail,
		Snapshot: datatypes.NewJSONType(domain.ParsedFields{EvidenceSource: domain.EvidenceEmail})}
	if err := UpsertExtraction(ctx, db, x); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	att := "att-9"
	y := &domain.ConfirmationExtraction{CaseID: "c1", EvidenceSource: domain.EvidencePDF, EvidenceAttachmentID: &att,
		Confidence: 0.8, Snapshot: datatypes.NewJSONType(domain.ParsedFields{EvidenceSource: domain.EvidencePDF, EvidenceAttachmentID: att})}
	if err := UpsertExtraction(ctx, db, y); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := GetExtraction(ctx, db, "c1")
	if err != nil || got.EvidenceSource != domain.EvidencePDF || got.Snapshot.Data().EvidenceAttachmentID != "att-9" {
		t.Fatalf("GetExtraction = %+v, %v", got, err)
	}
	refs, err := ListExtractionsReferencing(ctx, db, "att-9")
	if err != nil || len(refs) != 1 {
		t.Fatalf("ListExtractionsReferencing = %d, %v", len(refs), err)
	}
}

func TestIdempotency_CreateGetExpire(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := GetIdempotency(ctx, db, "c1", "  ", now); err != ErrNotFound {
		t.Fatalf("blank key should be ErrNotFound, got %v", err)
	}
	rec := &domain.Idempotency{CaseID: "c1", Key: "k1", Action: "SEND_NEW", ProviderMessageID: "gm-1", Status: 200}
	if err := CreateIdempotency(ctx, db, rec, time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := GetIdempotency(ctx, db, "c1", "k1", now)
	if err != nil || got.ProviderMessageID != "gm-1" {
		t.Fatalf("get = %+v, %v", got, err)
	}
	dup := &domain.Idempotency{CaseID: "c1", Key: "k1", Action: "SEND_NEW", Status: 200}
	if err := CreateIdempotency(ctx, db, dup, time.Hour); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := GetIdempotency(ctx, db, "c1", "k1", now.Add(2*time.Hour)); err != ErrNotFound {
		t.Fatalf("expired record should be ErrNotFound, got %v", err)
	}
}

func TestCountCasesByState(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	mustCase(t, db, "a", "1", "1")
	mustCase(t, db, "b", "2", "1")
	mustCase(t, db, "c", "3", "1")
	_ = UpdateCase(ctx, db, "c", map[string]any{"state": domain.StateResolved})

	counts, err := CountCasesByState(ctx, db)
	if err != nil {
		t.Fatalf("CountCasesByState: %v", err)
	}
	byState := map[domain.State]int64{}
	for _, c := range counts {
		byState[c.State] = c.Count
	}
	if byState[domain.StateInboxLookup] != 2 || byState[domain.StateResolved] != 1 {
		t.Fatalf("unexpected counts: %v", byState)
	}
}

func TestAttachmentLinks_ShareAcrossCases(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	mustCase(t, db, "c1", "907255", "1")
	mustCase(t, db, "c2", "907255", "2")

	m1 := &domain.Message{CaseID: "c1", Direction: domain.DirectionInbound}
	m2 := &domain.Message{CaseID: "c2", Direction: domain.DirectionInbound}
	_ = CreateMessage(ctx, db, m1)
	_ = CreateMessage(ctx, db, m2)
	_ = CreateAttachment(ctx, db, &domain.Attachment{ID: "keep", MessageID: m1.ID, BinaryDataBase64: "x"})
	_ = CreateAttachment(ctx, db, &domain.Attachment{ID: "gone", MessageID: m1.ID, BinaryDataBase64: "x"})

	if ok, err := CaseHasAttachment(ctx, db, "c2", "gone"); err != nil || ok {
		t.Fatalf("c2 sees gone before link: %v %v", ok, err)
	}
	if err := LinkAttachment(ctx, db, m2.ID, "gone"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := LinkAttachment(ctx, db, m2.ID, "gone"); err != nil {
		t.Fatalf("relink: %v", err)
	}
	if ok, err := CaseHasAttachment(ctx, db, "c2", "gone"); err != nil || !ok {
		t.Fatalf("c2 does not see linked attachment: %v %v", ok, err)
	}

	if err := RepointAttachmentLinks(ctx, db, "gone", "keep"); err != nil {
		t.Fatalf("repoint: %v", err)
	}
	if err := DeleteAttachments(ctx, db, []string{"gone"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	atts, err := ListCaseAttachments(ctx, db, "c2")
	if err != nil || len(atts) != 1 || atts[0].ID != "keep" {
		t.Fatalf("c2 attachments = %+v, %v", atts, err)
	}
	var n int64
	db.Model(&domain.AttachmentLink{}).Count(&n)
	if n != 1 {
		t.Fatalf("links = %d", n)
	}
}
