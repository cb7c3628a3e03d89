package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/supplier-confirmations/internal/dedup"
	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/mailbox"
	"github.com/tbourn/supplier-confirmations/internal/repo"
)

const (
	buyerAddr    = "buyer@corp.example"
	supplierAddr = "orders@acme.example"
)

// scenarioBText is what a typical acknowledgement PDF extracts to.
const scenarioBText = "PO Acknowledgement for PO 907255\nOrder #A-1001\nShip Date: 2024-05-01\nQty: 120\n" +
	"Thank you for your business. Terms and conditions apply to all shipments."

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// testClock is a settable clock shared by every service of an env.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeMailbox serves canned threads and records sends.
type fakeMailbox struct {
	mu        sync.Mutex
	threads   []mailbox.Thread
	searchErr error
	sendErr   error
	sent      []mailbox.Outgoing
	searches  int
}

func (f *fakeMailbox) SearchThreads(_ context.Context, _ mailbox.Query) ([]mailbox.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return append([]mailbox.Thread(nil), f.threads...), nil
}

func (f *fakeMailbox) GetThread(_ context.Context, id string) (*mailbox.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.threads {
		if f.threads[i].ID == id {
			t := f.threads[i]
			return &t, nil
		}
	}
	return nil, errors.New("thread not found")
}

func (f *fakeMailbox) Send(_ context.Context, msg mailbox.Outgoing) (*mailbox.Sent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, msg)
	n := len(f.sent)
	thread := msg.ThreadID
	if thread == "" {
		thread = fmt.Sprintf("th-new-%d", n)
	}
	return &mailbox.Sent{ID: fmt.Sprintf("gm-sent-%d", n), ThreadID: thread}, nil
}

func (f *fakeMailbox) Sender() string { return buyerAddr }

func (f *fakeMailbox) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// heldGuard behaves as if another send holds every case.
type heldGuard struct{}

func (heldGuard) Acquire(context.Context, string) (func(), error) { return nil, dedup.ErrHeld }

type testEnv struct {
	db       *gorm.DB
	clock    *testClock
	mbox     *fakeMailbox
	cases    *CaseService
	evidence *EvidenceService
	parse    *ParseService
	apply    *ApplyService
	outreach *OutreachService
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	clk := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	mb := &fakeMailbox{}
	now := Clock(clk.Now)
	return &testEnv{
		db:       db,
		clock:    clk,
		mbox:     mb,
		cases:    &CaseService{DB: db, Now: now},
		evidence: &EvidenceService{DB: db, Mailbox: mb, Now: now},
		parse:    &ParseService{DB: db, Now: now},
		apply:    &ApplyService{DB: db, Now: now},
		outreach: &OutreachService{
			DB:             db,
			Mailbox:        mb,
			Guard:          dedup.Noop{},
			Now:            now,
			RecheckAfter:   5 * time.Minute,
			IdempotencyTTL: time.Hour,
		},
	}
}

func (e *testEnv) newCase(t *testing.T, in ResolveInput) *domain.Case {
	t.Helper()
	if in.PONumber == "" {
		in.PONumber = "907255"
	}
	if in.LineID == "" {
		in.LineID = "1"
	}
	c, created, err := e.cases.Resolve(context.Background(), in)
	if err != nil || !created {
		t.Fatalf("resolve: created=%v err=%v", created, err)
	}
	return c
}

func (e *testEnv) reload(t *testing.T, id string) (*domain.Case, domain.CaseMeta) {
	t.Helper()
	c, meta, err := loadCase(context.Background(), e.db, id)
	if err != nil {
		t.Fatalf("load case %s: %v", id, err)
	}
	return c, meta
}

// seedPDF stores an inbound message with one attachment whose text layer has
// already been extracted.
func (e *testEnv) seedPDF(t *testing.T, caseID, text string) *domain.Attachment {
	t.Helper()
	ctx := context.Background()
	now := e.clock.Now()
	msg := &domain.Message{CaseID: caseID, Direction: domain.DirectionInbound, FromEmail: supplierAddr, ReceivedAt: &now}
	if err := repo.CreateMessage(ctx, e.db, msg); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	raw := "%PDF-1.4 " + uuid.NewString()
	a := &domain.Attachment{
		MessageID:        msg.ID,
		Filename:         "ack.pdf",
		MimeType:         "application/pdf",
		BinaryDataBase64: base64.StdEncoding.EncodeToString([]byte(raw)),
		SizeBytes:        int64(len(raw)),
		TextExtract:      &text,
	}
	if err := repo.CreateAttachment(ctx, e.db, a); err != nil {
		t.Fatalf("seed attachment: %v", err)
	}
	return a
}

func (e *testEnv) countEvents(t *testing.T, caseID string, typ domain.EventType) int64 {
	t.Helper()
	n, err := repo.CountEvents(context.Background(), e.db, caseID, typ)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}
