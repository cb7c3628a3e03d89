package services

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/repo"
)

func TestResolve_ScenarioA_NewCase(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	c, created, err := env.cases.Resolve(ctx, ResolveInput{PONumber: " 907255 ", LineID: "1", SupplierEmail: "Orders@Acme.Example"})
	if err != nil || !created {
		t.Fatalf("resolve: created=%v err=%v", created, err)
	}
	if c.State != domain.StateInboxLookup || c.Status != domain.StatusStillAmbiguous {
		t.Fatalf("state/status = %s/%s", c.State, c.Status)
	}
	want := []domain.FieldKey{domain.FieldSupplierReference, domain.FieldDeliveryDate, domain.FieldQuantity}
	if len(c.MissingFields) != 3 {
		t.Fatalf("missing = %v", c.MissingFields)
	}
	for i, k := range want {
		if c.MissingFields[i] != k {
			t.Fatalf("missing[%d] = %s, want %s", i, c.MissingFields[i], k)
		}
	}
	if c.PONumber != "907255" || c.SupplierEmail != "orders@acme.example" || c.SupplierDomain != "acme.example" {
		t.Fatalf("normalized fields = %q %q %q", c.PONumber, c.SupplierEmail, c.SupplierDomain)
	}

	rec, err := repo.GetConfirmationRecord(ctx, env.db, "907255", "1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.SupplierOrderNumber != nil || rec.ConfirmedShipDate != nil || rec.ConfirmedQuantity != nil {
		t.Fatalf("record should be empty: %+v", rec)
	}
	if n := env.countEvents(t, c.ID, domain.EventCaseCreated); n != 1 {
		t.Fatalf("CASE_CREATED events = %d", n)
	}

	again, created, err := env.cases.Resolve(ctx, ResolveInput{PONumber: "907255", LineID: "1"})
	if err != nil || created || again.ID != c.ID {
		t.Fatalf("second resolve: id=%s created=%v err=%v", again.ID, created, err)
	}
	if n := env.countEvents(t, c.ID, domain.EventCaseCreated); n != 1 {
		t.Fatalf("second resolve must not log again, got %d", n)
	}
}

func TestResolve_RequiresPOAndLine(t *testing.T) {
	env := newEnv(t)
	for _, in := range []ResolveInput{{PONumber: "907255"}, {LineID: "1"}, {PONumber: "  ", LineID: "1"}} {
		if _, _, err := env.cases.Resolve(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%+v: expected ErrInvalidInput, got %v", in, err)
		}
	}
}

func TestBulkStatus(t *testing.T) {
	env := newEnv(t)
	a := env.newCase(t, ResolveInput{PONumber: "100", LineID: "1"})
	env.newCase(t, ResolveInput{PONumber: "100", LineID: "2"})

	got, err := env.cases.BulkStatus(context.Background(), []repo.POLineKey{
		{PONumber: "100", LineID: "1"},
		{PONumber: "999", LineID: "1"},
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only known lines, got %v", got)
	}
	st, ok := got[BulkKey("100", "1")]
	if !ok || st.CaseID != a.ID || st.State != domain.StateInboxLookup {
		t.Fatalf("status = %+v", st)
	}

	keys := make([]repo.POLineKey, MaxBulkKeys+1)
	if _, err := env.cases.BulkStatus(context.Background(), keys); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("oversized bulk: %v", err)
	}
}

func TestGetAndList_UnknownCase(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	if _, err := env.cases.Get(ctx, "nope"); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("Get: %v", err)
	}
	if _, _, _, err := env.cases.ListEvents(ctx, "nope", 1, 10); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("ListEvents: %v", err)
	}
	if _, err := env.cases.ListMessages(ctx, "nope"); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("ListMessages: %v", err)
	}
}

func TestListEvents_Pages(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	c := env.newCase(t, ResolveInput{})
	for i := 0; i < 4; i++ {
		if _, err := repo.AppendEvent(ctx, env.db, c.ID, domain.EventInboxSearched, "searched", nil, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	items, total, last, err := env.cases.ListEvents(ctx, c.ID, 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(items) != 2 || last == nil {
		t.Fatalf("total=%d items=%d last=%v", total, len(items), last)
	}
}

func TestForceRetry(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	c := env.newCase(t, ResolveInput{})

	if _, err := env.cases.Escalate(ctx, c.ID, domain.StatusUnresponsive, "no reply"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	got, err := env.cases.ForceRetry(ctx, c.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.State != domain.StateInboxLookup || got.Status != domain.StatusStillAmbiguous || got.NextCheckAt != nil {
		t.Fatalf("after retry: %s/%s next=%v", got.State, got.Status, got.NextCheckAt)
	}
	if n := env.countEvents(t, c.ID, domain.EventForceRetry); n != 1 {
		t.Fatalf("FORCE_RETRY events = %d", n)
	}

	if err := repo.UpdateCase(ctx, env.db, c.ID, map[string]any{"touch_count": 2, "state": domain.StateError}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = env.cases.ForceRetry(ctx, c.ID)
	if err != nil || got.State != domain.StateWaiting {
		t.Fatalf("contacted case should wait: %v %v", got, err)
	}

	if err := repo.UpdateCase(ctx, env.db, c.ID, map[string]any{"state": domain.StateResolved}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := env.cases.ForceRetry(ctx, c.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resolved retry: %v", err)
	}
}

func TestMarkError_RecordsCause(t *testing.T) {
	env := newEnv(t)
	c := env.newCase(t, ResolveInput{})

	got, err := env.cases.MarkError(context.Background(), c.ID, "mailbox exploded")
	if err != nil {
		t.Fatalf("mark error: %v", err)
	}
	if got.State != domain.StateError {
		t.Fatalf("state = %s", got.State)
	}
	_, meta := env.reload(t, c.ID)
	if meta.LastError != "mailbox exploded" {
		t.Fatalf("last error = %q", meta.LastError)
	}
	if n := env.countEvents(t, c.ID, domain.EventCaseError); n != 1 {
		t.Fatalf("CASE_ERROR events = %d", n)
	}

	retried, err := env.cases.ForceRetry(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, meta := env.reload(t, retried.ID); meta.LastError != "" {
		t.Fatalf("retry should clear last error, got %q", meta.LastError)
	}
}

func TestEscalate_Validation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	c := env.newCase(t, ResolveInput{})

	if _, err := env.cases.Escalate(ctx, c.ID, domain.StatusConfirmed, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad status: %v", err)
	}
	got, err := env.cases.Escalate(ctx, c.ID, domain.StatusNeedsBuyer, "")
	if err != nil || got.State != domain.StateEscalated || got.Status != domain.StatusNeedsBuyer {
		t.Fatalf("escalate: %+v %v", got, err)
	}
	if err := repo.UpdateCase(ctx, env.db, c.ID, map[string]any{"state": domain.StateResolved}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := env.cases.Escalate(ctx, c.ID, domain.StatusNeedsBuyer, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resolved escalate: %v", err)
	}
}

func TestAdminReset(t *testing.T) {
	env := newEnv(t)
	env.newCase(t, ResolveInput{PONumber: "1", LineID: "1"})
	env.newCase(t, ResolveInput{PONumber: "1", LineID: "2"})

	n, err := env.cases.AdminReset(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	if got, _ := env.cases.BulkStatus(context.Background(), []repo.POLineKey{{PONumber: "1", LineID: "1"}}); len(got) != 0 {
		t.Fatalf("cases survived reset: %v", got)
	}
}
