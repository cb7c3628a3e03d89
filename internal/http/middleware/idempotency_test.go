package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestHelpers_GetIdempotencyKey_IsReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if k, ok := GetIdempotencyKey(c); k != "" || ok {
		t.Fatalf("expected empty key when not set")
	}
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false by default")
	}

	c.Set(ctxKeyIdemKey, 123)
	if _, ok := GetIdempotencyKey(c); ok {
		t.Fatalf("non-string key must read as absent")
	}
	c.Set(ctxKeyIdemReplay, "yes")
	if IsReplay(c) {
		t.Fatalf("non-bool replay flag must read as false")
	}
	c.Set(ctxKeyIdemReplay, true)
	if !IsReplay(c) {
		t.Fatalf("expected IsReplay=true")
	}
}

func TestIdempotencyValidator_NoHeader_NoLookup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	called := false
	lookup := func(context.Context, string, string, time.Time) (bool, error) {
		called = true
		return false, nil
	}
	r.Use(IdempotencyValidator(IdempotencyOptions{}, lookup))
	r.POST("/cases/:id/send", func(c *gin.Context) {
		if _, ok := GetIdempotencyKey(c); ok {
			t.Fatalf("key should not be present when header missing")
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cases/c1/send", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	if called {
		t.Fatalf("lookup must not run without a key")
	}
}

func TestIdempotencyValidator_RejectsBadKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{MaxLen: 8}, nil))
	r.POST("/cases/:id/send", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, key := range []string{"has space", "way-too-long-key", "bad/slash"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/cases/c1/send", nil)
		req.Header.Set(HeaderIdempotencyKey, key)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("key %q: status=%d", key, w.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["code"] != "bad_idempotency_key" {
			t.Fatalf("key %q: code=%q", key, body["code"])
		}
	}
}

func TestIdempotencyValidator_CaseScopedReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var gotCase, gotKey string
	lookup := func(_ context.Context, caseID, key string, now time.Time) (bool, error) {
		gotCase, gotKey = caseID, key
		if now.Location() != time.UTC {
			t.Errorf("lookup time should be UTC")
		}
		return caseID == "c-replayed", nil
	}
	r.Use(IdempotencyValidator(IdempotencyOptions{}, lookup))
	r.POST("/cases/:id/send", func(c *gin.Context) {
		k, _ := GetIdempotencyKey(c)
		c.JSON(http.StatusOK, gin.H{"key": k, "replay": IsReplay(c), "bypass": IsRateBypass(c)})
	})

	do := func(caseID string) map[string]any {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/cases/"+caseID+"/send", nil)
		req.Header.Set(HeaderIdempotencyKey, "  send-1  ")
		r.ServeHTTP(w, req)
		var out map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	out := do("c-replayed")
	if gotCase != "c-replayed" || gotKey != "send-1" {
		t.Fatalf("lookup args case=%q key=%q", gotCase, gotKey)
	}
	if out["replay"] != true || out["bypass"] != true || out["key"] != "send-1" {
		t.Fatalf("unexpected replay context: %v", out)
	}

	out = do("c-fresh")
	if out["replay"] != false || out["bypass"] != false {
		t.Fatalf("fresh case must not be a replay: %v", out)
	}
}

func TestIdempotencyValidator_LookupErrorIsNotReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{}, func(context.Context, string, string, time.Time) (bool, error) {
		return true, context.DeadlineExceeded
	}))
	r.POST("/cases/:id/send", func(c *gin.Context) {
		if !IsReplay(c) {
			c.String(http.StatusOK, "fresh")
			return
		}
		c.String(http.StatusOK, "replay")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cases/c1/send", nil)
	req.Header.Set(HeaderIdempotencyKey, "k1")
	r.ServeHTTP(w, req)
	if w.Body.String() != "fresh" {
		t.Fatalf("body=%q", w.Body.String())
	}
}
