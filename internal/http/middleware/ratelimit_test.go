package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestKeyFuncs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var clientKey, caseKey string
	r.POST("/cases/:id/send", func(c *gin.Context) {
		clientKey = KeyByClientOrIP()(c)
		caseKey = KeyByCase("")(c)
	})

	req := httptest.NewRequest(http.MethodPost, "/cases/c9/send", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	r.ServeHTTP(httptest.NewRecorder(), req)
	if clientKey != "ip:203.0.113.7" || caseKey != "case:c9" {
		t.Fatalf("keys client=%q case=%q", clientKey, caseKey)
	}

	req = httptest.NewRequest(http.MethodPost, "/cases/c9/send", nil)
	req.Header.Set(HeaderClientID, "erp")
	r.ServeHTTP(httptest.NewRecorder(), req)
	if clientKey != "client:erp" {
		t.Fatalf("client header key=%q", clientKey)
	}
}

func TestRateLimiter_BurstThen429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.001, 2, KeyByClientOrIP())
	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
		if i == 2 && w.Header().Get("Retry-After") == "" {
			t.Fatalf("429 must carry Retry-After")
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes=%v", codes)
	}
}

func TestSendLimiter_PerCaseBuckets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewSendLimiter(1)
	r := gin.New()
	r.POST("/cases/:id/send", rl.Handler(), func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(id string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cases/"+id+"/send", nil))
		return w
	}

	if w := send("a"); w.Code != http.StatusOK {
		t.Fatalf("first send a=%d", w.Code)
	}
	w := send("a")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second send a=%d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After=%q, want 60", got)
	}
	if w := send("b"); w.Code != http.StatusOK {
		t.Fatalf("other case must have its own bucket: %d", w.Code)
	}
}

func TestRateLimiter_ReplayBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.001, 1, KeyByClientOrIP())
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Replay") == "1" {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	}, rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Replay", "1")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("replay %d limited: %d", i, w.Code)
		}
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByClientOrIP())
	rl.ttl = time.Millisecond
	rl.getVisitor("stale")
	time.Sleep(5 * time.Millisecond)

	rl.cleanupN = 4999
	rl.getVisitor("fresh")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["stale"]; ok {
		t.Fatalf("stale bucket should be evicted")
	}
	if _, ok := rl.visitors["fresh"]; !ok {
		t.Fatalf("fresh bucket should exist")
	}
}
