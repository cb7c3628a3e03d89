// Package httpapi wires the HTTP transport (Gin) to the case services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, API headers, idempotency, and rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/supplier-confirmations/internal/config"
	"github.com/tbourn/supplier-confirmations/internal/http/handlers"
	"github.com/tbourn/supplier-confirmations/internal/http/middleware"
	"github.com/tbourn/supplier-confirmations/internal/repo"
	"github.com/tbourn/supplier-confirmations/internal/services"
)

var (
	corsMethods       = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsAllowHeaders  = []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderClientID, middleware.HeaderIdempotencyKey, "If-None-Match"}
	corsExposeHeaders = []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", handlers.HeaderIdempotencyReplayed}
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the case API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured logs with e-mail and header redaction
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Gzip responses
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per client/IP, bypass on replay)
//  10. CORS and API headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, eng *services.Engine, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName, otelgin.WithFilter(traced)))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.LogOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 25 << 20
	}
	r.Use(limitBody(maxBody))

	// promhttp negotiates its own compression.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, caseID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, caseID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP())
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even without an Origin header so health probes see it.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     corsMethods,
			AllowHeaders:     corsAllowHeaders,
			ExposeHeaders:    corsExposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     corsMethods,
			AllowHeaders:     corsAllowHeaders,
			ExposeHeaders:    corsExposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.APIHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		AllowCaching: revalidatable,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(eng.Cases, eng.Evidence, eng.Parse, eng.Apply, eng.Outreach)
	sendLimit := middleware.NewSendLimiter(cfg.SendRatePerMin)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Cases
		api.POST("/cases/resolve", h.ResolveCase)
		api.POST("/cases/status", h.BulkStatus)
		api.GET("/cases/:id", h.GetCase)
		api.GET("/cases/:id/events", h.ListEvents)
		api.GET("/cases/:id/messages", h.ListMessages)

		// Evidence
		api.POST("/cases/:id/retrieve", h.RetrieveEvidence)
		api.GET("/cases/:id/attachments", h.ListAttachments)
		api.POST("/cases/:id/attachments", h.UploadAttachment)
		api.POST("/attachments/extract", h.ExtractText)

		// Confirmation fields
		api.POST("/cases/:id/parse", h.ParseCase)
		api.POST("/cases/:id/apply", h.ApplyUpdates)
		api.PATCH("/cases/:id/fields", h.EditFields)
		api.DELETE("/cases/:id/overrides/:field", h.ClearOverride)

		// Outreach
		api.POST("/cases/:id/draft", h.DraftEmail)
		api.POST("/cases/:id/send", sendLimit.Handler(), h.SendEmail)

		// Admin
		admin := api.Group("/admin")
		admin.POST("/cases/:id/retry", h.RetryCase)
		admin.POST("/cases/:id/escalate", h.EscalateCase)
		admin.POST("/cases/:id/error", h.MarkError)
		admin.POST("/attachments/rehash", h.RehashAttachments)
		admin.DELETE("/cases", h.ResetCases)
	}
}

// traced keeps probes and scrapes out of the trace stream.
func traced(r *http.Request) bool {
	return r.URL.Path != "/health" && r.URL.Path != "/metrics"
}

// revalidatable lets the ETag-bearing event listing opt out of no-store.
func revalidatable(c *gin.Context) bool {
	return c.Request.Method == http.MethodGet && strings.HasSuffix(c.FullPath(), "/events")
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
