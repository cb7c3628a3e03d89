// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides APIHeaders, which attaches the response headers every
// JSON endpoint of this service carries: nosniff, no-store caching (case
// data changes under the caller constantly and contains supplier contact
// details), frame denial, and opt-in HSTS.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures APIHeaders.
type SecurityOptions struct {
	EnableHSTS bool          // only when traffic is HTTPS end-to-end
	HSTSMaxAge time.Duration // defaults to 180 days
	// AllowCaching skips Cache-Control: no-store on routes that manage their
	// own validators (ETag on event listings).
	AllowCaching func(*gin.Context) bool
}

// APIHeaders returns a Gin middleware that sets:
//
//	X-Content-Type-Options: nosniff
//	X-Frame-Options: DENY
//	Referrer-Policy: no-referrer
//	Cache-Control: no-store (unless AllowCaching says otherwise)
//	Strict-Transport-Security (HTTPS requests with EnableHSTS only)
//
// X-Request-ID is added to Access-Control-Expose-Headers so browser clients
// can read it.
func APIHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.AllowCaching == nil || !opt.AllowCaching(c) {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		const expose = "Access-Control-Expose-Headers"
		exposed := []string{requestIDHeader, "ETag", "Idempotency-Replayed"}
		cur := h.Get(expose)
		for _, name := range exposed {
			if !strings.Contains(cur, name) {
				if cur == "" {
					cur = name
				} else {
					cur += ", " + name
				}
			}
		}
		h.Set(expose, cur)

		c.Next()
	}
}

// isHTTPS reports whether the request arrived over TLS, directly or via a
// proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
