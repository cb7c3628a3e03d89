package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

// Redactor scrubs e-mail addresses from logged strings and masks sensitive
// headers entirely. Supplier and buyer addresses are the PII this service
// handles; PO numbers and case ids stay readable so operators can search
// logs by them.
type Redactor struct {
	mask map[string]struct{}
}

var emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)

// NewRedactor builds a Redactor masking Authorization, Cookie, Set-Cookie and
// the given extra headers (case-insensitive).
func NewRedactor(maskHeaders ...string) *Redactor {
	mask := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range maskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}
	return &Redactor{mask: mask}
}

// String replaces every e-mail address in s.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	return emailRE.ReplaceAllString(s, "[REDACTED:email]")
}

// Headers returns a flattened, scrubbed copy of h.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := r.mask[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.String(strings.Join(vv, ", "))
	}
	return out
}
