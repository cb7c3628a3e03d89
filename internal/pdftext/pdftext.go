// Package pdftext turns stored PDF attachments into plain text for the
// confirmation parser. It decodes the transport encoding, sniffs the PDF
// magic bytes, extracts the text layer with github.com/ledongthuc/pdf and
// classifies near-empty results as scanned-like.
package pdftext

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/unicode/norm"
)

// ScannedThreshold is the extracted-text length (in runes) below which a PDF
// is treated as an image-only scan with no usable text layer.
const ScannedThreshold = 50

var (
	// ErrNotPDF is returned when decoded content does not start with %PDF-.
	ErrNotPDF = errors.New("content is not a PDF")
	// ErrEmpty is returned for empty attachment content.
	ErrEmpty = errors.New("empty attachment content")
)

// Decode decodes attachment content stored as base64. Gmail delivers
// attachment bodies in URL-safe base64, uploads usually arrive in standard
// base64; both are accepted with or without padding.
func Decode(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, ErrEmpty
	}
	enc := base64.StdEncoding
	if strings.ContainsAny(s, "-_") {
		enc = base64.URLEncoding
	}
	if !strings.HasSuffix(s, "=") && len(s)%4 != 0 {
		enc = enc.WithPadding(base64.NoPadding)
	}
	b, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode attachment: %w", err)
	}
	return b, nil
}

// IsPDF reports whether b starts with the PDF magic bytes.
func IsPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

// Extract returns the normalized plain text of a PDF. The reader library
// panics on some malformed inputs; those panics are returned as errors.
func Extract(data []byte) (text string, err error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if !IsPDF(data) {
		return "", ErrNotPDF
	}
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("pdf reader panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	return Normalize(string(b)), nil
}

// Normalize applies NFKC (folding ligatures and full-width digits that PDF
// generators like to emit), collapses runs of horizontal whitespace and drops
// blank lines. Line breaks are kept; the parser scopes by line sections.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, ln := range lines {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

// ScannedLike reports whether text is too short to be a real text layer.
func ScannedLike(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) < ScannedThreshold
}

// Usable reports whether text can serve as PDF evidence: non-blank and not
// scanned-like.
func Usable(text string) bool {
	return strings.TrimSpace(text) != "" && !ScannedLike(text)
}
