// Package parser extracts the three canonical confirmation fields (supplier
// order number, confirmed ship/delivery date, confirmed quantity) from
// supplier PDFs and e-mail bodies.
//
// Extraction is rule based: each field has a set of labels with a base
// confidence, and the value is read from the text that follows the label on
// the same line. PDF evidence strictly precedes e-mail evidence; e-mail is
// read only when no PDF has a usable text layer.
package parser

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/pdftext"
)

const (
	snippetRadius = 40
	excerptLength = 500
	scopedBonus   = 0.05
	poBonus       = 0.1
)

// PDFText is the extracted text of one attachment.
type PDFText struct {
	AttachmentID string
	MessageID    string
	Text         string
	ReceivedAt   time.Time
}

// Input is everything the parser knows about one PO line.
type Input struct {
	PONumber       string
	LineID         string
	EmailText      string
	EmailMessageID string
	PDFs           []PDFText
	ExpectedQty    *float64
	Now            time.Time
}

// Result is the outcome of one parse. When OK is false, Error describes the
// failure and Fields is empty.
type Result struct {
	OK     bool                `json:"ok"`
	Fields domain.ParsedFields `json:"fields"`
	// PerAttachment holds the standalone parse of every usable PDF, keyed by
	// attachment id.
	PerAttachment map[string]domain.ParsedFields `json:"-"`
	Error         string                         `json:"error,omitempty"`
}

// Parse runs extraction over in. It never panics; an unexpected failure is
// returned as a Result with OK=false.
func Parse(in Input) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{OK: false, Error: fmt.Sprintf("parse panic: %v", r)}
		}
	}()
	if strings.TrimSpace(in.PONumber) == "" {
		return Result{OK: false, Error: "po number is required"}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		best    domain.ParsedFields
		excerpt string
		per     = map[string]domain.ParsedFields{}
	)
	type scored struct {
		pdf    PDFText
		fields domain.ParsedFields
		order  int
	}
	var candidates []scored
	for i, p := range in.PDFs {
		if !pdftext.Usable(p.Text) {
			continue
		}
		f := extract(p.Text, domain.EvidencePDF, p.AttachmentID, p.MessageID, in)
		per[p.AttachmentID] = f
		candidates = append(candidates, scored{pdf: p, fields: f, order: i})
	}

	switch {
	case len(candidates) > 0:
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.fields.ExtractionConfidence != b.fields.ExtractionConfidence {
				return a.fields.ExtractionConfidence > b.fields.ExtractionConfidence
			}
			if !a.pdf.ReceivedAt.Equal(b.pdf.ReceivedAt) {
				return a.pdf.ReceivedAt.After(b.pdf.ReceivedAt)
			}
			return a.order < b.order
		})
		top := candidates[0]
		best = top.fields
		best.EvidenceSource = domain.EvidencePDF
		best.EvidenceAttachmentID = top.pdf.AttachmentID
		best.EvidenceMessageID = top.pdf.MessageID
		excerpt = top.pdf.Text
	case strings.TrimSpace(in.EmailText) != "":
		body := CleanEmail(in.EmailText)
		best = extract(body, domain.EvidenceEmail, "", in.EmailMessageID, in)
		best.EvidenceSource = domain.EvidenceEmail
		best.EvidenceMessageID = in.EmailMessageID
		excerpt = body
	default:
		best.EvidenceSource = domain.EvidenceNone
	}

	best.OrderedQuantity = in.ExpectedQty
	best.QuantityMismatch = QuantityMismatch(in.ExpectedQty, best.SupplierConfirmedQuantity.Value)
	best.RawExcerpt = truncateRunes(excerpt, excerptLength)
	best.ParsedAt = now
	best.Normalize()
	return Result{OK: true, Fields: best, PerAttachment: per}
}

// QuantityMismatch reports whether both quantities are known and differ.
func QuantityMismatch(ordered, confirmed *float64) bool {
	if ordered == nil || confirmed == nil {
		return false
	}
	return !decimal.NewFromFloat(*ordered).Equal(decimal.NewFromFloat(*confirmed))
}

// extract reads all three fields out of one piece of evidence and scores it.
func extract(text string, src domain.EvidenceSource, attachmentID, messageID string, in Input) domain.ParsedFields {
	var out domain.ParsedFields

	if v, conf, snip, ok := findOrderNumber(text, in.PONumber); ok {
		out.SupplierOrderNumber = field(v, conf, src, attachmentID, messageID, snip)
	}
	section, scoped := lineSection(text, in.LineID)
	if v, conf, snip, ok := findInScope(text, section, scoped, findDate); ok {
		out.ConfirmedDeliveryDate = field(v, conf, src, attachmentID, messageID, snip)
	}
	if v, conf, snip, ok := findInScope(text, section, scoped, findQuantity); ok {
		if q, err := strconv.ParseFloat(v, 64); err == nil {
			out.SupplierConfirmedQuantity = field(q, conf, src, attachmentID, messageID, snip)
		}
	}

	score := 0.4*out.SupplierOrderNumber.Confidence +
		0.4*out.ConfirmedDeliveryDate.Confidence +
		0.2*out.SupplierConfirmedQuantity.Confidence
	if mentions(text, in.PONumber) {
		score += poBonus
	}
	out.ExtractionConfidence = decimal.NewFromFloat(minf(score, 1)).Round(4).InexactFloat64()
	out.Normalize()
	return out
}

func field[T any](v T, conf float64, src domain.EvidenceSource, attachmentID, messageID, snip string) domain.ParsedField[T] {
	return domain.ParsedField[T]{
		Value:           &v,
		Confidence:      conf,
		Source:          src,
		AttachmentID:    attachmentID,
		MessageID:       messageID,
		EvidenceSnippet: snip,
	}
}

type finder func(text string) (value string, conf float64, snippet string, ok bool)

// findInScope prefers a hit inside the case's own line section and falls
// back to the whole document.
func findInScope(text, section string, scoped bool, find finder) (string, float64, string, bool) {
	if scoped {
		if v, conf, snip, ok := find(section); ok {
			return v, minf(conf+scopedBonus, 1), snip, true
		}
	}
	return find(text)
}

// valueAfter returns the offset where the value following a label begins and
// the end of the label's line.
func valueAfter(text string, hit labelHit) (int, int) {
	lineEnd := strings.IndexByte(text[hit.end:], '\n')
	if lineEnd < 0 {
		lineEnd = len(text)
	} else {
		lineEnd += hit.end
	}
	sep := separatorRe.FindString(text[hit.end:lineEnd])
	return hit.end + len(sep), lineEnd
}

func findOrderNumber(text, po string) (string, float64, string, bool) {
	var (
		best     string
		bestConf float64
		bestSnip string
	)
	for _, hit := range orderLabels.find(text) {
		start, lineEnd := valueAfter(text, hit)
		tok := tokenRe.FindString(text[start:lineEnd])
		if !validOrderNumber(tok, po) {
			continue
		}
		if hit.pattern.confidence > bestConf {
			best, bestConf = tok, hit.pattern.confidence
			bestSnip = snippet(text, hit.start, start+len(tok))
		}
	}
	return best, bestConf, bestSnip, best != ""
}

func validOrderNumber(tok, po string) bool {
	if len(tok) < 2 || !digitRe.MatchString(tok) {
		return false
	}
	if strings.EqualFold(tok, strings.TrimSpace(po)) {
		return false
	}
	return !looksLikeDate(tok)
}

func findDate(text string) (string, float64, string, bool) {
	var (
		best     string
		bestConf float64
		bestSnip string
	)
	for _, hit := range dateLabels.find(text) {
		start, lineEnd := valueAfter(text, hit)
		iso, raw, ok := parseDate(text[start:lineEnd])
		if !ok {
			continue
		}
		if hit.pattern.confidence > bestConf {
			best, bestConf = iso, hit.pattern.confidence
			bestSnip = snippet(text, hit.start, start+len(raw))
		}
	}
	return best, bestConf, bestSnip, best != ""
}

func findQuantity(text string) (string, float64, string, bool) {
	var (
		best     string
		bestConf float64
		bestSnip string
	)
	for _, hit := range quantityLabels.find(text) {
		start, lineEnd := valueAfter(text, hit)
		d, raw, ok := parseQuantity(text[start:lineEnd])
		if !ok || d.IsNegative() {
			continue
		}
		if hit.pattern.confidence > bestConf {
			best, bestConf = d.String(), hit.pattern.confidence
			bestSnip = snippet(text, hit.start, start+len(raw))
		}
	}
	return best, bestConf, bestSnip, best != ""
}

// lineSection returns the part of text belonging to the "Line N" / "Item N"
// block matching lineID. The bool is false when the text has no such block.
func lineSection(text, lineID string) (string, bool) {
	want, err := strconv.Atoi(strings.TrimSpace(lineID))
	if err != nil {
		return text, false
	}
	headers := lineHeaderRe.FindAllStringSubmatchIndex(text, -1)
	for i, h := range headers {
		n, err := strconv.Atoi(text[h[2]:h[3]])
		if err != nil || n != want {
			continue
		}
		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		return text[h[0]:end], true
	}
	return text, false
}

// CleanEmail drops quoted history from a reply body so the parser reads
// only what the supplier wrote, not the request being answered.
func CleanEmail(body string) string {
	if loc := quoteStartRe.FindStringIndex(body); loc != nil && loc[0] > 0 {
		body = body[:loc[0]]
	}
	var kept []string
	for _, ln := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(ln), ">") {
			continue
		}
		kept = append(kept, ln)
	}
	return pdftext.Normalize(strings.Join(kept, "\n"))
}

func mentions(text, po string) bool {
	po = strings.TrimSpace(po)
	if po == "" {
		return false
	}
	re := regexp.MustCompile(`(?i)(?:^|[^A-Za-z0-9])` + regexp.QuoteMeta(po) + `(?:$|[^A-Za-z0-9])`)
	return re.MatchString(text)
}

// snippet returns up to snippetRadius bytes of context on each side of
// [start, end), widened to rune boundaries and flattened to one line.
func snippet(text string, start, end int) string {
	lo := start - snippetRadius
	if lo < 0 {
		lo = 0
	}
	hi := end + snippetRadius
	if hi > len(text) {
		hi = len(text)
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return strings.Join(strings.Fields(text[lo:hi]), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
