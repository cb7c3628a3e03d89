package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// labelPattern is a field label with the confidence a value found right
// after it earns. Patterns are tried as one alternation, longest first, so a
// specific label ("confirmed qty") wins over its suffix ("qty").
type labelPattern struct {
	name       string
	expr       string
	confidence float64
}

type labelSet struct {
	re       *regexp.Regexp
	patterns []labelPattern
}

func newLabelSet(patterns []labelPattern) labelSet {
	parts := make([]string, len(patterns))
	for i, p := range patterns {
		parts[i] = "(" + p.expr + ")"
	}
	return labelSet{
		re:       regexp.MustCompile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`),
		patterns: patterns,
	}
}

// labelHit is one label occurrence: the pattern that matched and the offset
// just after the label.
type labelHit struct {
	pattern labelPattern
	start   int
	end     int
}

func (s labelSet) find(text string) []labelHit {
	var hits []labelHit
	for _, m := range s.re.FindAllStringSubmatchIndex(text, -1) {
		for i := range s.patterns {
			if m[2+2*i] >= 0 {
				hits = append(hits, labelHit{pattern: s.patterns[i], start: m[0], end: m[1]})
				break
			}
		}
	}
	return hits
}

var orderLabels = newLabelSet([]labelPattern{
	{"sales_order", `sales[ \t]+order`, 0.9},
	{"order_confirmation", `order[ \t]+confirmation`, 0.9},
	{"order_acknowledgement", `order[ \t]+acknowledge?ment`, 0.9},
	{"acknowledgement", `acknowledge?ment`, 0.85},
	{"confirmation", `confirmation`, 0.85},
	{"so", `so`, 0.85},
	{"our_order", `our[ \t]+order`, 0.85},
	{"order", `order`, 0.8},
	{"reference", `reference|ref`, 0.6},
})

var dateLabels = newLabelSet([]labelPattern{
	{"confirmed_ship_date", `confirmed[ \t]+(?:ship(?:ping|ment)?|delivery)[ \t]+date`, 0.95},
	{"ship_date", `ship(?:ping|ment)?[ \t]+date`, 0.9},
	{"delivery_date", `delivery[ \t]+date`, 0.9},
	{"dispatch_date", `dispatch(?:ed)?[ \t]+date`, 0.9},
	{"ship_by", `ships?[ \t]+(?:by|on)`, 0.85},
	{"deliver_by", `deliver(?:ed|y)?[ \t]+(?:by|on)`, 0.85},
	{"estimated", `estimated[ \t]+(?:ship(?:ping)?|delivery|arrival)(?:[ \t]+date)?`, 0.75},
	{"expected", `expected[ \t]+(?:ship(?:ping)?|delivery|arrival)(?:[ \t]+date)?`, 0.75},
	{"eta", `eta|etd`, 0.75},
	{"delivery", `delivery|dispatch|shipment`, 0.7},
})

var quantityLabels = newLabelSet([]labelPattern{
	{"ordered_qty", `ordered[ \t]+(?:quantity|qty)|order[ \t]+(?:quantity|qty)`, 0.5},
	{"confirmed_qty", `confirmed[ \t]+(?:quantity|qty)|(?:quantity|qty)[ \t]+confirmed`, 0.9},
	{"qty", `quantity|qty`, 0.75},
})

var (
	// separators between a label and its value on the same line.
	separatorRe = regexp.MustCompile(`(?i)^(?:[ \t:#=.\-]|\bno\b\.?|\bnr\b\.?|\bnum(?:ber)?\b\.?|\bis\b|\bon\b|\bof\b)*`)
	tokenRe     = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9\-/_.]*[A-Za-z0-9])?`)
	numberRe    = regexp.MustCompile(`^(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`)
	digitRe     = regexp.MustCompile(`\d`)

	lineHeaderRe = regexp.MustCompile(`(?im)^[ \t]*(?:line|item|pos(?:ition)?)[ \t]*(?:no\.?|#)?[ \t]*[:#]?[ \t]*(\d+)\b`)
	quoteStartRe = regexp.MustCompile(`(?im)^(?:on .+ wrote:|-{2,}[ \t]*original message[ \t]*-{2,}|from:[ \t].+@.+)$`)
)

// dateLayouts are tried in order against the text right after a date label.
var dateLayouts = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`), "2006-01-02"},
	{regexp.MustCompile(`^\d{4}/\d{2}/\d{2}`), "2006/01/02"},
	{regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{4}`), "1/2/2006"},
	{regexp.MustCompile(`^\d{1,2}\.\d{1,2}\.\d{4}`), "2.1.2006"},
	{regexp.MustCompile(`(?i)^\d{1,2}[ \-](?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?[ \-,]*\d{4}`), ""},
	{regexp.MustCompile(`(?i)^(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?[ \t]+\d{1,2}(?:st|nd|rd|th)?,?[ \t]+\d{4}`), ""},
}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

var wordDateRe = regexp.MustCompile(`(?i)(\d{1,2})?[ \-]*([a-z]{3})[a-z]*\.?[ \t\-]*(\d{1,2})?(?:st|nd|rd|th)?[ \t,\-]*(\d{4})`)

// parseDate reads a date at the start of s and returns it as YYYY-MM-DD
// along with the matched text.
func parseDate(s string) (string, string, bool) {
	for _, dl := range dateLayouts {
		raw := dl.re.FindString(s)
		if raw == "" {
			continue
		}
		if dl.layout != "" {
			t, err := time.Parse(dl.layout, raw)
			if err != nil {
				continue
			}
			return t.Format("2006-01-02"), raw, true
		}
		m := wordDateRe.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		month, ok := monthNames[strings.ToLower(m[2])]
		if !ok {
			continue
		}
		dayStr := m[1]
		if dayStr == "" {
			dayStr = m[3]
		}
		day, err1 := strconv.Atoi(dayStr)
		year, err2 := strconv.Atoi(m[4])
		if err1 != nil || err2 != nil {
			continue
		}
		t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		if t.Day() != day {
			continue
		}
		return t.Format("2006-01-02"), raw, true
	}
	return "", "", false
}

// looksLikeDate reports whether token is itself a date, which rules it out
// as an order number.
func looksLikeDate(token string) bool {
	_, raw, ok := parseDate(token)
	return ok && len(raw) == len(token)
}

// parseQuantity reads a number at the start of s. Thousands separators are
// accepted.
func parseQuantity(s string) (decimal.Decimal, string, bool) {
	raw := numberRe.FindString(s)
	if raw == "" {
		return decimal.Decimal{}, "", false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return decimal.Decimal{}, "", false
	}
	return d, raw, true
}
