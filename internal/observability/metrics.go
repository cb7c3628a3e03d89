package observability

import "github.com/prometheus/client_golang/prometheus"

// Engine counters. Label values are closed sets (outcomes, evidence sources,
// outreach actions) so cardinality stays bounded.
var (
	// ApplyOutcomes counts apply calls by outcome: applied, skipped, deduped.
	ApplyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_apply_total",
			Help: "Apply/merge calls by outcome.",
		},
		[]string{"outcome"},
	)

	// ParseResults counts parse runs by chosen evidence source and ok flag.
	ParseResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_parse_total",
			Help: "Parse runs by evidence source and result.",
		},
		[]string{"evidence_source", "ok"},
	)

	// OutreachActions counts outreach decisions: NO_OP, REPLY_IN_THREAD, SEND_NEW.
	OutreachActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_outreach_total",
			Help: "Outreach decisions by action.",
		},
		[]string{"action"},
	)

	// PDFExtractions counts per-attachment text extraction results:
	// ok, scanned, cached, error.
	PDFExtractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_pdf_extract_total",
			Help: "PDF text extraction results.",
		},
		[]string{"result"},
	)

	// PollerRuns counts cases visited by the poller, by outcome.
	PollerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_poller_runs_total",
			Help: "Case poller passes by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ApplyOutcomes, ParseResults, OutreachActions, PDFExtractions, PollerRuns)
}
