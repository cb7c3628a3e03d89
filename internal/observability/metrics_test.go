package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEngineCounters_Registered(t *testing.T) {
	for name, c := range map[string]prometheus.Collector{
		"apply":    ApplyOutcomes,
		"parse":    ParseResults,
		"outreach": OutreachActions,
		"pdf":      PDFExtractions,
		"poller":   PollerRuns,
	} {
		if err := prometheus.Register(c); err == nil {
			t.Fatalf("%s collector was not registered at init", name)
		}
	}
}

func TestApplyOutcomes_Increments(t *testing.T) {
	before := testutil.ToFloat64(ApplyOutcomes.WithLabelValues("deduped"))
	ApplyOutcomes.WithLabelValues("deduped").Inc()
	if got := testutil.ToFloat64(ApplyOutcomes.WithLabelValues("deduped")); got != before+1 {
		t.Fatalf("deduped = %v; want %v", got, before+1)
	}
}
