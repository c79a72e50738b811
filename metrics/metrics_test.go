package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryCounters(t *testing.T) {
	registry := New()
	registry.ObservePollCycle("ok", 120*time.Millisecond)
	registry.ObservePollCycle("transient", 10*time.Millisecond)
	registry.ObserveTransfers("HBD", 3)
	registry.ObserveTransfers("HBD", 0)
	registry.ObserveDropped("HBD", "unknown_recipient")
	registry.ObserveLease("acquired")
	registry.SetLeader(true)
	registry.ObserveConsumed(2, true)
	registry.ObserveAck(3, 2)

	if got := testutil.ToFloat64(registry.pollCycles.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 ok cycle, got %v", got)
	}
	if got := testutil.ToFloat64(registry.transfersDetected.WithLabelValues("HBD")); got != 3 {
		t.Fatalf("expected 3 HBD transfers, got %v", got)
	}
	if got := testutil.ToFloat64(registry.entriesConsumed.WithLabelValues("reclaimed")); got != 2 {
		t.Fatalf("expected 2 reclaimed entries, got %v", got)
	}
	if got := testutil.ToFloat64(registry.partialAcks); got != 1 {
		t.Fatalf("expected 1 partial ack, got %v", got)
	}
	if got := testutil.ToFloat64(registry.leader); got != 1 {
		t.Fatalf("expected leader gauge 1, got %v", got)
	}
}

func TestRegistryHandlerOutput(t *testing.T) {
	registry := New()
	registry.ObserveDropped("EURO", "malformed")
	registry.ObservePollCycle("ok", time.Second)

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	if !strings.Contains(out, `merchant_hub_records_dropped_total{currency="EURO",reason="malformed"} 1`) {
		t.Fatalf("expected dropped count in output")
	}
	if !strings.Contains(out, "merchant_hub_poll_duration_seconds_bucket") {
		t.Fatalf("expected poll duration histogram in output")
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var registry *Registry
	registry.ObservePollCycle("ok", time.Second)
	registry.ObserveTransfers("HBD", 1)
	registry.ObserveDropped("HBD", "malformed")
	registry.ObservePublishFailure("HBD")
	registry.ObserveLease("lost")
	registry.SetLeader(false)
	registry.ObserveModeChange("slow")
	registry.ObserveConsumed(1, false)
	registry.ObserveAck(1, 1)
	if registry.Handler() == nil {
		t.Fatalf("expected a handler")
	}
}
