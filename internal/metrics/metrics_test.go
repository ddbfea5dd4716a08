package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.IncAccepted("events", 5)
	m.IncQuarantined("events", "MissingRequiredField", 2)
	m.IncPartitionsCommitted("fact_video_events")
	m.IncPartitionsCommitted("fact_video_events")
	m.AddUnresolved("video", 3)

	if got := testutil.ToFloat64(m.RecordsAccepted.WithLabelValues("events")); got != 5 {
		t.Errorf("accepted = %v", got)
	}
	if got := testutil.ToFloat64(m.PartitionsCommitted.WithLabelValues("fact_video_events")); got != 2 {
		t.Errorf("committed = %v", got)
	}
	if got := testutil.ToFloat64(m.UnresolvedKeys.WithLabelValues("video")); got != 3 {
		t.Errorf("unresolved = %v", got)
	}

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `test_records_quarantined_total{channel="events",reason="MissingRequiredField"} 2`) {
		t.Errorf("metrics output missing quarantine counter:\n%s", body)
	}

	resp, err = srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestNewRegistersIndependently(t *testing.T) {
	New("a", prometheus.NewRegistry())
	New("a", prometheus.NewRegistry())
}
