package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestToPromLabels(t *testing.T) {
	got := toPromLabels("role=server,status=200")
	want := "role=\"server\",status=\"200\""
	if got != want {
		t.Fatalf("toPromLabels=%q want %q", got, want)
	}
}

func TestHandlerDisabledByDefault(t *testing.T) {
	metricsMu.Lock()
	metrics = telemetry{}
	metricsMu.Unlock()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	handler(rec, req)
	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503 when disabled", rec.Code)
	}
}

func TestHandlerReportsObservedCounters(t *testing.T) {
	Enable()
	ObserveStreamOpened("server")
	ObserveStreamOpened("server")
	ObserveRequestHandled(200)
	ObservePush(false, "no-listener")
	ObserveNegotiation("h2")
	SetEndpointCount("client", 3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	handler(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`h2session_streams_opened_total{role="server"} 2`,
		`h2session_requests_handled_total{status="200"} 1`,
		`h2session_pushes_cancelled_total{reason="no-listener"} 1`,
		`h2session_negotiations_total{outcome="h2"} 1`,
		`h2session_endpoints{state="client"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q in:\n%s", want, body)
		}
	}
}
