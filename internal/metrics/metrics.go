// Package metrics exposes a hand-rolled Prometheus text-format endpoint for
// the HTTP/2 core: no client library, just sorted label maps written
// directly.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type telemetry struct {
	enabled bool
	mu      sync.RWMutex

	streamsOpened    map[string]uint64
	requestsHandled  map[string]uint64
	pushesSent       map[string]uint64
	pushesCancelled  map[string]uint64
	negotiations     map[string]uint64
	endpointsByState map[string]float64
}

var (
	metricsMu sync.RWMutex
	metrics   = telemetry{}
)

// Enable turns on collection; every observer call before Enable is a no-op.
func Enable() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metrics.enabled {
		return
	}
	metrics.streamsOpened = make(map[string]uint64)
	metrics.requestsHandled = make(map[string]uint64)
	metrics.pushesSent = make(map[string]uint64)
	metrics.pushesCancelled = make(map[string]uint64)
	metrics.negotiations = make(map[string]uint64)
	metrics.endpointsByState = make(map[string]float64)
	metrics.enabled = true
}

// Serve runs a /metrics HTTP server until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("metrics: empty listen address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	}
	return nil
}

// ObserveStreamOpened records one new stream on role ("server"/"client").
func ObserveStreamOpened(role string) {
	withEnabled(func() { metrics.streamsOpened[label("role", role)]++ })
}

// ObserveRequestHandled records one completed (IncomingRequest, status) pair.
func ObserveRequestHandled(status int) {
	withEnabled(func() { metrics.requestsHandled[fmt.Sprintf("status=%d", status)]++ })
}

// ObservePush records a server push decision: sent, or cancelled with reason.
func ObservePush(sent bool, reason string) {
	withEnabled(func() {
		if sent {
			metrics.pushesSent[label("reason", "accepted")]++
			return
		}
		metrics.pushesCancelled[label("reason", reason)]++
	})
}

// ObserveNegotiation records one ALPN negotiation outcome ("h2"/"fallback"/"error").
func ObserveNegotiation(outcome string) {
	withEnabled(func() { metrics.negotiations[label("outcome", outcome)]++ })
}

// SetEndpointCount publishes the number of live endpoints in state
// ("server"/"client") for gauge-style reporting.
func SetEndpointCount(state string, n int) {
	withEnabled(func() { metrics.endpointsByState[label("state", state)] = float64(n) })
}

func withEnabled(fn func()) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	fn()
}

func label(k, v string) string { return fmt.Sprintf("%s=%s", k, v) }

func handler(w http.ResponseWriter, _ *http.Request) {
	metricsMu.RLock()
	enabled := metrics.enabled
	metricsMu.RUnlock()
	if !enabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# metrics disabled\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	metrics.mu.RLock()
	defer metrics.mu.RUnlock()

	writeCounterVec(w, "h2session_streams_opened_total", metrics.streamsOpened)
	writeCounterVec(w, "h2session_requests_handled_total", metrics.requestsHandled)
	writeCounterVec(w, "h2session_pushes_sent_total", metrics.pushesSent)
	writeCounterVec(w, "h2session_pushes_cancelled_total", metrics.pushesCancelled)
	writeCounterVec(w, "h2session_negotiations_total", metrics.negotiations)
	writeGaugeVec(w, "h2session_endpoints", metrics.endpointsByState)
}

func writeCounterVec(w http.ResponseWriter, name string, data map[string]uint64) {
	for _, k := range sortedKeys(data) {
		fmt.Fprintf(w, "%s{%s} %d\n", name, toPromLabels(k), data[k])
	}
}

func writeGaugeVec(w http.ResponseWriter, name string, data map[string]float64) {
	for _, k := range sortedKeys(data) {
		fmt.Fprintf(w, "%s{%s} %.0f\n", name, toPromLabels(k), data[k])
	}
}

func sortedKeys[V any](data map[string]V) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toPromLabels(s string) string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		parts[i] = fmt.Sprintf("%s=\"%s\"", kv[0], strings.ReplaceAll(kv[1], "\"", "\\\""))
	}
	return strings.Join(parts, ",")
}
