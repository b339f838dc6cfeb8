// Package admin implements the HTTP admin endpoints used by the proxy binary.
// It includes connection counters, an inflight gauge and a simple histogram
// facility for session durations.
package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// HistogramBuckets defines the duration buckets (seconds) used when observing
// session durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// Metrics is a minimal metrics container consumed by the /metrics handler.
// It satisfies the proxy.Metrics interface.
type Metrics struct {
	sync.Mutex

	TotalConnections    uint64 `json:"total_connections"`
	Relayed             uint64 `json:"relayed"`
	HandshakeFailures   uint64 `json:"handshake_failures"`
	CryptoFailures      uint64 `json:"crypto_failures"`
	ResolutionFailures  uint64 `json:"resolution_failures"`
	UpstreamUnreachable uint64 `json:"upstream_unreachable"`
	IdleTimeouts        uint64 `json:"idle_timeouts"`
	Cancelled           uint64 `json:"cancelled"`
	Rejected            uint64 `json:"rejected"`
	BytesIn             uint64 `json:"bytes_in"`
	BytesOut            uint64 `json:"bytes_out"`

	// In-flight gauge + map of id->start time for /statusz
	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"inflight_list"`

	// Histograms: map outcome -> counts per bucket
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`
}

// NewMetrics constructs a Metrics instance with initialized histogram maps.
func NewMetrics() *Metrics {
	return &Metrics{
		InflightList: make(map[string]time.Time),
		HistCounts:   make(map[string][]uint64),
		HistSum:      make(map[string]float64),
		HistTotal:    make(map[string]uint64),
	}
}

// InflightAdd records an inflight connection with id.
func (m *Metrics) InflightAdd(id string) {
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an inflight connection id.
func (m *Metrics) InflightRemove(id string) {
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

// Increment helpers
func (m *Metrics) IncTotalConnections()    { m.Lock(); m.TotalConnections++; m.Unlock() }
func (m *Metrics) IncRelayed()             { m.Lock(); m.Relayed++; m.Unlock() }
func (m *Metrics) IncHandshakeFailures()   { m.Lock(); m.HandshakeFailures++; m.Unlock() }
func (m *Metrics) IncCryptoFailures()      { m.Lock(); m.CryptoFailures++; m.Unlock() }
func (m *Metrics) IncResolutionFailures()  { m.Lock(); m.ResolutionFailures++; m.Unlock() }
func (m *Metrics) IncUpstreamUnreachable() { m.Lock(); m.UpstreamUnreachable++; m.Unlock() }
func (m *Metrics) IncIdleTimeouts()        { m.Lock(); m.IdleTimeouts++; m.Unlock() }
func (m *Metrics) IncCancelled()           { m.Lock(); m.Cancelled++; m.Unlock() }
func (m *Metrics) IncRejected()            { m.Lock(); m.Rejected++; m.Unlock() }

// AddBytes accumulates relayed byte totals for a completed session.
func (m *Metrics) AddBytes(in, out int64) {
	m.Lock()
	defer m.Unlock()
	if in > 0 {
		m.BytesIn += uint64(in)
	}
	if out > 0 {
		m.BytesOut += uint64(out)
	}
}

// ObserveDuration records a session duration (in seconds) under an outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
		m.HistSum[outcome] = 0
		m.HistTotal[outcome] = 0
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
	// larger than last bucket: increment last index
	if len(m.HistCounts[outcome]) > 0 {
		m.HistCounts[outcome][len(m.HistCounts[outcome])-1]++
	}
}

// Admin handlers

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleVarz writes config (provided) as JSON.
func HandleVarz(w http.ResponseWriter, cfg interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cfg)
}

// HandleCertz serves the anchor certificate PEM so clients can install the
// interception root.
func HandleCertz(w http.ResponseWriter, certPEM []byte) {
	if len(certPEM) == 0 {
		http.Error(w, "no cert available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(certPEM)
}

// HandleStatusz renders a small HTML page showing inflight connections.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	m.Lock()
	defer m.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Inflight: " + strconv.Itoa(m.Inflight) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Connection</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for k, t := range m.InflightList {
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(k) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

// HandleMetrics writes Prometheus-compatible output including histograms and counters.
func HandleMetrics(w http.ResponseWriter, m *Metrics) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.Lock()
	write := func(name, help string, v uint64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		_, _ = fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	write("proxy_connections_total", "Total connections accepted", m.TotalConnections)
	write("proxy_relayed_total", "Sessions relayed to completion", m.Relayed)
	write("proxy_handshake_failures_total", "Downstream or upstream handshake failures", m.HandshakeFailures)
	write("proxy_crypto_failures_total", "Leaf certificate issuance failures", m.CryptoFailures)
	write("proxy_resolution_failures_total", "Hostname resolution failures", m.ResolutionFailures)
	write("proxy_upstream_unreachable_total", "All resolved addresses exhausted", m.UpstreamUnreachable)
	write("proxy_idle_timeouts_total", "Sessions ended by idle timeout", m.IdleTimeouts)
	write("proxy_cancelled_total", "Sessions ended by shutdown", m.Cancelled)
	write("proxy_rejected_total", "Connections rejected at the concurrency limit", m.Rejected)
	write("proxy_bytes_in_total", "Bytes relayed from clients to origins", m.BytesIn)
	write("proxy_bytes_out_total", "Bytes relayed from origins to clients", m.BytesOut)

	// inflight gauge
	_, _ = fmt.Fprintf(w, "# HELP proxy_inflight_connections In-flight connections\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_inflight_connections gauge\n")
	_, _ = fmt.Fprintf(w, "proxy_inflight_connections %d\n\n", m.Inflight)

	// histograms
	_, _ = fmt.Fprintf(w, "# HELP proxy_session_duration_seconds Session duration by outcome\n")
	_, _ = fmt.Fprintf(w, "# TYPE proxy_session_duration_seconds histogram\n")
	for outcome, counts := range m.HistCounts {
		cum := uint64(0)
		for i, b := range HistogramBuckets {
			if i < len(counts) {
				cum += counts[i]
			}
			_, _ = fmt.Fprintf(w, "proxy_session_duration_seconds_bucket{outcome=\"%s\",le=\"%g\"} %d\n", outcome, b, cum)
		}
		total := m.HistTotal[outcome]
		_, _ = fmt.Fprintf(w, "proxy_session_duration_seconds_bucket{outcome=\"%s\",le=\"+Inf\"} %d\n", outcome, total)
		_, _ = fmt.Fprintf(w, "proxy_session_duration_seconds_sum{outcome=\"%s\"} %g\n", outcome, m.HistSum[outcome])
		_, _ = fmt.Fprintf(w, "proxy_session_duration_seconds_count{outcome=\"%s\"} %d\n\n", outcome, total)
	}
	m.Unlock()
}
