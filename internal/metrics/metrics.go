// Package metrics is a small facade between pipeline code and a metrics
// backend. Stages record counters and histograms through package functions;
// main wires a concrete backend (Datadog) or leaves the default nop in
// place, so core code never links a vendor SDK.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels tag one observation (e.g. {"stage": "validate", "table": "orders"}).
type Labels map[string]string

// Backend receives every observation.
//
// Concurrency:
//   - Implementations must be safe for concurrent use; pipeline workers
//     record from many goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations and can push
// them on demand.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend replaces the process-wide backend. Call it from main before the
// pipeline starts; passing nil restores the nop.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	current = b
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// IncCounter adds delta to a named counter.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of a named distribution.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered observations if the backend supports it.
func Flush() error {
	if f, ok := backend().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStage reports one finished pipeline stage with outcome and duration.
func RecordStage(stage, table string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"stage": stage, "table": table, "status": status}
	IncCounter("martetl_stage_total", 1, l)
	ObserveHistogram("martetl_stage_duration_seconds", elapsed.Seconds(), l)
}

// RecordRows adds n to a per-kind row counter (seen, rejected, duplicates,
// written, ...). Non-positive n is ignored.
func RecordRows(kind, table string, n int64) {
	if n <= 0 {
		return
	}
	IncCounter("martetl_rows_total", float64(n), Labels{"kind": kind, "table": table})
}

// RecordBatch counts one pipeline batch run.
func RecordBatch() {
	IncCounter("martetl_batches_total", 1, nil)
}

// RecordHTTP reports one fetch attempt. The downloader calls it per attempt,
// so retries show up as separate requests.
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, downloadBytes int64) {
	code := "unknown"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	l := Labels{"status": code, "job": job}

	IncCounter("martetl_http_requests_total", 1, l)
	if err != nil || status >= 400 {
		IncCounter("martetl_http_errors_total", 1, l)
	}
	ObserveHistogram("martetl_http_request_duration_seconds", reqDur.Seconds(), l)
	ObserveHistogram("martetl_http_response_duration_seconds", respDur.Seconds(), l)
	if downloadBytes > 0 {
		ObserveHistogram("martetl_http_download_bytes", float64(downloadBytes), l)
	}
}
