package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type counterEvent struct {
	name   string
	delta  float64
	labels Labels
}

type sampleEvent struct {
	name   string
	value  float64
	labels Labels
}

// capture records every observation and implements Flusher.
type capture struct {
	mu       sync.Mutex
	counters []counterEvent
	samples  []sampleEvent
	flushes  int
	flushErr error
}

func (c *capture) IncCounter(name string, delta float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = append(c.counters, counterEvent{name, delta, labels})
}

func (c *capture) ObserveHistogram(name string, value float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, sampleEvent{name, value, labels})
}

func (c *capture) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return c.flushErr
}

func (c *capture) counterTotal(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, e := range c.counters {
		if e.name == name {
			total += e.delta
		}
	}
	return total
}

func (c *capture) firstCounter(name string) (counterEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.counters {
		if e.name == name {
			return e, true
		}
	}
	return counterEvent{}, false
}

func (c *capture) firstSample(name string) (sampleEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.samples {
		if e.name == name {
			return e, true
		}
	}
	return sampleEvent{}, false
}

func setCapture(t *testing.T) *capture {
	t.Helper()
	c := &capture{}
	SetBackend(c)
	t.Cleanup(func() { SetBackend(nil) })
	return c
}

func TestRecordStage_EmitsCounterAndDuration(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus string
	}{
		{name: "ok", err: nil, wantStatus: "ok"},
		{name: "error", err: errors.New("boom"), wantStatus: "error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := setCapture(t)

			RecordStage("validate", "orders", tc.err, 1500*time.Millisecond)

			ev, ok := c.firstCounter("martetl_stage_total")
			if !ok {
				t.Fatalf("martetl_stage_total not emitted")
			}
			if ev.delta != 1 {
				t.Fatalf("delta=%v, want 1", ev.delta)
			}
			if ev.labels["stage"] != "validate" || ev.labels["table"] != "orders" || ev.labels["status"] != tc.wantStatus {
				t.Fatalf("labels=%v, want stage=validate table=orders status=%s", ev.labels, tc.wantStatus)
			}

			s, ok := c.firstSample("martetl_stage_duration_seconds")
			if !ok {
				t.Fatalf("martetl_stage_duration_seconds not emitted")
			}
			if s.value != 1.5 {
				t.Fatalf("duration=%v, want 1.5", s.value)
			}
			if s.labels["status"] != tc.wantStatus {
				t.Fatalf("duration status=%q, want %q", s.labels["status"], tc.wantStatus)
			}
		})
	}
}

func TestRecordRows_IgnoresNonPositive(t *testing.T) {
	c := setCapture(t)

	RecordRows("written", "orders", 0)
	RecordRows("written", "orders", -3)
	if got := c.counterTotal("martetl_rows_total"); got != 0 {
		t.Fatalf("rows total=%v, want 0 for non-positive n", got)
	}

	RecordRows("written", "orders", 42)
	ev, ok := c.firstCounter("martetl_rows_total")
	if !ok {
		t.Fatalf("martetl_rows_total not emitted")
	}
	if ev.delta != 42 {
		t.Fatalf("delta=%v, want 42", ev.delta)
	}
	if ev.labels["kind"] != "written" || ev.labels["table"] != "orders" {
		t.Fatalf("labels=%v, want kind=written table=orders", ev.labels)
	}
}

func TestRecordBatch(t *testing.T) {
	c := setCapture(t)

	RecordBatch()
	RecordBatch()
	if got := c.counterTotal("martetl_batches_total"); got != 2 {
		t.Fatalf("batches total=%v, want 2", got)
	}
}

func TestRecordHTTP(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		err        error
		download   int64
		wantStatus string
		wantErrs   float64
		wantDLSeen bool
	}{
		{name: "ok_200", status: 200, download: 2048, wantStatus: "200", wantErrs: 0, wantDLSeen: true},
		{name: "server_error", status: 500, wantStatus: "500", wantErrs: 1},
		{name: "transport_error_no_status", status: 0, err: errors.New("dial"), wantStatus: "unknown", wantErrs: 1},
		{name: "no_download_bytes", status: 204, download: 0, wantStatus: "204", wantErrs: 0, wantDLSeen: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := setCapture(t)

			RecordHTTP("orders_fetch", tc.status, tc.err, 120*time.Millisecond, 340*time.Millisecond, tc.download)

			ev, ok := c.firstCounter("martetl_http_requests_total")
			if !ok {
				t.Fatalf("martetl_http_requests_total not emitted")
			}
			if ev.labels["status"] != tc.wantStatus {
				t.Fatalf("status=%q, want %q", ev.labels["status"], tc.wantStatus)
			}
			if ev.labels["job"] != "orders_fetch" {
				t.Fatalf("job=%q, want orders_fetch", ev.labels["job"])
			}

			if got := c.counterTotal("martetl_http_errors_total"); got != tc.wantErrs {
				t.Fatalf("errors total=%v, want %v", got, tc.wantErrs)
			}

			if s, ok := c.firstSample("martetl_http_request_duration_seconds"); !ok || s.value != 0.12 {
				t.Fatalf("request duration sample=%v ok=%v, want 0.12", s.value, ok)
			}
			if s, ok := c.firstSample("martetl_http_response_duration_seconds"); !ok || s.value != 0.34 {
				t.Fatalf("response duration sample=%v ok=%v, want 0.34", s.value, ok)
			}

			_, sawDL := c.firstSample("martetl_http_download_bytes")
			if sawDL != tc.wantDLSeen {
				t.Fatalf("download bytes seen=%v, want %v", sawDL, tc.wantDLSeen)
			}
		})
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	c := setCapture(t)
	SetBackend(nil)

	RecordBatch()
	IncCounter("martetl_rows_total", 1, Labels{"kind": "written"})
	ObserveHistogram("martetl_stage_duration_seconds", 0.1, nil)

	if len(c.counters) != 0 || len(c.samples) != 0 {
		t.Fatalf("nop backend still recorded: counters=%d samples=%d", len(c.counters), len(c.samples))
	}
	if err := Flush(); err != nil {
		t.Fatalf("Flush() on nop err=%v, want nil", err)
	}
}

func TestFlush_DelegatesToFlusher(t *testing.T) {
	c := setCapture(t)
	c.flushErr = errors.New("intake down")

	if err := Flush(); !errors.Is(err, c.flushErr) {
		t.Fatalf("Flush() err=%v, want %v", err, c.flushErr)
	}
	if c.flushes != 1 {
		t.Fatalf("flushes=%d, want 1", c.flushes)
	}
}
