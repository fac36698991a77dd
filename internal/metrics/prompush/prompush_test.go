package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"sparkify/internal/metrics"
)

func TestNewBackend_RequiresURLAndJob(t *testing.T) {
	t.Parallel()

	if _, err := NewBackend("job", " "); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := NewBackend("", "http://localhost:9091"); err == nil {
		t.Fatalf("expected error for empty job")
	}
}

func TestCountersAndHistograms(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("sparkify", "http://localhost:9091")
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	b.IncCounter("etl_records_total", 2, metrics.Labels{"kind": "decoded"})
	b.IncCounter("etl_records_total", 3, metrics.Labels{"kind": "decoded"})
	b.IncCounter("etl_records_total", 1, metrics.Labels{"kind": "skipped"})
	b.IncCounter("etl_records_total", 0, metrics.Labels{"kind": "skipped"})
	// Extra labels are dropped; the label set is pinned on first use.
	b.IncCounter("etl_records_total", 1, metrics.Labels{"kind": "skipped", "extra": "x"})
	b.ObserveHistogram("etl_step_duration_seconds", 0.2, metrics.Labels{"step": "catalog", "status": "ok"})

	if got := testutil.ToFloat64(b.counters["etl_records_total"].WithLabelValues("decoded")); got != 5 {
		t.Fatalf("decoded=%v, want 5", got)
	}
	if got := testutil.ToFloat64(b.counters["etl_records_total"].WithLabelValues("skipped")); got != 2 {
		t.Fatalf("skipped=%v, want 2", got)
	}
	if n := testutil.CollectAndCount(b.histograms["etl_step_duration_seconds"]); n != 1 {
		t.Fatalf("histogram series=%d, want 1", n)
	}
}

func TestFlush_PushesToGateway(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBackend("sparkify", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.Grouping("run_id", "r1")
	b.IncCounter("etl_rows_written_total", 4, metrics.Labels{"table": "songplays"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut {
		t.Fatalf("method=%s, want PUT", method)
	}
	if path != "/metrics/job/sparkify/run_id/r1" {
		t.Fatalf("path=%s", path)
	}
	if !strings.Contains(body, "etl_rows_written_total") {
		t.Fatalf("body does not mention the counter")
	}
}

func TestFlush_GatewayErrorIsReturned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, _ := NewBackend("sparkify", srv.URL)
	b.IncCounter("etl_records_total", 1, metrics.Labels{"kind": "seen"})
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush err=nil, want error")
	}
}
