package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/eunmann/imgsync/pkg/catalog"
	"github.com/eunmann/imgsync/pkg/reconcile"
)

var _ reconcile.Observer = (*Collector)(nil)

func TestCollector_Observe(t *testing.T) {
	c := New()
	c.ObservePlan(10, 4, 6)

	created := time.Date(2022, 10, 27, 12, 1, 31, 0, time.UTC)
	c.ObserveLoad(catalog.Image{Tag: "20221026-120000", Created: created.Add(-24 * time.Hour)}, 3*time.Second)
	c.ObserveLoad(catalog.Image{Tag: "20221027-120131", Created: created}, 7*time.Second)
	c.ObserveExportRetry(1, errors.New("boom"))
	c.ObserveFailure(reconcile.StateIngest)

	if got := testutil.ToFloat64(c.CandidateImages); got != 10 {
		t.Errorf("candidate_images = %v", got)
	}
	if got := testutil.ToFloat64(c.IngestedImages); got != 4 {
		t.Errorf("ingested_images = %v", got)
	}
	if got := testutil.ToFloat64(c.PlannedImages); got != 6 {
		t.Errorf("planned_images = %v", got)
	}
	if got := testutil.ToFloat64(c.ImagesLoaded); got != 2 {
		t.Errorf("images_loaded_total = %v", got)
	}
	if got := testutil.ToFloat64(c.LatestLoaded); got != float64(created.Unix()) {
		t.Errorf("latest_loaded = %v", got)
	}
	if got := testutil.ToFloat64(c.ExportRetries); got != 1 {
		t.Errorf("export_retries_total = %v", got)
	}
	if got := testutil.ToFloat64(c.Failures.WithLabelValues("ingest")); got != 1 {
		t.Errorf("failures_total{state=ingest} = %v", got)
	}
	if n := testutil.CollectAndCount(c.LoadDuration); n != 1 {
		t.Errorf("load duration series = %d", n)
	}
}

func TestCollector_RegistryLint(t *testing.T) {
	c := New()
	c.ObserveFailure(reconcile.StateDiff)
	problems, err := testutil.GatherAndLint(c.Registry())
	if err != nil {
		t.Fatalf("GatherAndLint: %v", err)
	}
	for _, p := range problems {
		t.Errorf("lint %s: %s", p.Metric, p.Text)
	}
}

func TestPush(t *testing.T) {
	var mu sync.Mutex
	var method, path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	c.ObservePlan(3, 1, 2)
	c.MarkSuccess(time.Unix(1666872091, 0))
	if err := c.Push(context.Background(), srv.URL, "imgsync_ingest"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut {
		t.Errorf("method = %s, want PUT", method)
	}
	if path != "/metrics/job/imgsync_ingest" {
		t.Errorf("path = %s", path)
	}
	if !strings.Contains(body, "imgsync_planned_images") {
		t.Error("pushed body does not contain imgsync_planned_images")
	}
	if !strings.Contains(body, "imgsync_last_success_timestamp_seconds") {
		t.Error("pushed body does not contain imgsync_last_success_timestamp_seconds")
	}
}

func TestPush_FailedRunKeepsLastSuccess(t *testing.T) {
	var mu sync.Mutex
	var method, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, body = r.Method, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	c.ObservePlan(3, 1, 2)
	c.ObserveFailure(reconcile.StateIngest)
	if err := c.Push(context.Background(), srv.URL, "imgsync_ingest"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPost {
		t.Errorf("method = %s, want POST", method)
	}
	if !strings.Contains(body, "imgsync_failures_total") {
		t.Error("pushed body does not contain imgsync_failures_total")
	}
	if strings.Contains(body, "imgsync_last_success_timestamp_seconds") {
		t.Error("failed run pushed imgsync_last_success_timestamp_seconds")
	}
}

func TestPush_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := New().Push(context.Background(), srv.URL, "imgsync_ingest"); err == nil {
		t.Fatal("expected error from failing gateway")
	}
}
