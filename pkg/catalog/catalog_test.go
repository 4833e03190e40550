package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/eunmann/imgsync/pkg/transport"
)

// fakeCatalog serves the GraphQL operations used by Client.
type fakeCatalog struct {
	mu         sync.Mutex
	images     string
	statuses   []string // final status per started job, in start order
	jobs       map[string]string
	polls      map[string]int
	started    []string
	queries    []string
	formats    []string
	errorsJSON string
}

func newFakeCatalog(t *testing.T, f *fakeCatalog) *Client {
	t.Helper()
	f.jobs = map[string]string{}
	f.polls = map[string]int{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.Poll = PollConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Timeout: 5 * time.Second}
	return NewClient(cfg, nil)
}

func (f *fakeCatalog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req gqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.errorsJSON != "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"errors": %s}`, f.errorsJSON)
		return
	}

	switch req.OperationName {
	case "AllImages":
		fmt.Fprintf(w, `{"data": {"images": {"nodes": %s}}}`, f.images)
	case "StartExport":
		id := fmt.Sprintf("job-%d", len(f.started)+1)
		status := StatusSuccess
		if len(f.started) < len(f.statuses) {
			status = f.statuses[len(f.started)]
		}
		f.started = append(f.started, id)
		f.jobs[id] = status
		f.queries = append(f.queries, req.Variables["query"].(string))
		format, _ := req.Variables["format"].(string)
		f.formats = append(f.formats, format)
		fmt.Fprintf(w, `{"data": {"exportQuery": {"id": %q}}}`, id)
	case "ExportJobStatus":
		id := req.Variables["taskId"].(string)
		f.polls[id]++
		// Report the job as pending on the first poll.
		if f.polls[id] == 1 {
			fmt.Fprintf(w, `{"data": {"exportJobStatus": {"taskId": %q, "status": "STARTED"}}}`, id)
			return
		}
		status := f.jobs[id]
		output := "null"
		if status == StatusSuccess {
			output = fmt.Sprintf(`{"url": "https://exports.example.com/%s.parquet"}`, id)
		}
		fmt.Fprintf(w, `{"data": {"exportJobStatus": {"taskId": %q, "status": %q, "output": %s}}}`, id, status, output)
	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
	}
}

func TestSelectTag(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want string
		ok   bool
	}{
		{"picks greatest 15-char tag", []string{"20221027-120131", "2022", "20221026-999999"}, "20221027-120131", true},
		{"ignores latest", []string{"latest", "20221026-000000"}, "20221026-000000", true},
		{"none qualifying", []string{"latest", "2022-10-27"}, "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectTag(tt.tags)
			if got != tt.want || ok != tt.ok {
				t.Errorf("SelectTag(%v) = %q, %v; want %q, %v", tt.tags, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseCreated(t *testing.T) {
	want := time.Date(2022, 10, 27, 12, 1, 31, 123456000, time.UTC)
	for _, in := range []string{
		"2022-10-27T12:01:31.123456",
		"2022-10-27 12:01:31.123456",
		"2022-10-27T12:01:31.123456Z",
	} {
		got, err := ParseCreated(in)
		if err != nil {
			t.Fatalf("ParseCreated(%q) error: %v", in, err)
		}
		if !got.Equal(want) {
			t.Errorf("ParseCreated(%q) = %v, want %v", in, got, want)
		}
	}

	if got, err := ParseCreated("2022-10-27T12:01:31"); err != nil || got.Nanosecond() != 0 {
		t.Errorf("ParseCreated without fraction = %v, %v", got, err)
	}
	if _, err := ParseCreated("yesterday"); err == nil {
		t.Error("expected error for malformed timestamp")
	}
}

func TestListImages(t *testing.T) {
	f := &fakeCatalog{images: `[
		{"created": "2022-10-26T00:05:00.000001", "imageHash": "aaa",
		 "tagsByNamespaceAndRepositoryAndImageHash": {"nodes": [{"tag": "20221026-000500"}, {"tag": "latest"}]}},
		{"created": "2022-10-27T00:05:00.000000", "imageHash": "bbb",
		 "tagsByNamespaceAndRepositoryAndImageHash": {"nodes": [{"tag": "some-tag"}]}},
		{"created": "2022-10-28T00:05:00.5", "imageHash": "ccc",
		 "tagsByNamespaceAndRepositoryAndImageHash": {"nodes": [{"tag": "20221028-000500"}, {"tag": "20221028-000501"}]}}
	]`}
	c := newFakeCatalog(t, f)

	images, err := c.ListImages(context.Background())
	if err != nil {
		t.Fatalf("ListImages error: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("len(images) = %d, want 2 (untagged image skipped)", len(images))
	}
	if images[0].Hash != "aaa" || images[0].Tag != "20221026-000500" {
		t.Errorf("images[0] = %+v", images[0])
	}
	if images[1].Tag != "20221028-000501" {
		t.Errorf("images[1].Tag = %q, want greatest tag", images[1].Tag)
	}
	wantCreated := time.Date(2022, 10, 26, 0, 5, 0, 1000, time.UTC)
	if !images[0].Created.Equal(wantCreated) {
		t.Errorf("images[0].Created = %v, want %v", images[0].Created, wantCreated)
	}
}

func TestListImages_QueryError(t *testing.T) {
	f := &fakeCatalog{errorsJSON: `[{"message": "permission denied"}]`}
	c := newFakeCatalog(t, f)

	_, err := c.ListImages(context.Background())
	var qerr *QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected *QueryError, got %T: %v", err, err)
	}
	if len(qerr.Messages) != 1 || qerr.Messages[0] != "permission denied" {
		t.Errorf("Messages = %v", qerr.Messages)
	}
}

func TestListImages_HTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	_, err := NewClient(cfg, nil).ListImages(context.Background())
	var terr *transport.Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *transport.Error, got %T: %v", err, err)
	}
}

func TestExportURL_Success(t *testing.T) {
	f := &fakeCatalog{}
	c := newFakeCatalog(t, f)

	url, err := c.ExportURL(context.Background(), "abc", FormatParquet)
	if err != nil {
		t.Fatalf("ExportURL error: %v", err)
	}
	if url != "https://exports.example.com/job-1.parquet" {
		t.Errorf("url = %q", url)
	}
	if f.queries[0] != `SELECT * FROM "splitgraph/socrata:abc".datasets` {
		t.Errorf("query = %q", f.queries[0])
	}
	if f.formats[0] != FormatParquet {
		t.Errorf("format = %q", f.formats[0])
	}
	if f.polls["job-1"] < 2 {
		t.Errorf("polls = %d, expected polling until terminal", f.polls["job-1"])
	}
}

func TestExportURL_RetriesWithFreshJob(t *testing.T) {
	f := &fakeCatalog{statuses: []string{StatusFailure, StatusRevoked, StatusSuccess}}
	c := newFakeCatalog(t, f)

	var retried []int
	c.OnExportRetry(func(attempt int, err error) { retried = append(retried, attempt) })

	url, err := c.ExportURL(context.Background(), "abc", FormatParquet)
	if err != nil {
		t.Fatalf("ExportURL error: %v", err)
	}
	if url != "https://exports.example.com/job-3.parquet" {
		t.Errorf("url = %q, want third job's output", url)
	}
	if len(f.started) != 3 {
		t.Errorf("started %d jobs, want 3", len(f.started))
	}
	if len(retried) != 2 {
		t.Errorf("retried = %v, want 2 retries", retried)
	}
}

func TestExportURL_ExhaustsAttempts(t *testing.T) {
	f := &fakeCatalog{statuses: []string{StatusFailure, StatusFailure, StatusFailure, StatusSuccess}}
	c := newFakeCatalog(t, f)

	_, err := c.ExportURL(context.Background(), "abc", FormatParquet)
	var eerr *ExportFailedError
	if !errors.As(err, &eerr) {
		t.Fatalf("expected *ExportFailedError, got %T: %v", err, err)
	}
	if eerr.TaskID != "job-3" || eerr.Status != StatusFailure {
		t.Errorf("err = %+v", eerr)
	}
	if len(f.started) != 3 {
		t.Errorf("started %d jobs, want 3", len(f.started))
	}
}

func TestWaitForJob_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {"exportJobStatus": {"taskId": "x", "status": "PENDING"}}}`)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.Poll = PollConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Timeout: 20 * time.Millisecond}

	_, err := NewClient(cfg, nil).WaitForJob(context.Background(), "x")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNewClient_DefaultsPolling(t *testing.T) {
	c := NewClient(Config{Poll: PollConfig{MaxInterval: time.Millisecond}}, nil)
	want := DefaultConfig().Poll
	if c.cfg.Poll.Timeout != want.Timeout {
		t.Errorf("Timeout = %s, want %s", c.cfg.Poll.Timeout, want.Timeout)
	}
	if c.cfg.Poll.InitialInterval != want.InitialInterval {
		t.Errorf("InitialInterval = %s, want %s", c.cfg.Poll.InitialInterval, want.InitialInterval)
	}
	if c.cfg.Poll.MaxInterval != want.InitialInterval {
		t.Errorf("MaxInterval = %s, want %s", c.cfg.Poll.MaxInterval, want.InitialInterval)
	}
	if c.cfg.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", c.cfg.Attempts)
	}
}

func TestJobStatus_URL(t *testing.T) {
	s := &JobStatus{TaskID: "t", Output: json.RawMessage(`{"url": "https://x/y"}`)}
	if url, err := s.URL(); err != nil || url != "https://x/y" {
		t.Errorf("URL() = %q, %v", url, err)
	}
	empty := &JobStatus{TaskID: "t"}
	if _, err := empty.URL(); err == nil {
		t.Error("expected error for missing output")
	}
}
