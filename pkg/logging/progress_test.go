package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestProgressTracker_Counts(t *testing.T) {
	var buf bytes.Buffer
	pt := NewProgressTracker("ingest", 3, zerolog.New(&buf))

	pt.Started("20221027-000500")
	pt.RecordCompletion("20221027-000500", 100*time.Millisecond)

	if pt.Completed() != 1 || pt.Total() != 3 {
		t.Errorf("Completed/Total = %d/%d, want 1/3", pt.Completed(), pt.Total())
	}

	out := buf.String()
	if !strings.Contains(out, `"event":"item_started"`) {
		t.Errorf("missing item_started event: %s", out)
	}
	if !strings.Contains(out, `"event":"item_completed"`) {
		t.Errorf("missing item_completed event: %s", out)
	}
	if !strings.Contains(out, `"item":"20221027-000500"`) {
		t.Errorf("missing item field: %s", out)
	}
}

func TestProgressTracker_ETA(t *testing.T) {
	pt := NewProgressTracker("ingest", 10, zerolog.Nop())

	if eta := pt.ETA(); eta != 0 {
		t.Errorf("ETA before any completion = %v, want 0", eta)
	}

	pt.RecordCompletion("a", 100*time.Millisecond)
	pt.RecordCompletion("b", 100*time.Millisecond)

	if eta := pt.ETA(); eta != 800*time.Millisecond {
		t.Errorf("ETA = %v, want 800ms", eta)
	}
}

func TestProgressTracker_MovingWindow(t *testing.T) {
	pt := NewProgressTracker("ingest", 100, zerolog.Nop())
	for i := 0; i < recentWindow; i++ {
		pt.RecordCompletion("slow", time.Second)
	}
	for i := 0; i < recentWindow; i++ {
		pt.RecordCompletion("fast", time.Millisecond)
	}

	// Only the fast window should count: 80 remaining * 1ms.
	if eta := pt.ETA(); eta != 80*time.Millisecond {
		t.Errorf("ETA = %v, want 80ms", eta)
	}
}

func TestProgressTracker_Done(t *testing.T) {
	pt := NewProgressTracker("ingest", 1, zerolog.Nop())
	pt.RecordCompletion("only", time.Second)
	if eta := pt.ETA(); eta != 0 {
		t.Errorf("ETA when done = %v, want 0", eta)
	}
}

func TestCompletionEvent_Fields(t *testing.T) {
	var buf bytes.Buffer
	PhaseComplete(zerolog.New(&buf), "ingest", 2*time.Second).
		Int("loaded", 3).
		Bool("dry_run", false).
		Count("rows", 1500).
		Progress(3, 4, 0).
		Log("ingestion finished")

	out := buf.String()
	for _, want := range []string{
		`"event":"phase_completed"`,
		`"phase":"ingest"`,
		`"duration_ms":2000`,
		`"loaded":3`,
		`"dry_run":false`,
		`"rows":1500`,
		`"progress_pct":75`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
	if strings.Contains(out, "eta_ms") {
		t.Errorf("unexpected eta_ms with zero ETA: %s", out)
	}
}

func TestCompletionEvent_PrettyCompanions(t *testing.T) {
	Init(false, true)
	defer Init(false, false)

	var buf bytes.Buffer
	NewCompletionEvent(zerolog.New(&buf), "export_checked", "ingest", time.Second).
		Bytes("size", 2048).
		Log("checked")

	if !strings.Contains(buf.String(), `"size_h":"2.00 KiB"`) {
		t.Errorf("missing human companion: %s", buf.String())
	}
}

func TestCompletionEvent_Throughput(t *testing.T) {
	var buf bytes.Buffer
	NewCompletionEvent(zerolog.New(&buf), "export_checked", "ingest", 2*time.Second).
		Throughput("bytes_per_sec", 1048576).
		Log("checked")
	if !strings.Contains(buf.String(), `"bytes_per_sec":524288`) {
		t.Errorf("missing rate: %s", buf.String())
	}
	if strings.Contains(buf.String(), "bytes_per_sec_h") {
		t.Errorf("unexpected human companion outside pretty mode: %s", buf.String())
	}

	Init(false, true)
	defer Init(false, false)
	buf.Reset()
	NewCompletionEvent(zerolog.New(&buf), "export_checked", "ingest", 2*time.Second).
		Throughput("bytes_per_sec", 1048576).
		Log("checked")
	if !strings.Contains(buf.String(), `"bytes_per_sec_h":"512.00 KiB/s"`) {
		t.Errorf("missing human rate: %s", buf.String())
	}
}
