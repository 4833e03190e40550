package logging

import (
	"time"

	"github.com/eunmann/imgsync/pkg/humanfmt"
	"github.com/rs/zerolog"
)

// recentWindow is how many recent item durations feed the ETA.
const recentWindow = 10

// ProgressTracker follows a sequential run over a known number of items
// and estimates the time remaining. It is not safe for concurrent use.
type ProgressTracker struct {
	total     int
	completed int
	startTime time.Time
	log       zerolog.Logger
	phase     string
	recent    []time.Duration
}

// NewProgressTracker creates a tracker for total items.
func NewProgressTracker(phase string, total int, log zerolog.Logger) *ProgressTracker {
	return &ProgressTracker{
		total:     total,
		startTime: time.Now(),
		log:       log,
		phase:     phase,
		recent:    make([]time.Duration, 0, recentWindow),
	}
}

// Started logs that item label is about to be processed.
func (pt *ProgressTracker) Started(label string) {
	pt.log.Info().
		Str("event", "item_started").
		Str("phase", pt.phase).
		Str("item", label).
		Int("done", pt.completed).
		Int("total", pt.total).
		Msg("processing " + label)
}

// RecordCompletion records that one item took d and logs progress.
func (pt *ProgressTracker) RecordCompletion(label string, d time.Duration) {
	pt.completed++
	if len(pt.recent) == recentWindow {
		pt.recent = pt.recent[1:]
	}
	pt.recent = append(pt.recent, d)

	NewCompletionEvent(pt.log, "item_completed", pt.phase, d).
		Str("item", label).
		Progress(pt.completed, pt.total, pt.ETA()).
		Log("finished " + label)
}

// Completed returns the number of completed items.
func (pt *ProgressTracker) Completed() int {
	return pt.completed
}

// Total returns the number of items.
func (pt *ProgressTracker) Total() int {
	return pt.total
}

// Elapsed returns time since tracking started.
func (pt *ProgressTracker) Elapsed() time.Duration {
	return time.Since(pt.startTime)
}

// ETA estimates the remaining time from the moving average of recent
// item durations. It is zero before the first completion.
func (pt *ProgressTracker) ETA() time.Duration {
	remaining := pt.total - pt.completed
	if len(pt.recent) == 0 || remaining <= 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range pt.recent {
		sum += d
	}
	return sum / time.Duration(len(pt.recent)) * time.Duration(remaining)
}

// CompletionEvent helps build consistent completion log events.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	fields  map[string]interface{}
}

// NewCompletionEvent creates a new completion event builder.
func NewCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bool adds a bool field.
func (ce *CompletionEvent) Bool(key string, val bool) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Count adds count with optional human-readable companion.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Count(n)
	}
	return ce
}

// Bytes adds a byte count with optional human-readable companion.
func (ce *CompletionEvent) Bytes(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Bytes(n)
	}
	return ce
}

// Throughput adds the rate of bytes moved over the event's elapsed time,
// in bytes per second.
func (ce *CompletionEvent) Throughput(key string, bytes int64) *CompletionEvent {
	if ce.elapsed > 0 {
		ce.fields[key] = float64(bytes) / ce.elapsed.Seconds()
	}
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Throughput(bytes, ce.elapsed)
	}
	return ce
}

// Progress adds progress fields (done, total, percentage, optional ETA).
func (ce *CompletionEvent) Progress(done, total int, eta time.Duration) *CompletionEvent {
	ce.fields["done"] = done
	ce.fields["total"] = total
	if total > 0 {
		ce.fields["progress_pct"] = float64(done) * 100.0 / float64(total)
	}
	if eta > 0 {
		ce.fields["eta_ms"] = eta.Milliseconds()
		if IsPrettyMode() {
			ce.fields["eta_h"] = humanfmt.Duration(eta)
		}
	}
	return ce
}

// Log emits the completion event.
func (ce *CompletionEvent) Log(msg string) {
	e := ce.log.Info().
		Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())

	if IsPrettyMode() {
		e = e.Str("duration_h", humanfmt.Duration(ce.elapsed))
	}

	for k, v := range ce.fields {
		e = e.Interface(k, v)
	}

	e.Msg(msg)
}

// PhaseComplete starts a phase completion event.
func PhaseComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "phase_completed", phase, elapsed)
}
