// Package reconcile brings the store's image history up to date with the
// catalog.
//
// A run moves through fixed states:
//
//	bootstrap -> diff -> [nothing to do | dry run] -> ingest -> done
//
// The store is the only record of progress. Every run re-derives the work
// list from the tags already loaded, so a run that fails part-way can simply
// be started again: images loaded before the failure stay loaded and are
// skipped next time.
//
// The engine assumes it is the only writer. Two concurrent runs against the
// same table can both load an image that neither saw at start-up.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/eunmann/imgsync/internal/logctx"
	"github.com/eunmann/imgsync/pkg/catalog"
	"github.com/eunmann/imgsync/pkg/history"
	"github.com/eunmann/imgsync/pkg/logging"
)

// State names a step of a run. It is attached to log lines as "phase".
type State string

const (
	StateBootstrap State = "bootstrap"
	StateDiff      State = "diff"
	StateIngest    State = "ingest"
	StateDone      State = "done"
)

// Catalog lists images and exports them for download.
type Catalog interface {
	ListImages(ctx context.Context) ([]catalog.Image, error)
	ExportURL(ctx context.Context, imageHash, format string) (string, error)
}

// ExportHook inspects an exported image before it is loaded. An error
// aborts the run.
type ExportHook interface {
	CheckExport(ctx context.Context, img catalog.Image, url string) error
}

// ExportHookFunc adapts a function to ExportHook.
type ExportHookFunc func(ctx context.Context, img catalog.Image, url string) error

// CheckExport calls f.
func (f ExportHookFunc) CheckExport(ctx context.Context, img catalog.Image, url string) error {
	return f(ctx, img, url)
}

// Observer receives run measurements.
type Observer interface {
	ObservePlan(candidates, ingested, planned int)
	ObserveLoad(img catalog.Image, d time.Duration)
	ObserveFailure(state State)
}

type nopObserver struct{}

func (nopObserver) ObservePlan(int, int, int)                {}
func (nopObserver) ObserveLoad(catalog.Image, time.Duration) {}
func (nopObserver) ObserveFailure(State)                     {}

// Options configures a run.
type Options struct {
	Table history.Table
	// Daily keeps only the earliest image per calendar day.
	Daily bool
	// MaxImages caps how many images one run loads; zero means no cap.
	MaxImages int
	// DryRun reports the work list without changing the store.
	DryRun bool
	// Format is the export format; it must be something the store can
	// read as an external table.
	Format   string
	Hooks    []ExportHook
	Observer Observer
}

// Report summarizes a run.
type Report struct {
	Candidates int
	Ingested   int
	Latest     *catalog.Image
	Planned    []catalog.Image
	Loaded     int
	DryRun     bool
	// TableMissing is set on dry runs against a store that was never
	// bootstrapped.
	TableMissing bool
}

// Engine runs reconciliation between one catalog and one store.
type Engine struct {
	catalog Catalog
	store   history.Executor
	opts    Options
}

// New creates an Engine.
func New(c Catalog, s history.Executor, opts Options) *Engine {
	if opts.Format == "" {
		opts.Format = catalog.FormatParquet
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Engine{catalog: c, store: s, opts: opts}
}

// Run performs one reconciliation. On failure the returned report still
// describes the work done up to that point.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{DryRun: e.opts.DryRun}

	// bootstrap
	tableReady, err := e.bootstrap(phase(ctx, StateBootstrap))
	if err != nil {
		e.opts.Observer.ObserveFailure(StateBootstrap)
		return report, err
	}
	report.TableMissing = !tableReady

	// diff
	plan, err := e.diff(phase(ctx, StateDiff), tableReady)
	if err != nil {
		e.opts.Observer.ObserveFailure(StateDiff)
		return report, err
	}
	report.Candidates = len(plan.Candidates)
	report.Ingested = len(plan.Ingested)
	report.Planned = plan.ToIngest
	if latest, ok := plan.Latest(); ok {
		report.Latest = &latest
	}
	e.opts.Observer.ObservePlan(len(plan.Candidates), len(plan.Ingested), len(plan.ToIngest))

	log := logctx.FromContext(phase(ctx, StateDone))
	if len(plan.ToIngest) == 0 {
		log.Info().Msg("nothing to do")
		return report, nil
	}

	first, last := plan.ToIngest[0], plan.ToIngest[len(plan.ToIngest)-1]
	log.Info().
		Int("images", len(plan.ToIngest)).
		Str("first_tag", first.Tag).
		Str("last_tag", last.Tag).
		Msgf("need to ingest %d image(s) (%s .. %s)", len(plan.ToIngest), first.Tag, last.Tag)

	if e.opts.DryRun {
		log.Info().Msg("dry run, returning")
		return report, nil
	}

	// ingest
	start := time.Now()
	ictx := phase(ctx, StateIngest)
	root := logctx.FromContext(ctx)
	progress := logging.NewProgressTracker(string(StateIngest), len(plan.ToIngest), root)
	for _, img := range plan.ToIngest {
		progress.Started(img.Tag)
		imgStart := time.Now()

		if err := e.ingestOne(logctx.WithImage(ictx, img.Hash, img.Tag), img); err != nil {
			e.opts.Observer.ObserveFailure(StateIngest)
			return report, fmt.Errorf("ingest image %s: %w", img.Tag, err)
		}

		d := time.Since(imgStart)
		report.Loaded++
		e.opts.Observer.ObserveLoad(img, d)
		progress.RecordCompletion(img.Tag, d)
	}

	logging.PhaseComplete(root, string(StateIngest), time.Since(start)).
		Int("loaded", report.Loaded).
		Log("all done")
	return report, nil
}

// bootstrap makes sure the history table exists and reports whether it
// does. Dry runs only look.
func (e *Engine) bootstrap(ctx context.Context) (bool, error) {
	if e.opts.DryRun {
		st, err := history.Inspect(ctx, e.store, e.opts.Table)
		if err != nil {
			return false, err
		}
		if !st.TableExists {
			log := logctx.FromContext(ctx)
			log.Info().
				Str("table", e.opts.Table.QualifiedName()).
				Msg("history table missing, a real run would create it")
		}
		return st.TableExists, nil
	}

	if _, err := history.Bootstrap(ctx, e.store, e.opts.Table); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) diff(ctx context.Context, tableReady bool) (Plan, error) {
	log := logctx.FromContext(ctx)

	log.Info().Msg("getting all current catalog images")
	all, err := e.catalog.ListImages(ctx)
	if err != nil {
		return Plan{}, err
	}
	log.Info().Int("images", len(all)).Msgf("got %d image(s)", len(all))

	var ingested []catalog.Image
	if tableReady {
		if ingested, err = history.Ingested(ctx, e.store, e.opts.Table); err != nil {
			return Plan{}, err
		}
	}

	plan := NewPlan(all, ingested, e.opts.Daily, e.opts.MaxImages)

	ev := log.Info().
		Int("ingested", len(plan.Ingested)).
		Int("candidates", len(plan.Candidates))
	if latest, ok := plan.Latest(); ok {
		ev = ev.Str("latest_tag", latest.Tag)
	}
	ev.Msgf("store contains %d image(s)", len(plan.Ingested))
	return plan, nil
}

// ingestOne exports img and loads it with a single store request.
func (e *Engine) ingestOne(ctx context.Context, img catalog.Image) error {
	url, err := e.catalog.ExportURL(ctx, img.Hash, e.opts.Format)
	if err != nil {
		return err
	}

	for _, hook := range e.opts.Hooks {
		if err := hook.CheckExport(ctx, img, url); err != nil {
			return err
		}
	}

	if _, err := e.store.ExecuteOrQuery(ctx, e.opts.Table.LoadScript(img, url)); err != nil {
		return err
	}
	return nil
}

func phase(ctx context.Context, s State) context.Context {
	return logctx.WithStr(ctx, "phase", string(s))
}
