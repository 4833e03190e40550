// Package models rebuilds the derived tables that summarize the ingested
// dataset history.
//
// Each model is a fixed SQL query stored as <name>.sql. Building a model
// drops the table of the same name when it exists and recreates it from the
// query in a single request. There is no atomic swap: readers can observe
// the table missing between the drop and the create.
package models

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/eunmann/imgsync/internal/logctx"
	"github.com/eunmann/imgsync/pkg/history"
	"github.com/eunmann/imgsync/pkg/logging"
)

//go:embed sql/*.sql
var embedded embed.FS

// DefaultOrder is the order models are built in.
var DefaultOrder = []string{"all_datasets", "daily_diff", "monthly_diff", "weekly_diff"}

// ErrModelNotFound is returned when a model has no definition.
var ErrModelNotFound = errors.New("model definition not found")

// Definitions returns the model definitions compiled into the binary.
func Definitions() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Builder materializes models into a schema of the store.
type Builder struct {
	store  history.Executor
	schema string
	defs   fs.FS
	order  []string
}

// NewBuilder returns a Builder that reads <name>.sql files from defs. A nil
// defs uses the compiled-in definitions.
func NewBuilder(ex history.Executor, schema string, defs fs.FS) *Builder {
	if defs == nil {
		defs = Definitions()
	}
	return &Builder{store: ex, schema: schema, defs: defs, order: DefaultOrder}
}

// WithOrder overrides the list of models to build.
func (b *Builder) WithOrder(names []string) *Builder {
	b.order = append([]string(nil), names...)
	return b
}

// Model is a loaded definition.
type Model struct {
	Name string
	Body string
}

// Load reads every model in build order. It fails before anything is built
// if a definition is missing.
func (b *Builder) Load() ([]Model, error) {
	out := make([]Model, 0, len(b.order))
	for _, name := range b.order {
		data, err := fs.ReadFile(b.defs, name+".sql")
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
			}
			return nil, fmt.Errorf("read model %s: %w", name, err)
		}
		out = append(out, Model{Name: name, Body: trimBody(string(data))})
	}
	return out, nil
}

// Build rebuilds every model in order and returns the qualified names of
// the tables it created.
func (b *Builder) Build(ctx context.Context) ([]string, error) {
	models, err := b.Load()
	if err != nil {
		return nil, err
	}

	log := logctx.FromContext(ctx)
	start := time.Now()
	built := make([]string, 0, len(models))
	for _, m := range models {
		if err := b.build(ctx, m); err != nil {
			return built, err
		}
		built = append(built, b.qualified(m.Name))
	}

	logging.PhaseComplete(log, "models", time.Since(start)).
		Int("models", len(built)).
		Str("schema", b.schema).
		Log("models rebuilt")
	return built, nil
}

func (b *Builder) build(ctx context.Context, m Model) error {
	log := logctx.FromContext(ctx).With().Str("model", m.Name).Logger()

	exists, err := history.TableExists(ctx, b.store, b.schema, m.Name)
	if err != nil {
		return fmt.Errorf("build model %s: %w", m.Name, err)
	}
	if exists {
		log.Info().Msg("model exists, dropping")
	}
	log.Info().Msg("building model")

	if _, err := b.store.ExecuteOrQuery(ctx, b.Script(m, exists)); err != nil {
		return fmt.Errorf("build model %s: %w", m.Name, err)
	}
	return nil
}

// Script returns the request that replaces m.
func (b *Builder) Script(m Model, exists bool) string {
	var sb strings.Builder
	q := b.qualified(m.Name)
	if exists {
		sb.WriteString("DROP TABLE " + q + ";\n")
	}
	sb.WriteString("CREATE TABLE " + q + " AS (\n")
	sb.WriteString(m.Body)
	sb.WriteString("\n);")
	return sb.String()
}

func (b *Builder) qualified(name string) string {
	return b.schema + "." + name
}

func trimBody(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ";")
}
