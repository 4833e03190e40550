package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eunmann/imgsync/internal/logctx"
	"github.com/eunmann/imgsync/pkg/catalog"
	"github.com/eunmann/imgsync/pkg/sqlvalue"
	"github.com/eunmann/imgsync/pkg/store"
)

// emptyPartitionMarker appears in the store's error when it scans a table
// that has never had data written to it.
const emptyPartitionMarker = "CoalescePartitionsExec requires at least one input partition"

// Executor runs SQL against the analytical store.
type Executor interface {
	ExecuteOrQuery(ctx context.Context, sql string) ([]store.Row, error)
}

// BootstrapResult reports what Bootstrap had to create.
type BootstrapResult struct {
	CreatedSchema bool
	CreatedTable  bool
}

// SchemaExists reports whether any table lives in schema.
func SchemaExists(ctx context.Context, ex Executor, schema string) (bool, error) {
	rows, err := ex.ExecuteOrQuery(ctx, fmt.Sprintf(
		"SELECT 1 AS exists FROM information_schema.tables WHERE table_schema = %s",
		sqlvalue.Emit(schema)))
	if err != nil {
		return false, fmt.Errorf("check schema %s: %w", schema, err)
	}
	return len(rows) > 0, nil
}

// TableExists reports whether schema.name exists.
func TableExists(ctx context.Context, ex Executor, schema, name string) (bool, error) {
	rows, err := ex.ExecuteOrQuery(ctx, fmt.Sprintf(
		"SELECT 1 AS exists FROM information_schema.tables WHERE table_schema = %s AND table_name = %s",
		sqlvalue.Emit(schema), sqlvalue.Emit(name)))
	if err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schema, name, err)
	}
	return len(rows) > 0, nil
}

// Status is what Inspect found in the store.
type Status struct {
	SchemaExists bool
	TableExists  bool
}

// Inspect checks, without changing anything, whether the schema and table
// of t exist.
func Inspect(ctx context.Context, ex Executor, t Table) (Status, error) {
	var st Status
	var err error
	if st.SchemaExists, err = SchemaExists(ctx, ex, t.Schema); err != nil {
		return st, err
	}
	if st.TableExists, err = TableExists(ctx, ex, t.Schema, t.Name); err != nil {
		return st, err
	}
	return st, nil
}

// Bootstrap creates the schema and table of t when they are missing. Both
// are checked before either is created. It is safe to call on every run.
func Bootstrap(ctx context.Context, ex Executor, t Table) (BootstrapResult, error) {
	var res BootstrapResult
	log := logctx.FromContext(ctx)

	st, err := Inspect(ctx, ex, t)
	if err != nil {
		return res, err
	}

	if !st.SchemaExists {
		if _, err := ex.ExecuteOrQuery(ctx, "CREATE SCHEMA "+t.Schema); err != nil {
			return res, fmt.Errorf("create schema %s: %w", t.Schema, err)
		}
		res.CreatedSchema = true
		log.Info().Str("schema", t.Schema).Msg("created schema")
	}
	if !st.TableExists {
		if _, err := ex.ExecuteOrQuery(ctx, t.CreateSQL()); err != nil {
			return res, fmt.Errorf("create table %s: %w", t.QualifiedName(), err)
		}
		res.CreatedTable = true
		log.Info().Str("table", t.QualifiedName()).Msg("created table")
	}
	return res, nil
}

// Ingested returns the distinct images already loaded into t, oldest
// first. A table the store cannot scan because nothing was ever written to
// it counts as empty.
func Ingested(ctx context.Context, ex Executor, t Table) ([]catalog.Image, error) {
	rows, err := ex.ExecuteOrQuery(ctx, fmt.Sprintf(
		"SELECT DISTINCT %s, %s, %s FROM %s ORDER BY %s ASC",
		ColImageHash, ColImageTag, ColImageCreated, t.QualifiedName(), ColImageCreated))
	if err != nil {
		var reqErr *store.RequestError
		if errors.As(err, &reqErr) && strings.Contains(reqErr.Body, emptyPartitionMarker) {
			log := logctx.FromContext(ctx)
			log.Warn().Msg("saw CoalescePartitionsExec error, assuming the table is empty")
			return nil, nil
		}
		return nil, fmt.Errorf("list ingested images: %w", err)
	}

	images := make([]catalog.Image, 0, len(rows))
	for _, row := range rows {
		img, err := imageFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("list ingested images: %w", err)
		}
		images = append(images, img)
	}
	return images, nil
}

func imageFromRow(row store.Row) (catalog.Image, error) {
	hash, _ := row[ColImageHash].(string)
	tag, ok := row[ColImageTag].(string)
	if !ok {
		return catalog.Image{}, fmt.Errorf("row without %s: %v", ColImageTag, row)
	}
	createdText, ok := row[ColImageCreated].(string)
	if !ok {
		return catalog.Image{}, fmt.Errorf("image %s: row without %s", tag, ColImageCreated)
	}
	created, err := catalog.ParseCreated(createdText)
	if err != nil {
		return catalog.Image{}, fmt.Errorf("image %s: %w", tag, err)
	}
	return catalog.Image{Hash: hash, Tag: tag, Created: created}, nil
}
