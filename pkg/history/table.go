// Package history owns the destination table that records every ingested
// image: its definition, bootstrap, the load script for one image, and the
// query that reports what has already been loaded.
package history

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/eunmann/imgsync/pkg/catalog"
	"github.com/eunmann/imgsync/pkg/sqlvalue"
)

// Provenance column names. Every other column is copied from the export.
const (
	ColImageHash    = "sg_image_hash"
	ColImageTag     = "sg_image_tag"
	ColImageCreated = "sg_image_created"
)

const provenancePrefix = "sg_"

// stagingNameLen is the length of the random part of a staging table name.
const stagingNameLen = 16

// Column is one destination column and its SQL type.
type Column struct {
	Name string
	Type string
}

// Table describes the destination history table.
type Table struct {
	Schema  string
	Name    string
	Columns []Column
}

// DefaultTable returns socrata.dataset_history.
func DefaultTable() Table {
	return Table{
		Schema: "socrata",
		Name:   "dataset_history",
		Columns: []Column{
			{"id", "TEXT"},
			{"domain", "TEXT"},
			{"name", "TEXT"},
			{"description", "TEXT"},
			{"updated_at", "TIMESTAMP"},
			{"created_at", "TIMESTAMP"},
			{"resource", "TEXT"},
			{"classification", "TEXT"},
			{"metadata", "TEXT"},
			{"permalink", "TEXT"},
			{"link", "TEXT"},
			{"owner", "TEXT"},
			{ColImageHash, "TEXT"},
			{ColImageTag, "TEXT"},
			{ColImageCreated, "TIMESTAMP"},
		},
	}
}

// QualifiedName returns schema.name.
func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

// SourceColumns returns the columns copied verbatim from an export, in
// table order.
func (t Table) SourceColumns() []string {
	var out []string
	for _, c := range t.Columns {
		if !strings.HasPrefix(c.Name, provenancePrefix) {
			out = append(out, c.Name)
		}
	}
	return out
}

func (t Table) columnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// CreateSQL returns the CREATE TABLE statement for t.
func (t Table) CreateSQL() string {
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = c.Name + " " + c.Type
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", t.QualifiedName(), strings.Join(defs, ",\n"))
}

// LoadScript returns the two-statement script that loads one exported
// image: an external staging table over the Parquet file at url, then an
// INSERT copying its rows with the image's provenance columns attached.
func (t Table) LoadScript(img catalog.Image, url string) string {
	return t.loadScript(img, url, RandomStagingName())
}

func (t Table) loadScript(img catalog.Image, url, staging string) string {
	external := fmt.Sprintf("CREATE EXTERNAL TABLE %s STORED AS PARQUET LOCATION %s", staging, sqlvalue.Emit(url))

	insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s, %s AS %s, %s AS %s, %s AS %s FROM staging.%s",
		t.QualifiedName(),
		strings.Join(t.columnNames(), ", "),
		strings.Join(t.SourceColumns(), ", "),
		sqlvalue.Emit(img.Hash), ColImageHash,
		sqlvalue.Emit(img.Tag), ColImageTag,
		sqlvalue.Emit(img.Created), ColImageCreated,
		staging,
	)
	return external + ";\n" + insert
}

// RandomStagingName returns tmp_ followed by 16 random lowercase letters.
func RandomStagingName() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	b.WriteString("tmp_")
	for range stagingNameLen {
		b.WriteByte(letters[rand.IntN(len(letters))])
	}
	return b.String()
}
