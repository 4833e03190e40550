// Package storetest provides an in-memory stand-in for the analytical store
// that understands the statements imgsync issues.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/eunmann/imgsync/pkg/store"
)

var (
	reTableExists  = regexp.MustCompile(`information_schema\.tables WHERE table_schema = '([^']*)' AND table_name = '([^']*)'`)
	reSchemaExists = regexp.MustCompile(`information_schema\.tables WHERE table_schema = '([^']*)'$`)
	reCreateSchema = regexp.MustCompile(`^CREATE SCHEMA (\w+)$`)
	reCreateAs     = regexp.MustCompile(`(?s)^CREATE TABLE (\w+)\.(\w+) AS \((.*)\)$`)
	reCreateTable  = regexp.MustCompile(`(?s)^CREATE TABLE (\w+)\.(\w+) \(`)
	reDropTable    = regexp.MustCompile(`^DROP TABLE (\w+)\.(\w+)$`)
	reExternal     = regexp.MustCompile(`^CREATE EXTERNAL TABLE (\w+) STORED AS PARQUET LOCATION '([^']*)'$`)
	reInsert       = regexp.MustCompile(`^INSERT INTO (\w+)\.(\w+) \(.*\) SELECT .*'([^']*)' AS sg_image_hash, '([^']*)' AS sg_image_tag, '([^']*)' AS sg_image_created FROM staging\.(\w+)$`)
	reSelectTags   = regexp.MustCompile(`^SELECT DISTINCT sg_image_hash, sg_image_tag, sg_image_created FROM (\w+)\.(\w+)`)
)

// Fake is an in-memory store. The zero value is empty and ready to use.
type Fake struct {
	mu sync.Mutex

	schemas  map[string]bool
	tables   map[string]string // qualified name -> definition
	staging  map[string]string // staging table -> location
	history  map[string][]store.Row
	requests []string

	// FailOn makes any request containing the substring fail with a 500.
	FailOn string
	// FailBody is the body of the injected failure.
	FailBody string
	lastAuth string
}

func (f *Fake) init() {
	if f.schemas == nil {
		f.schemas = map[string]bool{}
		f.tables = map[string]string{}
		f.staging = map[string]string{}
		f.history = map[string][]store.Row{}
	}
}

// AddTable registers an existing table.
func (f *Fake) AddTable(schema, name, definition string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.schemas[schema] = true
	f.tables[schema+"."+name] = definition
}

// AddHistory appends an already-ingested image row to schema.name.
func (f *Fake) AddHistory(schema, name, hash, tag, created string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	q := schema + "." + name
	f.history[q] = append(f.history[q], store.Row{
		"sg_image_hash":    hash,
		"sg_image_tag":     tag,
		"sg_image_created": created,
	})
}

// Tables returns the qualified names of all tables, sorted.
func (f *Fake) Tables() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.tables))
	for name := range f.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definition returns the body a table was created from.
func (f *Fake) Definition(qualified string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.tables[qualified]
	return def, ok
}

// HistoryTags returns the tags loaded into schema.name in insertion order.
func (f *Fake) HistoryTags(qualified string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tags []string
	for _, row := range f.history[qualified] {
		tags = append(tags, row["sg_image_tag"].(string))
	}
	return tags
}

// LastAuth returns the Authorization header of the last HTTP request.
func (f *Fake) LastAuth() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

// Requests returns every request received, in order.
func (f *Fake) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Mutations returns the requests that were not read-only SELECTs.
func (f *Fake) Mutations() []string {
	var out []string
	for _, r := range f.Requests() {
		if !strings.HasPrefix(strings.TrimSpace(r), "SELECT") {
			out = append(out, r)
		}
	}
	return out
}

// ExecuteOrQuery implements the store client contract in memory.
func (f *Fake) ExecuteOrQuery(_ context.Context, sql string) ([]store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.requests = append(f.requests, sql)

	if f.FailOn != "" && strings.Contains(sql, f.FailOn) {
		return nil, &store.RequestError{StatusCode: http.StatusInternalServerError, Body: f.FailBody}
	}

	var out []store.Row
	for _, stmt := range splitStatements(sql) {
		rows, err := f.exec(stmt)
		if err != nil {
			return nil, &store.RequestError{StatusCode: http.StatusBadRequest, Body: err.Error()}
		}
		out = append(out, rows...)
	}
	return out, nil
}

func splitStatements(sql string) []string {
	var out []string
	for _, part := range strings.Split(sql, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (f *Fake) exec(stmt string) ([]store.Row, error) {
	exists := []store.Row{{"exists": json.Number("1")}}

	switch {
	case reTableExists.MatchString(stmt):
		m := reTableExists.FindStringSubmatch(stmt)
		if _, ok := f.tables[m[1]+"."+m[2]]; ok {
			return exists, nil
		}
		return nil, nil

	case reSchemaExists.MatchString(stmt):
		m := reSchemaExists.FindStringSubmatch(stmt)
		for name := range f.tables {
			if strings.HasPrefix(name, m[1]+".") {
				return exists, nil
			}
		}
		return nil, nil

	case reCreateSchema.MatchString(stmt):
		m := reCreateSchema.FindStringSubmatch(stmt)
		if f.schemas[m[1]] {
			return nil, fmt.Errorf("schema %s already exists", m[1])
		}
		f.schemas[m[1]] = true
		return nil, nil

	case reCreateAs.MatchString(stmt):
		m := reCreateAs.FindStringSubmatch(stmt)
		return nil, f.createTable(m[1], m[2], strings.TrimSpace(m[3]))

	case reCreateTable.MatchString(stmt):
		m := reCreateTable.FindStringSubmatch(stmt)
		return nil, f.createTable(m[1], m[2], stmt)

	case reDropTable.MatchString(stmt):
		m := reDropTable.FindStringSubmatch(stmt)
		q := m[1] + "." + m[2]
		if _, ok := f.tables[q]; !ok {
			return nil, fmt.Errorf("table %s does not exist", q)
		}
		delete(f.tables, q)
		delete(f.history, q)
		return nil, nil

	case reExternal.MatchString(stmt):
		m := reExternal.FindStringSubmatch(stmt)
		if _, ok := f.staging[m[1]]; ok {
			return nil, fmt.Errorf("staging table %s already exists", m[1])
		}
		f.staging[m[1]] = m[2]
		return nil, nil

	case reInsert.MatchString(stmt):
		m := reInsert.FindStringSubmatch(stmt)
		q := m[1] + "." + m[2]
		if _, ok := f.tables[q]; !ok {
			return nil, fmt.Errorf("table %s does not exist", q)
		}
		if _, ok := f.staging[m[6]]; !ok {
			return nil, fmt.Errorf("staging table %s does not exist", m[6])
		}
		f.history[q] = append(f.history[q], store.Row{
			"sg_image_hash":    m[3],
			"sg_image_tag":     m[4],
			"sg_image_created": m[5],
		})
		return nil, nil

	case reSelectTags.MatchString(stmt):
		m := reSelectTags.FindStringSubmatch(stmt)
		q := m[1] + "." + m[2]
		if _, ok := f.tables[q]; !ok {
			return nil, fmt.Errorf("table %s does not exist", q)
		}
		seen := map[string]bool{}
		var rows []store.Row
		for _, row := range f.history[q] {
			key := row["sg_image_tag"].(string)
			if !seen[key] {
				seen[key] = true
				rows = append(rows, row)
			}
		}
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i]["sg_image_created"].(string) < rows[j]["sg_image_created"].(string)
		})
		return rows, nil
	}
	return nil, fmt.Errorf("unsupported statement: %s", stmt)
}

func (f *Fake) createTable(schema, name, definition string) error {
	q := schema + "." + name
	if !f.schemas[schema] {
		return fmt.Errorf("schema %s does not exist", schema)
	}
	if _, ok := f.tables[q]; ok {
		return fmt.Errorf("table %s already exists", q)
	}
	f.tables[q] = definition
	return nil
}

// Server serves f over the store's HTTP protocol until the test ends.
func (f *Fake) Server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/q" {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		f.mu.Unlock()

		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		rows, err := f.ExecuteOrQuery(r.Context(), req.Query)
		if err != nil {
			reqErr := err.(*store.RequestError)
			http.Error(w, reqErr.Body, reqErr.StatusCode)
			return
		}
		enc := json.NewEncoder(w)
		for _, row := range rows {
			_ = enc.Encode(row)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}
