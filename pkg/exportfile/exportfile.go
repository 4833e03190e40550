// Package exportfile downloads exported images before they are loaded so
// they can be checked and archived.
package exportfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/imgsync/internal/logctx"
	"github.com/eunmann/imgsync/pkg/catalog"
	"github.com/eunmann/imgsync/pkg/logging"
	"github.com/eunmann/imgsync/pkg/transport"
)

// Archiver keeps a copy of an exported image and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, img catalog.Image, body io.ReadSeeker, size int64) (string, error)
}

// MissingColumnsError is returned when an export lacks columns the history
// table loads from it.
type MissingColumnsError struct {
	Tag     string
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("export of %s is missing columns: %s", e.Tag, strings.Join(e.Missing, ", "))
}

// Summary describes a downloaded export.
type Summary struct {
	Bytes      int64
	Rows       int64
	Columns    []string
	ArchivedTo string
}

// Checker downloads each export once, then validates and archives it.
type Checker struct {
	http     *transport.Poster
	required []string
	validate bool
	archiver Archiver
	tempDir  string
}

// Option configures a Checker.
type Option func(*Checker)

// WithValidation opens the file as Parquet and requires the given columns.
func WithValidation(required []string) Option {
	return func(c *Checker) {
		c.validate = true
		c.required = append([]string(nil), required...)
	}
}

// WithArchiver copies the file to a.
func WithArchiver(a Archiver) Option {
	return func(c *Checker) { c.archiver = a }
}

// WithTempDir sets where downloads are buffered. The default is os.TempDir.
func WithTempDir(dir string) Option {
	return func(c *Checker) { c.tempDir = dir }
}

// NewChecker creates a Checker. A nil httpClient uses the transport default.
func NewChecker(httpClient *http.Client, opts ...Option) *Checker {
	c := &Checker{http: transport.NewPoster(httpClient, "")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether the Checker has anything to do.
func (c *Checker) Enabled() bool {
	return c.validate || c.archiver != nil
}

// CheckExport implements the reconcile export hook.
func (c *Checker) CheckExport(ctx context.Context, img catalog.Image, url string) error {
	_, err := c.Check(ctx, img, url)
	return err
}

// Check downloads the export at url and runs the configured steps on it.
func (c *Checker) Check(ctx context.Context, img catalog.Image, url string) (*Summary, error) {
	log := logctx.FromContext(ctx)
	start := time.Now()

	f, size, err := c.download(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("download export of %s: %w", img.Tag, err)
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	sum := &Summary{Bytes: size}
	if c.validate {
		inspected, err := Inspect(f, size, c.required)
		if err != nil {
			var mc *MissingColumnsError
			if errors.As(err, &mc) {
				mc.Tag = img.Tag
			}
			return nil, err
		}
		sum.Rows = inspected.Rows
		sum.Columns = inspected.Columns
	}

	if c.archiver != nil {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek temp file: %w", err)
		}
		dest, err := c.archiver.Archive(ctx, img, f, size)
		if err != nil {
			return nil, fmt.Errorf("archive export of %s: %w", img.Tag, err)
		}
		sum.ArchivedTo = dest
	}

	ev := logging.NewCompletionEvent(log, "export_checked", "ingest", time.Since(start)).
		Bytes("bytes", size).
		Throughput("bytes_per_sec", size).
		Bool("validated", c.validate)
	if c.validate {
		ev.Count("rows", sum.Rows)
	}
	if sum.ArchivedTo != "" {
		ev.Str("archived_to", sum.ArchivedTo)
	}
	ev.Log("export checked")
	return sum, nil
}

// download buffers the body at url to a temp file positioned at the start.
// Parquet needs random access.
func (c *Checker) download(ctx context.Context, url string) (*os.File, int64, error) {
	resp, err := c.http.Get(ctx, url)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, &transport.Error{Op: "download", URL: url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	tempFile, err := os.CreateTemp(c.tempDir, "imgsync-export-*.parquet")
	if err != nil {
		return nil, 0, fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(tempFile, resp.Body)
	if err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return nil, 0, &transport.Error{Op: "download", URL: url, Err: err}
	}
	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return nil, 0, fmt.Errorf("seek temp file: %w", err)
	}
	return tempFile, written, nil
}

// Inspect opens r as a Parquet file and checks that every required column
// is a top-level field.
func Inspect(r io.ReaderAt, size int64, required []string) (*Summary, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	fields := file.Schema().Fields()
	present := make(map[string]struct{}, len(fields))
	columns := make([]string, 0, len(fields))
	for _, field := range fields {
		present[field.Name()] = struct{}{}
		columns = append(columns, field.Name())
	}

	var missing []string
	for _, name := range required {
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Missing: missing}
	}

	return &Summary{Bytes: size, Rows: file.NumRows(), Columns: columns}, nil
}
