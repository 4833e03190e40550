// Package store talks to the analytical store's HTTP query endpoint.
//
// Every statement, DDL or query, is a POST of {"query": sql} to
// {endpoint}/q. Result rows come back as newline-delimited JSON objects; a
// statement without a result set answers with an empty body.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/eunmann/imgsync/internal/logctx"
	"github.com/eunmann/imgsync/pkg/transport"
)

// maxErrorBody caps how much of a failed response is kept in RequestError.
const maxErrorBody = 64 * 1024

// Row is one decoded result row keyed by column name.
type Row map[string]any

// RequestError is returned when the store answers with a non-2xx status.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("store request failed with status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client issues SQL to a single store endpoint.
type Client struct {
	endpoint string
	poster   *transport.Poster
}

// NewClient creates a store client. An empty token queries anonymously; a nil
// httpClient uses transport defaults.
func NewClient(endpoint, token string, httpClient *http.Client) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		poster:   transport.NewPoster(httpClient, token),
	}
}

type queryRequest struct {
	Query string `json:"query"`
}

// Query submits sql and returns a lazy iterator over the result rows. The
// iterator reads straight from the response body; the only way to see the
// rows again is to re-issue the query.
func (c *Client) Query(ctx context.Context, sql string) (*Rows, error) {
	url := c.endpoint + "/q"
	log := logctx.FromContext(ctx)
	log.Debug().Str("sql", sql).Msg("store query")

	resp, err := c.poster.PostJSON(ctx, url, queryRequest{Query: sql})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return nil, &transport.Error{Op: "read error response", URL: url, Err: readErr}
		}
		log.Error().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg("store rejected query")
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return &Rows{body: resp.Body, dec: dec, url: url}, nil
}

// ExecuteOrQuery runs sql and collects every row. A successful empty
// response yields nil rows, which callers can tell apart from a non-nil
// slice only by that nil-ness; any statement that returned rows yields at
// least one.
func (c *Client) ExecuteOrQuery(ctx context.Context, sql string) ([]Row, error) {
	rows, err := c.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		out = append(out, rows.Row())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Rows iterates newline-delimited JSON rows from a store response.
type Rows struct {
	body   io.ReadCloser
	dec    *json.Decoder
	url    string
	cur    Row
	err    error
	closed bool
}

// Next advances to the next row. It returns false at the end of the
// response or on error; check Err afterwards.
func (r *Rows) Next() bool {
	if r.closed || r.err != nil {
		return false
	}

	var row Row
	if err := r.dec.Decode(&row); err != nil {
		if !errors.Is(err, io.EOF) {
			r.err = &transport.Error{Op: "decode row", URL: r.url, Err: err}
		}
		r.cur = nil
		r.Close()
		return false
	}
	r.cur = row
	return true
}

// Row returns the current row.
func (r *Rows) Row() Row {
	return r.cur
}

// Err returns the first decode or read error, if any.
func (r *Rows) Err() error {
	return r.err
}

// Close releases the response body. It is safe to call more than once.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.body.Close()
}
