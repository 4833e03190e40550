// Package transport holds the JSON-over-HTTP plumbing shared by the catalog
// and store clients.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single request when the caller does not supply an
// http.Client of its own.
const DefaultTimeout = 5 * time.Minute

// Error reports a failure to complete an HTTP exchange: the request could
// not be built, sent, or its response read.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Poster sends JSON documents to a single URL.
type Poster struct {
	httpClient *http.Client
	token      string
}

// NewPoster creates a Poster. A nil httpClient gets one with DefaultTimeout.
// An empty token sends requests anonymously.
func NewPoster(httpClient *http.Client, token string) *Poster {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Poster{httpClient: httpClient, token: token}
}

// PostJSON marshals body and POSTs it to url. The caller owns the returned
// response and must close its body.
func (p *Poster) PostJSON(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Op: "marshal request", URL: url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Op: "create request", URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: "post", URL: url, Err: err}
	}
	return resp, nil
}

// Get fetches url without the bearer token. Export download URLs carry
// their own credentials. The caller owns the returned response.
func (p *Poster) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Op: "create request", URL: url, Err: err}
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: "get", URL: url, Err: err}
	}
	return resp, nil
}
