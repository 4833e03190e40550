package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/eunmann/imgsync/pkg/transport"
)

type gqlRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// call runs one GraphQL operation and decodes its data into out.
func (c *Client) call(ctx context.Context, operation, query string, variables map[string]any, out any) error {
	if variables == nil {
		variables = map[string]any{}
	}
	url := c.cfg.Endpoint

	resp, err := c.poster.PostJSON(ctx, url, gqlRequest{
		Query:         query,
		OperationName: operation,
		Variables:     variables,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transport.Error{Op: "read " + operation, URL: url, Err: err}
	}

	var decoded gqlResponse
	jsonErr := json.Unmarshal(body, &decoded)

	// GraphQL servers report query errors with a 4xx and an errors payload;
	// prefer the payload when there is one.
	if jsonErr == nil && len(decoded.Errors) > 0 {
		msgs := make([]string, len(decoded.Errors))
		for i, e := range decoded.Errors {
			msgs[i] = e.Message
		}
		return &QueryError{Operation: operation, Messages: msgs}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &transport.Error{
			Op:  operation,
			URL: url,
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 512)),
		}
	}
	if jsonErr != nil {
		return &transport.Error{Op: "decode " + operation, URL: url, Err: jsonErr}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Data, out); err != nil {
		return &transport.Error{Op: "decode " + operation + " data", URL: url, Err: err}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
