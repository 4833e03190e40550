package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eunmann/imgsync/internal/logctx"
	"github.com/eunmann/imgsync/pkg/retry"
)

// FormatParquet is the export format loaded into the store.
const FormatParquet = "parquet"

// Export job states. Anything other than these is still running.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusRevoked = "REVOKED"
)

var errJobRunning = errors.New("export job still running")

const startExportMutation = `mutation StartExport($query: String!, $format: String! = "csv") {
  exportQuery(query: $query, exportFormat: $format) {
    id
  }
}`

const exportJobStatusQuery = `query ExportJobStatus($taskId: UUID!) {
  exportJobStatus(taskId: $taskId) {
    taskId
    started
    finished
    status
    userId
    exportFormat
    output
  }
}`

// JobStatus is the state of one export job.
type JobStatus struct {
	TaskID       string          `json:"taskId"`
	Started      string          `json:"started"`
	Finished     string          `json:"finished"`
	Status       string          `json:"status"`
	UserID       string          `json:"userId"`
	ExportFormat string          `json:"exportFormat"`
	Output       json.RawMessage `json:"output"`
}

// Terminal reports whether the job will not change state again.
func (s *JobStatus) Terminal() bool {
	switch s.Status {
	case StatusSuccess, StatusFailure, StatusRevoked:
		return true
	}
	return false
}

// URL returns the download URL of a successful job.
func (s *JobStatus) URL() (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if len(s.Output) == 0 {
		return "", fmt.Errorf("export job %s succeeded without output", s.TaskID)
	}
	if err := json.Unmarshal(s.Output, &out); err != nil {
		return "", fmt.Errorf("decode output of export job %s: %w", s.TaskID, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("export job %s succeeded without output url", s.TaskID)
	}
	return out.URL, nil
}

// StartExport submits an export job for query and returns its id. An empty
// format leaves the catalog default.
func (c *Client) StartExport(ctx context.Context, query, format string) (string, error) {
	vars := map[string]any{"query": query}
	if format != "" {
		vars["format"] = format
	}

	var data struct {
		ExportQuery struct {
			ID string `json:"id"`
		} `json:"exportQuery"`
	}
	if err := c.call(ctx, "StartExport", startExportMutation, vars, &data); err != nil {
		return "", fmt.Errorf("start export: %w", err)
	}
	if data.ExportQuery.ID == "" {
		return "", errors.New("start export: catalog returned no job id")
	}
	return data.ExportQuery.ID, nil
}

// JobStatus fetches the current status of an export job. A nil status
// means the catalog does not know the job yet.
func (c *Client) JobStatus(ctx context.Context, taskID string) (*JobStatus, error) {
	var data struct {
		ExportJobStatus *JobStatus `json:"exportJobStatus"`
	}
	err := c.call(ctx, "ExportJobStatus", exportJobStatusQuery, map[string]any{"taskId": taskID}, &data)
	if err != nil {
		return nil, fmt.Errorf("export job %s status: %w", taskID, err)
	}
	return data.ExportJobStatus, nil
}

// WaitForJob polls the job with exponential backoff until it reaches a
// terminal state or the poll timeout elapses.
func (c *Client) WaitForJob(ctx context.Context, taskID string) (*JobStatus, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Poll.InitialInterval
	b.MaxInterval = c.cfg.Poll.MaxInterval
	b.MaxElapsedTime = c.cfg.Poll.Timeout

	var final *JobStatus
	poll := func() error {
		status, err := c.JobStatus(ctx, taskID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if status == nil || !status.Terminal() {
			return errJobRunning
		}
		final = status
		return nil
	}

	log := logctx.FromContext(ctx)
	notify := func(_ error, next time.Duration) {
		log.Debug().Str("task_id", taskID).Dur("next_poll", next).Msg("waiting for export job")
	}

	if err := backoff.RetryNotify(poll, backoff.WithContext(b, ctx), notify); err != nil {
		if errors.Is(err, errJobRunning) {
			return nil, fmt.Errorf("export job %s did not finish within %s", taskID, c.cfg.Poll.Timeout)
		}
		return nil, err
	}
	return final, nil
}

// WaitForDownload waits for the job and returns its download URL.
func (c *Client) WaitForDownload(ctx context.Context, taskID string) (string, error) {
	status, err := c.WaitForJob(ctx, taskID)
	if err != nil {
		return "", err
	}
	if status.Status != StatusSuccess {
		return "", &ExportFailedError{TaskID: taskID, Status: status.Status}
	}
	return status.URL()
}

// ExportURL exports one image in the given format and returns the URL of
// the result. Each attempt starts a fresh job; a stalled job is never
// resumed. A warning is logged for every failed attempt that is retried and
// the last error is returned once attempts are exhausted.
func (c *Client) ExportURL(ctx context.Context, imageHash, format string) (string, error) {
	query := c.cfg.ExportQuery(imageHash)
	log := logctx.FromContext(ctx)

	return retry.Do(ctx, c.cfg.Attempts, func(ctx context.Context, attempt int) (string, error) {
		taskID, err := c.StartExport(ctx, query, format)
		if err != nil {
			return "", err
		}
		log.Debug().Str("task_id", taskID).Int("attempt", attempt).Msg("export job started")
		return c.WaitForDownload(ctx, taskID)
	}, func(attempt int, err error) {
		log.Warn().Err(err).
			Int("attempt", attempt).
			Int("attempts", c.cfg.Attempts).
			Msg("error preparing the download URL, retrying")
		if c.onRetry != nil {
			c.onRetry(attempt, err)
		}
	})
}
