package catalog

import (
	"fmt"
	"strings"
)

// QueryError carries the error payload of a GraphQL response.
type QueryError struct {
	Operation string
	Messages  []string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("catalog %s: %s", e.Operation, strings.Join(e.Messages, "; "))
}

// ExportFailedError is returned when an export job ends in a terminal state
// other than SUCCESS.
type ExportFailedError struct {
	TaskID string
	Status string
}

func (e *ExportFailedError) Error() string {
	return fmt.Sprintf("export job %s finished with status %s; this could be due to a syntax error, "+
		"run the query interactively against the catalog to investigate the cause", e.TaskID, e.Status)
}
