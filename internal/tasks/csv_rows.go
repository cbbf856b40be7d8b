package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"maintenance-worker/internal/collection"
	"maintenance-worker/internal/task"
)

// CSVRows walks the CSV attached to its run and checks every row against the
// header. Rows with a missing or empty "id" column fail the run, so the
// operator sees the offending offset in the error.
type CSVRows struct {
	task.CSVInput
	logger *slog.Logger
}

func (c *CSVRows) Process(ctx context.Context, item any) error {
	row, ok := item.(collection.Row)
	if !ok {
		return fmt.Errorf("csv rows: unexpected item %T", item)
	}
	if len(row.Fields) != len(row.Header) {
		return fmt.Errorf("row %d: expected %d fields, got %d", row.Offset, len(row.Header), len(row.Fields))
	}
	if hasColumn(row.Header, "id") && strings.TrimSpace(row.Get("id")) == "" {
		return fmt.Errorf("row %d: empty id", row.Offset)
	}
	c.logger.DebugContext(ctx, "CSV row ok", "offset", row.Offset)
	return nil
}

func hasColumn(header []string, name string) bool {
	for _, h := range header {
		if h == name {
			return true
		}
	}
	return false
}
