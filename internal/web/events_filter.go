package web

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"maintenance-worker/internal/events"
	"maintenance-worker/internal/run"
)

// eventFilter narrows the /events stream. Each query parameter takes a comma
// separated list; an event must match one value of every parameter given.
type eventFilter struct {
	types    []string
	tasks    []string
	workers  []string
	statuses []string
	runIDs   []int64
}

func splitParam(q url.Values, key string) []string {
	var out []string
	for _, raw := range q[key] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	q := r.URL.Query()
	f := eventFilter{
		types:    splitParam(q, "type"),
		tasks:    splitParam(q, "task"),
		workers:  splitParam(q, "worker_id"),
		statuses: splitParam(q, "status"),
	}
	for _, s := range f.statuses {
		if !run.Status(s).Valid() {
			return eventFilter{}, fmt.Errorf("invalid status %q", s)
		}
	}
	for _, v := range splitParam(q, "run_id") {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return eventFilter{}, fmt.Errorf("invalid run_id %q", v)
		}
		f.runIDs = append(f.runIDs, id)
	}
	return f, nil
}

func oneOf[T comparable](allowed []T, v T) bool {
	return len(allowed) == 0 || slices.Contains(allowed, v)
}

func (f eventFilter) Matches(e events.Event) bool {
	return oneOf(f.types, e.Type) &&
		oneOf(f.tasks, e.TaskName) &&
		oneOf(f.workers, e.WorkerID) &&
		oneOf(f.statuses, e.Status) &&
		oneOf(f.runIDs, e.RunID)
}
