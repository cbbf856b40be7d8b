package collection

import (
	"context"
	"fmt"
)

const DefaultPageSize = 100

// Record is a row returned by a paged query, keyed by its ordering key.
type Record struct {
	Key   string
	Value any
}

// Pager issues one ordered query returning at most limit records whose keys
// sort strictly after the given key. Keys must be unique and totally ordered.
type Pager interface {
	Page(ctx context.Context, after *string, limit int) ([]Record, error)
}

type PagerFunc func(ctx context.Context, after *string, limit int) ([]Record, error)

func (f PagerFunc) Page(ctx context.Context, after *string, limit int) ([]Record, error) {
	return f(ctx, after, limit)
}

type pagedEnumerator struct {
	pager    Pager
	pageSize int
	after    *string
	buf      []Record
	done     bool
}

func newPagedEnumerator(p Pager, pageSize int, cursor *string) *pagedEnumerator {
	var after *string
	if cursor != nil {
		key := *cursor
		after = &key
	}
	return &pagedEnumerator{pager: p, pageSize: pageSize, after: after}
}

func (e *pagedEnumerator) Next(ctx context.Context) (Item, bool, error) {
	if len(e.buf) == 0 {
		if e.done {
			return Item{}, false, nil
		}
		page, err := e.pager.Page(ctx, e.after, e.pageSize)
		if err != nil {
			return Item{}, false, fmt.Errorf("fetch page: %w", err)
		}
		if len(page) < e.pageSize {
			e.done = true
		}
		if len(page) == 0 {
			return Item{}, false, nil
		}
		e.buf = page
	}
	rec := e.buf[0]
	e.buf = e.buf[1:]
	key := rec.Key
	e.after = &key
	return Item{Value: rec.Value, Cursor: rec.Key}, true, nil
}
