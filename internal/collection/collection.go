// Package collection turns a task's declared collection into a resumable
// sequence of items. Every item carries the cursor that resumes the traversal
// right after it.
package collection

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownCollection = errors.New("collection: unrecognized collection kind")
	ErrInvalidCursor     = errors.New("collection: invalid cursor")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindSlice
	KindPaged
	KindCSV
	KindCallback
)

func (k Kind) String() string {
	switch k {
	case KindSlice:
		return "slice"
	case KindPaged:
		return "paged"
	case KindCSV:
		return "csv"
	case KindCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// Item is one element of a traversal and the cursor positioned after it.
type Item struct {
	Value  any
	Cursor string
}

type Enumerator interface {
	// Next returns false once the sequence is exhausted.
	Next(ctx context.Context) (Item, bool, error)
}

type EnumeratorFunc func(ctx context.Context) (Item, bool, error)

func (f EnumeratorFunc) Next(ctx context.Context) (Item, bool, error) {
	return f(ctx)
}

// CursorFunc resumes a custom traversal. A nil cursor means start from the beginning.
type CursorFunc func(ctx context.Context, cursor *string) (Enumerator, error)

// Collection is a declared collection. The zero value is not a valid collection.
type Collection struct {
	kind     Kind
	items    []any
	pager    Pager
	pageSize int
	content  []byte
	header   bool
	callback CursorFunc
}

func Slice[T any](items []T) Collection {
	values := make([]any, len(items))
	for i, item := range items {
		values[i] = item
	}
	return Collection{kind: KindSlice, items: values}
}

func Paged(p Pager, pageSize int) Collection {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return Collection{kind: KindPaged, pager: p, pageSize: pageSize}
}

// CSV declares row-oriented content. With header set, the first record names
// the columns and is not an item.
func CSV(content []byte, header bool) Collection {
	return Collection{kind: KindCSV, content: content, header: header}
}

func Callback(fn CursorFunc) Collection {
	return Collection{kind: KindCallback, callback: fn}
}

func (c Collection) Kind() Kind {
	return c.kind
}

// Len reports the number of items when it can be known without a query.
func (c Collection) Len() (int64, bool, error) {
	switch c.kind {
	case KindSlice:
		return int64(len(c.items)), true, nil
	case KindCSV:
		n, err := countRows(c.content, c.header)
		if err != nil {
			return 0, false, err
		}
		return n, true, nil
	default:
		return 0, false, nil
	}
}

// Build positions an enumerator right after cursor. The collection kind is
// resolved once here.
func Build(ctx context.Context, c Collection, cursor *string) (Enumerator, error) {
	switch c.kind {
	case KindSlice:
		return newSliceEnumerator(c.items, cursor)
	case KindPaged:
		if c.pager == nil {
			return nil, fmt.Errorf("%w: paged collection without pager", ErrUnknownCollection)
		}
		return newPagedEnumerator(c.pager, c.pageSize, cursor), nil
	case KindCSV:
		return newCSVEnumerator(c.content, c.header, cursor)
	case KindCallback:
		if c.callback == nil {
			return nil, fmt.Errorf("%w: callback collection without function", ErrUnknownCollection)
		}
		return c.callback(ctx, cursor)
	default:
		return nil, ErrUnknownCollection
	}
}
