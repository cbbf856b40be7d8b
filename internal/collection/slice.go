package collection

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

type sliceEnumerator struct {
	items []any
	next  int
}

func newSliceEnumerator(items []any, cursor *string) (*sliceEnumerator, error) {
	start, err := parseOffset(cursor)
	if err != nil {
		return nil, err
	}
	return &sliceEnumerator{items: items, next: start}, nil
}

func (e *sliceEnumerator) Next(ctx context.Context) (Item, bool, error) {
	if e.next >= len(e.items) {
		return Item{}, false, nil
	}
	i := e.next
	e.next++
	return Item{Value: e.items[i], Cursor: strconv.Itoa(i)}, true, nil
}

// parseOffset reads an index cursor and returns the first index left to visit.
func parseOffset(cursor *string) (int, error) {
	if cursor == nil {
		return 0, nil
	}
	idx, err := strconv.Atoi(*cursor)
	if err != nil || idx < 0 || idx == math.MaxInt {
		return 0, fmt.Errorf("%w: %q is not an offset", ErrInvalidCursor, *cursor)
	}
	return idx + 1, nil
}

// Items enumerates a precomputed list of items in order. Callback collections
// use it after resolving their own cursor.
func Items(items []Item) Enumerator {
	i := 0
	return EnumeratorFunc(func(ctx context.Context) (Item, bool, error) {
		if i >= len(items) {
			return Item{}, false, nil
		}
		item := items[i]
		i++
		return item, true, nil
	})
}
