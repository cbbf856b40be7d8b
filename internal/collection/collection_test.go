package collection

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sort"
	"strconv"
	"testing"
)

func drain(t *testing.T, e Enumerator) []Item {
	t.Helper()
	var items []Item
	for {
		item, ok, err := e.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			return items
		}
		items = append(items, item)
	}
}

func build(t *testing.T, c Collection, cursor *string) Enumerator {
	t.Helper()
	e, err := Build(context.Background(), c, cursor)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return e
}

// assertResumable checks that resuming from every emitted cursor yields the
// exact remaining tail of the full traversal.
func assertResumable(t *testing.T, c Collection, wantLen int) {
	t.Helper()
	full := drain(t, build(t, c, nil))
	if len(full) != wantLen {
		t.Fatalf("expected %d items, got %d", wantLen, len(full))
	}
	for i, item := range full {
		cursor := item.Cursor
		tail := drain(t, build(t, c, &cursor))
		want := full[i+1:]
		if len(tail) != len(want) {
			t.Fatalf("cursor %q: expected %d remaining, got %d", cursor, len(want), len(tail))
		}
		for j := range want {
			if !reflect.DeepEqual(tail[j], want[j]) {
				t.Fatalf("cursor %q: item %d mismatch: want %+v got %+v", cursor, j, want[j], tail[j])
			}
		}
	}
}

func TestSliceResume(t *testing.T) {
	assertResumable(t, Slice([]string{"a", "b", "c", "d", "e"}), 5)
}

func TestSliceEmpty(t *testing.T) {
	if items := drain(t, build(t, Slice([]int{}), nil)); len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

func TestSliceCursorPastEnd(t *testing.T) {
	cursor := "10"
	if items := drain(t, build(t, Slice([]int{1, 2}), &cursor)); len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

func TestSliceInvalidCursor(t *testing.T) {
	for _, cursor := range []string{"abc", "-1", "", strconv.Itoa(math.MaxInt)} {
		c := cursor
		_, err := Build(context.Background(), Slice([]int{1}), &c)
		if !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("cursor %q: expected ErrInvalidCursor, got %v", cursor, err)
		}
	}
}

func TestCSVRejectsOverflowingOffset(t *testing.T) {
	c := strconv.Itoa(math.MaxInt)
	if _, err := Build(context.Background(), CSV([]byte(posts), true), &c); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

type memoryPager struct {
	keys  []int
	calls []string
}

func (p *memoryPager) Page(ctx context.Context, after *string, limit int) ([]Record, error) {
	start := -1
	if after != nil {
		v, err := strconv.Atoi(*after)
		if err != nil {
			return nil, err
		}
		start = v
		p.calls = append(p.calls, *after)
	} else {
		p.calls = append(p.calls, "")
	}
	var out []Record
	for _, k := range p.keys {
		if k > start {
			out = append(out, Record{Key: strconv.Itoa(k), Value: k * 10})
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func TestPagedResume(t *testing.T) {
	keys := []int{3, 5, 8, 13, 21, 34, 55}
	assertResumable(t, Paged(&memoryPager{keys: keys}, 3), len(keys))
}

func TestPagedNeverRescans(t *testing.T) {
	p := &memoryPager{keys: []int{1, 2, 3, 4, 5, 6}}
	cursor := "4"
	items := drain(t, build(t, Paged(p, 2), &cursor))
	if len(items) != 2 {
		t.Fatalf("expected 2 remaining items, got %d", len(items))
	}
	want := []string{"4", "6"}
	if !reflect.DeepEqual(p.calls, want) {
		t.Fatalf("expected queries after %v, got %v", want, p.calls)
	}
}

func TestPagedError(t *testing.T) {
	boom := errors.New("connection reset")
	pager := PagerFunc(func(ctx context.Context, after *string, limit int) ([]Record, error) {
		return nil, boom
	})
	_, _, err := build(t, Paged(pager, 0), nil).Next(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected pager error, got %v", err)
	}
}

const posts = `id,title
1,first
2,"second, with comma"
3,third
4,fourth
`

func TestCSVResume(t *testing.T) {
	assertResumable(t, CSV([]byte(posts), true), 4)
}

func TestCSVRows(t *testing.T) {
	items := drain(t, build(t, CSV([]byte(posts), true), nil))
	row := items[1].Value.(Row)
	if row.Get("title") != "second, with comma" {
		t.Fatalf("unexpected title %q", row.Get("title"))
	}
	if row.Get("missing") != "" {
		t.Fatal("expected empty value for unknown column")
	}
	if items[1].Cursor != "1" {
		t.Fatalf("expected row offset cursor 1, got %q", items[1].Cursor)
	}
}

func TestCSVLen(t *testing.T) {
	n, ok, err := CSV([]byte(posts), true).Len()
	if err != nil || !ok || n != 4 {
		t.Fatalf("expected 4 rows, got %d %v %v", n, ok, err)
	}
	n, ok, _ = CSV([]byte(posts), false).Len()
	if !ok || n != 5 {
		t.Fatalf("expected 5 records without header, got %d", n)
	}
	if _, ok, _ := Paged(&memoryPager{}, 1).Len(); ok {
		t.Fatal("expected unknown length for paged collections")
	}
}

func TestCallbackResume(t *testing.T) {
	words := map[string]int{"alpha": 1, "bravo": 2, "charlie": 3, "delta": 4}
	c := Callback(func(ctx context.Context, cursor *string) (Enumerator, error) {
		keys := make([]string, 0, len(words))
		for k := range words {
			if cursor == nil || k > *cursor {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		items := make([]Item, len(keys))
		for i, k := range keys {
			items[i] = Item{Value: words[k], Cursor: k}
		}
		return Items(items), nil
	})
	assertResumable(t, c, 4)
}

func TestBuildUnknownCollection(t *testing.T) {
	tests := map[string]Collection{
		"zero":         {},
		"nil pager":    Paged(nil, 10),
		"nil callback": Callback(nil),
	}
	for name, c := range tests {
		if _, err := Build(context.Background(), c, nil); !errors.Is(err, ErrUnknownCollection) {
			t.Fatalf("%s: expected ErrUnknownCollection, got %v", name, err)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindCSV.String() != "csv" || Kind(99).String() != "unknown" {
		t.Fatal("unexpected kind names")
	}
}
