package collection

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Row is one data record of a CSV collection.
type Row struct {
	Offset int
	Header []string
	Fields []string
}

// Get returns the field under the named column, or "" when absent.
func (r Row) Get(column string) string {
	for i, name := range r.Header {
		if name == column && i < len(r.Fields) {
			return r.Fields[i]
		}
	}
	return ""
}

type csvEnumerator struct {
	reader *csv.Reader
	header []string
	offset int
	skip   int
}

func newCSVEnumerator(content []byte, header bool, cursor *string) (*csvEnumerator, error) {
	start, err := parseOffset(cursor)
	if err != nil {
		return nil, err
	}
	r := newCSVReader(content)
	e := &csvEnumerator{reader: r, skip: start}
	if header {
		h, err := r.Read()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read csv header: %w", err)
		}
		e.header = append([]string(nil), h...)
	}
	return e, nil
}

func (e *csvEnumerator) Next(ctx context.Context) (Item, bool, error) {
	for {
		record, err := e.reader.Read()
		if errors.Is(err, io.EOF) {
			return Item{}, false, nil
		}
		if err != nil {
			return Item{}, false, fmt.Errorf("read csv row %d: %w", e.offset, err)
		}
		offset := e.offset
		e.offset++
		if offset < e.skip {
			continue
		}
		row := Row{Offset: offset, Header: e.header, Fields: record}
		return Item{Value: row, Cursor: strconv.Itoa(offset)}, true, nil
	}
}

func newCSVReader(content []byte) *csv.Reader {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	r.ReuseRecord = false
	return r
}

func countRows(content []byte, header bool) (int64, error) {
	r := newCSVReader(content)
	var n int64
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("count csv rows: %w", err)
		}
		n++
	}
	if header && n > 0 {
		n--
	}
	return n, nil
}
