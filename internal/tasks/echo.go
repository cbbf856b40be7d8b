package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"maintenance-worker/internal/collection"
)

var defaultEchoItems = []string{"alpha", "bravo", "charlie", "delta", "echo"}

// Echo logs every item of a fixed list. It exercises slice collections and
// is handy for dry runs. Input is optional JSON:
//
//	{"items": ["a", "b"], "delay": "250ms"}
type Echo struct {
	logger *slog.Logger
	items  []string
	delay  time.Duration
	err    error
}

type echoInput struct {
	Items []string `json:"items"`
	Delay string   `json:"delay"`
}

func (e *Echo) SetInput(content []byte) {
	e.items = defaultEchoItems
	if len(content) == 0 {
		return
	}
	var in echoInput
	if err := json.Unmarshal(content, &in); err != nil {
		e.err = fmt.Errorf("parse echo input: %w", err)
		return
	}
	if in.Items != nil {
		e.items = in.Items
	}
	if in.Delay != "" {
		d, err := time.ParseDuration(in.Delay)
		if err != nil {
			e.err = fmt.Errorf("parse echo delay: %w", err)
			return
		}
		e.delay = d
	}
}

func (e *Echo) Collection(ctx context.Context) (collection.Collection, error) {
	if e.err != nil {
		return collection.Collection{}, e.err
	}
	return collection.Slice(e.items), nil
}

func (e *Echo) Count(ctx context.Context) (int64, bool, error) {
	return int64(len(e.items)), true, nil
}

func (e *Echo) Process(ctx context.Context, item any) error {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.logger.InfoContext(ctx, "Echo", "value", item)
	return nil
}
