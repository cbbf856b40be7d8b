// Package task defines the contract operators implement to describe a
// maintenance job, and the registry used to resolve them by name.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"maintenance-worker/internal/collection"
)

// DefaultThrottleBackoff is used when a throttled task does not name its own backoff.
const DefaultThrottleBackoff = 30 * time.Second

var ErrThrottleConfig = errors.New("invalid throttle configuration")

// Task is a batch job over a collection. A fresh value is created for every
// attempt, so implementations may keep per-attempt state in fields.
type Task interface {
	Collection(ctx context.Context) (collection.Collection, error)
	Process(ctx context.Context, item any) error
}

// Counter is implemented by tasks that can estimate how many items they will
// process. ok=false means the total is unknown.
type Counter interface {
	Count(ctx context.Context) (n int64, ok bool, err error)
}

// Throttler is implemented by tasks that should back off while a condition holds.
type Throttler interface {
	ThrottleCondition(ctx context.Context) bool
	ThrottleBackoff() time.Duration
}

// InputReceiver is implemented by tasks that consume the content attached to a run.
type InputReceiver interface {
	SetInput(content []byte)
}

// Throttle is an embeddable Throttler.
type Throttle struct {
	Condition func(ctx context.Context) bool
	Backoff   time.Duration
}

func (t Throttle) ThrottleCondition(ctx context.Context) bool {
	if t.Condition == nil {
		return false
	}
	return t.Condition(ctx)
}

func (t Throttle) ThrottleBackoff() time.Duration {
	return t.Backoff
}

// RateThrottle throttles whenever the limiter has no token available.
func RateThrottle(limiter *rate.Limiter, backoff time.Duration) Throttle {
	return Throttle{
		Condition: func(ctx context.Context) bool { return !limiter.Allow() },
		Backoff:   backoff,
	}
}

// ResolveBackoff returns the backoff a throttled attempt waits before it is
// picked up again.
func ResolveBackoff(t Throttler, fallback time.Duration) (time.Duration, error) {
	if fallback <= 0 {
		fallback = DefaultThrottleBackoff
	}
	backoff := t.ThrottleBackoff()
	switch {
	case backoff < 0:
		return 0, fmt.Errorf("%w: negative backoff %s", ErrThrottleConfig, backoff)
	case backoff == 0:
		return fallback, nil
	}
	return backoff, nil
}

// CSVInput is embedded by tasks that iterate the CSV attached to their run.
// The first row is treated as the header.
type CSVInput struct {
	content []byte
}

func (c *CSVInput) SetInput(content []byte) {
	c.content = content
}

func (c *CSVInput) Collection(ctx context.Context) (collection.Collection, error) {
	if len(c.content) == 0 {
		return collection.Collection{}, errors.New("csv task started without input content")
	}
	return collection.CSV(c.content, true), nil
}

func (c *CSVInput) Count(ctx context.Context) (int64, bool, error) {
	return collection.CSV(c.content, true).Len()
}
