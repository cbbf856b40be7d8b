// Package ticker batches per-item progress so the store is not written on
// every processed item.
package ticker

import (
	"sync"
	"time"
)

// PersistFunc receives the ticks and wall time accumulated since the last flush.
type PersistFunc func(ticks int64, elapsed time.Duration) error

type Ticker struct {
	mu       sync.Mutex
	delay    time.Duration
	maxTicks int64
	persist  PersistFunc
	now      func() time.Time

	ticks     int64
	lastFlush time.Time
}

// New returns a Ticker that flushes once delay has elapsed since the last
// flush, or once maxTicks ticks are buffered. maxTicks <= 0 disables the
// count threshold.
func New(delay time.Duration, maxTicks int64, persist PersistFunc) *Ticker {
	return NewWithClock(delay, maxTicks, persist, time.Now)
}

func NewWithClock(delay time.Duration, maxTicks int64, persist PersistFunc, now func() time.Time) *Ticker {
	return &Ticker{
		delay:     delay,
		maxTicks:  maxTicks,
		persist:   persist,
		now:       now,
		lastFlush: now(),
	}
}

// Tick records one processed item and flushes when a threshold is reached.
func (t *Ticker) Tick() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ticks++
	if t.maxTicks > 0 && t.ticks >= t.maxTicks {
		return t.flushLocked()
	}
	if t.now().Sub(t.lastFlush) >= t.delay {
		return t.flushLocked()
	}
	return nil
}

// Persist flushes whatever is buffered. It does nothing when no ticks are pending.
func (t *Ticker) Persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

func (t *Ticker) Pending() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

func (t *Ticker) flushLocked() error {
	if t.ticks == 0 {
		return nil
	}
	now := t.now()
	ticks, elapsed := t.ticks, now.Sub(t.lastFlush)
	t.ticks = 0
	t.lastFlush = now
	return t.persist(ticks, elapsed)
}
