// Package events fans run lifecycle events out to live subscribers and keeps
// a short replay buffer for late joiners.
package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultBufferSize       = 200
	defaultSubscriberBuffer = 50
)

const (
	TypeRunStarted     = "run_started"
	TypeRunProgress    = "run_progress"
	TypeRunSucceeded   = "run_succeeded"
	TypeRunSuspended   = "run_suspended"
	TypeRunThrottled   = "run_throttled"
	TypeRunErrored     = "run_errored"
	TypeRunReclaimed   = "run_reclaimed"
	TypeWorkerStopping = "worker_stopping"
)

var droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "maint_events_dropped_total",
	Help: "Events not delivered to a subscriber whose buffer was full",
})

type Event struct {
	Timestamp time.Time         `json:"ts"`
	Level     string            `json:"level"`
	Type      string            `json:"type"`
	Message   string            `json:"msg"`
	TaskName  string            `json:"task,omitempty"`
	RunID     int64             `json:"run_id,omitempty"`
	Status    string            `json:"status,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Broker delivers every published event to all subscribers without blocking
// the publisher: a subscriber that falls behind misses events. The most
// recent events are kept in a ring so a new subscriber can catch up.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int

	ring  []Event
	start int
	size  int
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broker{
		subs: make(map[int]chan Event),
		ring: make([]Event, bufferSize),
	}
}

func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.remember(event)
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			droppedEvents.Inc()
		}
	}
}

func (b *Broker) remember(event Event) {
	if b.size < len(b.ring) {
		b.ring[(b.start+b.size)%len(b.ring)] = event
		b.size++
		return
	}
	b.ring[b.start] = event
	b.start = (b.start + 1) % len(b.ring)
}

// Subscribe registers a live subscriber. It returns the channel, a function
// that unregisters it, and the buffered events in publish order.
func (b *Broker) Subscribe() (<-chan Event, func(), []Event) {
	if b == nil {
		return nil, func() {}, nil
	}
	ch := make(chan Event, defaultSubscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	snapshot := make([]Event, b.size)
	for i := range snapshot {
		snapshot[i] = b.ring[(b.start+i)%len(b.ring)]
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel, snapshot
}
