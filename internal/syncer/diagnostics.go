package syncer

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventDecodeFailed    EventKind = "decode_failed"
	EventPublishFailed   EventKind = "publish_failed"
	EventPullFailed      EventKind = "pull_failed"
	EventPullTimeout     EventKind = "pull_timeout"
	EventSubscribeFailed EventKind = "subscribe_failed"
	EventDropped         EventKind = "diagnostic_dropped"
)

const eventBuffer = 128

// Event is one swallowed failure. Local state is never changed by a failure;
// the event only makes it visible.
type Event struct {
	Kind   EventKind `json:"kind"`
	Source string    `json:"source"`
	Err    error     `json:"-"`
	At     time.Time `json:"at"`
}

type diagnostics struct {
	events chan Event

	mu     sync.Mutex
	counts map[EventKind]int64
}

func newDiagnostics() *diagnostics {
	return &diagnostics{
		events: make(chan Event, eventBuffer),
		counts: make(map[EventKind]int64),
	}
}

func (d *diagnostics) record(event Event) {
	d.mu.Lock()
	d.counts[event.Kind]++
	d.mu.Unlock()

	select {
	case d.events <- event:
	default:
		d.mu.Lock()
		d.counts[EventDropped]++
		d.mu.Unlock()
	}
}

func (d *diagnostics) counters() map[EventKind]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[EventKind]int64, len(d.counts))
	for kind, n := range d.counts {
		out[kind] = n
	}
	return out
}
