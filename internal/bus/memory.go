package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultMailbox = 64

// Memory is an in-process bus. Each subscription drains its own bounded
// mailbox on a dedicated goroutine; a full mailbox drops the message.
type Memory struct {
	mailbox int
	mu      sync.Mutex
	next    uint64
	subs    map[uint64]*memorySub
	dropped atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{mailbox: defaultMailbox, subs: make(map[uint64]*memorySub)}
}

type memorySub struct {
	id        uint64
	bus       *Memory
	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (m *Memory) Subscribe(handler Handler) (Subscription, error) {
	m.mu.Lock()
	m.next++
	sub := &memorySub{
		id:    m.next,
		bus:   m,
		inbox: make(chan Message, m.mailbox),
		done:  make(chan struct{}),
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	go sub.pump(handler)
	return sub, nil
}

// Dropped counts deliveries lost to full mailboxes.
func (m *Memory) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Memory) others(self uint64) []*memorySub {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*memorySub, 0, len(m.subs))
	for id, sub := range m.subs {
		if id != self {
			out = append(out, sub)
		}
	}
	return out
}

func (s *memorySub) pump(handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.inbox:
			handler(msg)
		}
	}
}

func (s *memorySub) Publish(ctx context.Context, msg Message) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, other := range s.bus.others(s.id) {
		select {
		case other.inbox <- msg:
		default:
			s.bus.dropped.Add(1)
		}
	}
	return nil
}

func (s *memorySub) Close() error {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}
