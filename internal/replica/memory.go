package replica

import (
	"context"
	"sync"
)

const memoryQueue = 64

// Memory is a single-process stand-in for the relay network. Writes are
// delivered asynchronously to every watcher of the path.
type Memory struct {
	mu       sync.Mutex
	values   map[string]string
	next     uint64
	watchers map[string]map[uint64]chan string
}

func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string]string),
		watchers: make(map[string]map[uint64]chan string),
	}
}

func (m *Memory) Put(ctx context.Context, path, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[path] = value
	for _, queue := range m.watchers[path] {
		select {
		case queue <- value:
		default:
			// lost write; the next one will carry the full document anyway
		}
	}
	return nil
}

func (m *Memory) On(path string, cb Callback) (func(), error) {
	queue := make(chan string, memoryQueue)
	done := make(chan struct{})

	m.mu.Lock()
	m.next++
	id := m.next
	if m.watchers[path] == nil {
		m.watchers[path] = make(map[uint64]chan string)
	}
	m.watchers[path][id] = queue
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case value := <-queue:
				cb(value)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers[path], id)
			m.mu.Unlock()
			close(done)
		})
	}, nil
}

func (m *Memory) Once(_ context.Context, path string, cb func(OnceResult)) {
	m.mu.Lock()
	value, found := m.values[path]
	m.mu.Unlock()
	go cb(OnceResult{Value: value, Found: found})
}
