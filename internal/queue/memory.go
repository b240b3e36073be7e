package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is a process-local queue for single-node deployments and tests.
// Messages that are not acked by the handler are put back at the head.
type Memory struct {
	mu      sync.Mutex
	pending []memoryEntry
	signal  chan struct{}
	done    chan struct{}
	closed  bool

	redelivered atomic.Int64
}

type memoryEntry struct {
	id   string
	data []byte
}

// NewMemory creates an empty queue.
func NewMemory() *Memory {
	return &Memory{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Publish appends a message.
func (m *Memory) Publish(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.pending = append(m.pending, memoryEntry{id: id, data: append([]byte(nil), data...)})
	m.mu.Unlock()
	m.wake()
	return nil
}

// Consume delivers messages until ctx is cancelled or the queue is closed.
func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		entry, ok, err := m.next()
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-m.done:
				return ErrClosed
			case <-m.signal:
				continue
			}
		}

		msg := &memoryMessage{entry: entry}
		handler(ctx, msg)
		if !msg.acked.Load() {
			m.requeue(entry)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Ping reports whether the queue still accepts messages.
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close stops all consumers. Pending messages are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Len returns the number of messages waiting for delivery.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Redelivered counts messages that went back to the queue unacked.
func (m *Memory) Redelivered() int64 {
	return m.redelivered.Load()
}

func (m *Memory) next() (memoryEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return memoryEntry{}, false, ErrClosed
	}
	if len(m.pending) == 0 {
		return memoryEntry{}, false, nil
	}
	entry := m.pending[0]
	m.pending = m.pending[1:]
	return entry, true, nil
}

func (m *Memory) requeue(entry memoryEntry) {
	m.mu.Lock()
	if !m.closed {
		m.pending = append([]memoryEntry{entry}, m.pending...)
	}
	m.mu.Unlock()
	m.redelivered.Add(1)
	m.wake()
}

func (m *Memory) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

type memoryMessage struct {
	entry memoryEntry
	acked atomic.Bool
}

func (m *memoryMessage) ID() string   { return m.entry.id }
func (m *memoryMessage) Data() []byte { return m.entry.data }

func (m *memoryMessage) Ack() error {
	m.acked.Store(true)
	return nil
}
