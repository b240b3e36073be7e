package stream

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/domain"
	"github.com/fieldops/dispatch/internal/observability"
)

// ErrRegistryClosed is returned by Open after Close.
var ErrRegistryClosed = errors.New("connection registry closed")

// Registry maps identities to their live stream connections.
// Critical sections only touch maps; frames are offered outside the lock.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Conn // identity -> conn id -> conn
	closed bool

	buffer  int
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. buffer bounds the frames queued per connection.
func NewRegistry(buffer int, metrics *observability.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byUser:  make(map[string]map[string]*Conn),
		buffer:  buffer,
		metrics: metrics,
		logger:  logger,
	}
}

// Open creates a connection for identity and registers it.
func (r *Registry) Open(identity string) (*Conn, error) {
	c := newConn(identity, r.buffer)
	if err := r.Register(identity, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Register adds c under identity, replacing a previous registration of the same connection.
func (r *Registry) Register(identity string, c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	m := r.byUser[identity]
	if m == nil {
		m = make(map[string]*Conn)
		r.byUser[identity] = m
	}
	m[c.id] = c
	return nil
}

// Unregister removes c and closes it. The identity entry is deleted once empty.
func (r *Registry) Unregister(identity string, c *Conn) {
	r.mu.Lock()
	if m := r.byUser[identity]; m != nil {
		if cur, ok := m[c.id]; ok && cur == c {
			delete(m, c.id)
		}
		if len(m) == 0 {
			delete(r.byUser, identity)
		}
	}
	r.mu.Unlock()
	c.Close()
}

// Deliver pushes n to every live connection of identity and returns how
// many accepted it. Zero means nobody is listening, which is not an error.
// Connections that cannot take the frame are pruned, never retried.
func (r *Registry) Deliver(identity string, n domain.Notification) int {
	frame, err := EncodeFrame(n)
	if err != nil {
		r.logger.Warn("encode notification frame", zap.String("id", n.ID), zap.Error(err))
		return 0
	}
	return r.Send(identity, frame)
}

// Send offers a pre-encoded frame to every connection of identity.
func (r *Registry) Send(identity string, frame []byte) int {
	conns := r.snapshot(identity)
	delivered := 0
	for _, c := range conns {
		if c.offer(frame) {
			delivered++
			continue
		}
		r.Unregister(identity, c)
		r.metrics.Inc(observability.CounterStreamPruned)
		r.logger.Info("pruned stalled stream",
			zap.String("identity", identity),
			zap.String("conn_id", c.id))
	}
	return delivered
}

// Connections returns the number of live connections for identity.
func (r *Registry) Connections(identity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[identity])
}

// Identities returns how many identities have at least one connection.
func (r *Registry) Identities() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Count returns the total number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, m := range r.byUser {
		total += len(m)
	}
	return total
}

// Close closes every connection and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Conn, 0)
	for _, m := range r.byUser {
		for _, c := range m {
			all = append(all, c)
		}
	}
	r.byUser = make(map[string]map[string]*Conn)
	r.closed = true
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}

func (r *Registry) snapshot(identity string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[identity]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
