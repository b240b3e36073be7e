package stream

import (
	"bufio"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch/internal/domain"
)

// Conn is one live notification stream. Frames are queued in a bounded
// buffer and written by the goroutine serving the connection, so producers
// never block on network I/O.
type Conn struct {
	id       string
	identity string
	frames   chan []byte
	done     chan struct{}
	once     sync.Once
	opened   time.Time
}

func newConn(identity string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 32
	}
	return &Conn{
		id:       uuid.NewString(),
		identity: identity,
		frames:   make(chan []byte, buffer),
		done:     make(chan struct{}),
		opened:   time.Now(),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Identity returns the identity the connection was opened for.
func (c *Conn) Identity() string { return c.identity }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close marks the connection closed. Safe to call repeatedly.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// offer queues a frame without blocking. It fails when the connection is
// closed or its buffer is full.
func (c *Conn) offer(frame []byte) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

// Serve writes frames to w until the connection is closed or a write fails.
// A connection_ack is written first and a heartbeat every interval.
func (c *Conn) Serve(w *bufio.Writer, heartbeat time.Duration) error {
	if err := writeFrame(w, ControlFrame(domain.NotificationKindConnectionAck, time.Now())); err != nil {
		return err
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return nil
		case frame := <-c.frames:
			if err := writeFrame(w, frame); err != nil {
				return err
			}
		case now := <-ticker.C:
			if err := writeFrame(w, ControlFrame(domain.NotificationKindHeartbeat, now)); err != nil {
				return err
			}
		}
	}
}

func writeFrame(w *bufio.Writer, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return w.Flush()
}

// EncodeFrame renders v as a `data: <json>\n\n` stream frame.
func EncodeFrame(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

type controlPayload struct {
	Type      domain.NotificationKind `json:"type"`
	CreatedAt time.Time               `json:"createdAt"`
}

// ControlFrame renders a liveness frame of the given control kind.
func ControlFrame(kind domain.NotificationKind, at time.Time) []byte {
	frame, _ := EncodeFrame(controlPayload{Type: kind, CreatedAt: at.UTC()})
	return frame
}
