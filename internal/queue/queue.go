package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned once a queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Message is a unit of at-least-once delivery. A message that is not acked
// is redelivered, possibly to another consume session.
type Message interface {
	ID() string
	Data() []byte
	Ack() error
}

// Handler processes one message. It owns the decision to ack.
type Handler func(ctx context.Context, msg Message)

// Publisher enqueues a payload. id is used for broker-side deduplication.
type Publisher interface {
	Publish(ctx context.Context, id string, data []byte) error
}

// Consumer runs one consume session, invoking handler for every message.
// It returns nil when ctx is cancelled and an error when the session broke;
// callers decide whether and when to start a new session.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Queue is the notification broker channel.
type Queue interface {
	Publisher
	Consumer
	Ping(ctx context.Context) error
	Close() error
}
