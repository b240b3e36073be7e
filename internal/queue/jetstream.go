package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// JetStreamConfig describes the stream and durable consumer used for notifications.
type JetStreamConfig struct {
	URL        string
	Name       string
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	FetchBatch int
	FetchWait  time.Duration
}

func (c *JetStreamConfig) norm() {
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 64
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 500 * time.Millisecond
	}
}

// JetStream is a NATS JetStream backed queue with a durable pull consumer.
// The connection is dialed lazily and re-dialed after it closes, so callers
// can retry a failed Publish or Consume without rebuilding the queue.
type JetStream struct {
	cfg    JetStreamConfig
	logger *zap.Logger

	mu     sync.Mutex
	nc     *nats.Conn
	js     nats.JetStreamContext
	closed bool
}

// NewJetStream creates the queue without connecting.
func NewJetStream(cfg JetStreamConfig, logger *zap.Logger) *JetStream {
	cfg.norm()
	return &JetStream{cfg: cfg, logger: logger}
}

// Publish sends data with id as the Nats-Msg-Id so broker-side dedup
// drops duplicates published within the stream's duplicate window.
func (q *JetStream) Publish(ctx context.Context, id string, data []byte) error {
	js, err := q.jetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(q.cfg.Subject, data, nats.MsgId(id), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", q.cfg.Subject, err)
	}
	return nil
}

// Consume pulls batches from the durable consumer until ctx is cancelled or
// the connection fails.
func (q *JetStream) Consume(ctx context.Context, handler Handler) error {
	js, err := q.jetStream()
	if err != nil {
		return err
	}
	if err := q.ensureConsumer(js); err != nil {
		return err
	}

	sub, err := js.PullSubscribe(q.cfg.Subject, q.cfg.Durable, nats.Bind(q.cfg.Stream, q.cfg.Durable))
	if err != nil {
		return fmt.Errorf("pull subscribe: %w", err)
	}
	// bound subscriptions leave the durable consumer in place
	defer func() { _ = sub.Unsubscribe() }()

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := sub.Fetch(q.cfg.FetchBatch, nats.MaxWait(q.cfg.FetchWait))
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		for _, m := range msgs {
			handler(ctx, natsMessage{m: m})
		}
	}
}

// Ping reports whether the broker connection is up.
func (q *JetStream) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.nc == nil {
		return errors.New("nats not connected")
	}
	if !q.nc.IsConnected() {
		return fmt.Errorf("nats %s", q.nc.Status())
	}
	return nil
}

// Close drains the connection.
func (q *JetStream) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.nc != nil {
		return q.nc.Drain()
	}
	return nil
}

func (q *JetStream) jetStream() (nats.JetStreamContext, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.nc != nil && !q.nc.IsClosed() && q.js != nil {
		return q.js, nil
	}

	nc, err := nats.Connect(q.cfg.URL,
		nats.Name(q.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			q.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			q.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	if err := q.ensureStream(js); err != nil {
		nc.Close()
		return nil, err
	}

	q.nc, q.js = nc, js
	q.logger.Info("connected to nats", zap.String("stream", q.cfg.Stream), zap.String("subject", q.cfg.Subject))
	return js, nil
}

func (q *JetStream) ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(q.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       q.cfg.Stream,
		Subjects:   []string{q.cfg.Subject},
		Storage:    nats.FileStorage,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

func (q *JetStream) ensureConsumer(js nats.JetStreamContext) error {
	_, err := js.ConsumerInfo(q.cfg.Stream, q.cfg.Durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("consumer info: %w", err)
	}
	_, err = js.AddConsumer(q.cfg.Stream, &nats.ConsumerConfig{
		Durable:       q.cfg.Durable,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
		FilterSubject: q.cfg.Subject,
		MaxAckPending: 1024,
	})
	if err != nil {
		return fmt.Errorf("add consumer: %w", err)
	}
	return nil
}

type natsMessage struct {
	m *nats.Msg
}

func (n natsMessage) ID() string   { return n.m.Header.Get(nats.MsgIdHdr) }
func (n natsMessage) Data() []byte { return n.m.Data }
func (n natsMessage) Ack() error   { return n.m.Ack() }
