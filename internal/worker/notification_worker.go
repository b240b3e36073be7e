package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/config"
	"github.com/fieldops/dispatch/internal/domain"
	"github.com/fieldops/dispatch/internal/observability"
	"github.com/fieldops/dispatch/internal/queue"
)

// Deliverer pushes a notification to the live connections of an identity.
type Deliverer interface {
	Deliver(identity string, n domain.Notification) int
}

// NotificationDispatcher drains the notification queue into live streams.
// Every message is acknowledged once its lookup is done, whether or not
// anybody was listening; history is the recovery path for missed events.
type NotificationDispatcher struct {
	consumer  queue.Consumer
	deliverer Deliverer
	metrics   *observability.Metrics
	retry     config.RetryConfig
	logger    *zap.Logger
}

// NewNotificationDispatcher creates the dispatcher.
func NewNotificationDispatcher(consumer queue.Consumer, deliverer Deliverer, metrics *observability.Metrics, retry config.RetryConfig, logger *zap.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationDispatcher{
		consumer:  consumer,
		deliverer: deliverer,
		metrics:   metrics,
		retry:     retry,
		logger:    logger,
	}
}

// Run consumes until ctx is cancelled or the queue is closed. A broken
// session is retried after an exponential backoff that resets once a
// session has received a message.
func (d *NotificationDispatcher) Run(ctx context.Context) {
	policy := d.retry.BackOff()
	for {
		var received atomic.Bool
		err := d.consumer.Consume(ctx, func(ctx context.Context, msg queue.Message) {
			received.Store(true)
			d.handle(msg)
		})
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, queue.ErrClosed) {
			d.logger.Info("notification queue closed, dispatcher stopping")
			return
		}
		if received.Load() {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		d.metrics.Inc(observability.CounterDispatchReconnect)
		d.logger.Warn("notification consumer stopped, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (d *NotificationDispatcher) handle(msg queue.Message) {
	var n domain.Notification
	if err := json.Unmarshal(msg.Data(), &n); err != nil || !n.Valid() {
		d.logger.Warn("dropping undeliverable notification",
			zap.String("msg_id", msg.ID()),
			zap.Int("size", len(msg.Data())),
			zap.Error(err))
		d.metrics.Inc(observability.CounterDispatchPoison)
		d.ack(msg)
		return
	}

	if delivered := d.deliverer.Deliver(n.UserID, n); delivered > 0 {
		d.metrics.Add(observability.CounterDispatchDelivered, int64(delivered))
	} else {
		d.metrics.Inc(observability.CounterDispatchNoListener)
		d.logger.Debug("no live stream for notification",
			zap.String("id", n.ID),
			zap.String("user_id", n.UserID))
	}
	d.ack(msg)
}

func (d *NotificationDispatcher) ack(msg queue.Message) {
	if err := msg.Ack(); err != nil {
		d.metrics.Inc(observability.CounterDispatchAckFailed)
		d.logger.Warn("ack failed", zap.String("msg_id", msg.ID()), zap.Error(err))
	}
}
