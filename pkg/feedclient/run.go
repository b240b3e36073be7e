package feedclient

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Option configures a Client.
type Option func(*Client)

// WithBackOff replaces the reconnect policy used by Run.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = newBackOff }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run keeps a live feed for identity until ctx is cancelled. Each session
// opens the stream, fetches the history baseline, merges it and then layers
// live events on top. Transport failures flip the feed to reconnecting and
// the session is retried with backoff. onChange receives a copy of the feed
// whenever its list or status changes.
func (c *Client) Run(ctx context.Context, identity string, onChange func(View)) error {
	feed := NewFeed()
	notify := func() {
		if onChange != nil {
			onChange(feed.Snapshot())
		}
	}
	notify()

	b := c.newBackOff()
	for {
		err := c.session(ctx, identity, feed, b, notify)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		feed.SetStatus(StatusReconnecting)
		notify()

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("client.Run: giving up: %w", err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context, identity string, feed *Feed, b backoff.BackOff, notify func()) error {
	body, err := c.openStream(ctx, "/notifications/"+url.PathEscape(identity))
	if err != nil {
		return err
	}
	defer body.Close() //nolint:errcheck // best-effort close

	baseline, err := c.History(ctx, identity)
	if err != nil {
		return err
	}
	b.Reset()
	feed.Merge(baseline)
	feed.SetStatus(StatusConnected)
	notify()

	return readEvents(ctx, body, func(data []byte) {
		n, ok := decodeNotification(data)
		if ok && feed.Apply(n) {
			notify()
		}
	})
}
