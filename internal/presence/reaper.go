package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/observability"
)

// Reaper sweeps index entries whose lease ran out and announces their removal.
// Redis expires the record keys themselves; the reaper keeps the bucket
// indexes and zone watchers consistent with that.
type Reaper struct {
	store    *RedisStore
	interval time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewReaper creates a reaper for store.
func NewReaper(store *RedisStore, interval time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{store: store, interval: interval, metrics: metrics, logger: logger}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("presence sweep failed", zap.Error(err))
				}
			} else if n > 0 {
				r.logger.Info("presence entries expired", zap.Int("count", n))
			}
		}
	}
}

// Sweep removes every expired entry once and returns how many were removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	s := r.store
	buckets, err := s.client.SMembers(ctx, s.keys.Buckets()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "list buckets")
	}

	now := s.now()
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	removed := 0
	for _, bucket := range buckets {
		department, gh, ok := s.keys.ParseBucket(bucket)
		if !ok {
			r.logger.Warn("drop unrecognized bucket", zap.String("bucket", bucket))
			s.client.SRem(ctx, s.keys.Buckets(), bucket)
			continue
		}
		members, err := s.client.ZRangeByScore(ctx, bucket, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, errors.Wrapf(err, "scan bucket %s", bucket)
		}
		for _, member := range members {
			ok, err := s.reap(ctx, department, gh, member, now)
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
				r.metrics.Inc(observability.CounterPresenceReaped)
			}
		}
	}
	return removed, nil
}
