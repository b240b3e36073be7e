package presence

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldops/dispatch/internal/domain"
)

// ErrStaleUpdate is returned when a fix is older than the stored one.
var ErrStaleUpdate = errors.New("stale presence update")

// Store is the presence backend used by the presence service.
type Store interface {
	Upsert(ctx context.Context, rec domain.PresenceRecord) (UpsertResult, error)
	Remove(ctx context.Context, department, identity string) (bool, error)
	RemoveIfOwner(ctx context.Context, department, identity, session string) (bool, error)
	List(ctx context.Context, department, gh string) ([]domain.PresenceRecord, error)
	Watch(ctx context.Context, department, gh string) (<-chan domain.ZoneEvent, error)
}

// UpsertResult describes what an accepted upsert did.
type UpsertResult struct {
	Previous string // previous geohash, empty when the identity had no live record
	Moved    bool
}

// KEYS[1]=owner KEYS[2]=bucket KEYS[3]=record KEYS[4]=bucket set
// ARGV[1]=member ARGV[2]=geohash ARGV[3]=lastSeen ms ARGV[4]=lease ms
// ARGV[5]=deadline ms ARGV[6]=record ARGV[7]=added ARGV[8]=updated
// ARGV[9]=removed payload prefix ARGV[10]=bucket prefix ARGV[11]=session
// Returns {applied, previous geohash}.
var upsertScript = redis.NewScript(`
local owner = KEYS[1]
local prev = redis.call('HGET', owner, 'geohash')
local prevSeen = tonumber(redis.call('HGET', owner, 'last_seen') or '0')
local seen = tonumber(ARGV[3])
if prev and seen < prevSeen then
  return {0, prev}
end

if prev and prev ~= ARGV[2] then
  local old = ARGV[10] .. prev
  redis.call('DEL', old .. '/' .. ARGV[1])
  if redis.call('ZREM', old, ARGV[1]) == 1 then
    redis.call('PUBLISH', old, ARGV[9] .. prev .. '"}')
  end
  if redis.call('ZCARD', old) == 0 then
    redis.call('SREM', KEYS[4], old)
  end
end

local lease = tonumber(ARGV[4])
redis.call('SET', KEYS[3], ARGV[6], 'PX', lease)
local fresh = redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
redis.call('SADD', KEYS[4], KEYS[2])
redis.call('HSET', owner, 'geohash', ARGV[2], 'last_seen', ARGV[3], 'session', ARGV[11])
redis.call('PEXPIRE', owner, lease)
if fresh == 1 then
  redis.call('PUBLISH', KEYS[2], ARGV[7])
else
  redis.call('PUBLISH', KEYS[2], ARGV[8])
end
return {1, prev or ''}
`)

// KEYS[1]=owner KEYS[2]=bucket set
// ARGV[1]=member ARGV[2]=bucket prefix ARGV[3]=removed payload prefix
// ARGV[4]=session; when set, only the session that wrote the record removes it
var removeScript = redis.NewScript(`
if ARGV[4] ~= '' and redis.call('HGET', KEYS[1], 'session') ~= ARGV[4] then
  return 0
end
local prev = redis.call('HGET', KEYS[1], 'geohash')
redis.call('DEL', KEYS[1])
if not prev then
  return 0
end
local bucket = ARGV[2] .. prev
redis.call('DEL', bucket .. '/' .. ARGV[1])
local n = redis.call('ZREM', bucket, ARGV[1])
if redis.call('ZCARD', bucket) == 0 then
  redis.call('SREM', KEYS[2], bucket)
end
if n == 1 then
  redis.call('PUBLISH', bucket, ARGV[3] .. prev .. '"}')
end
return n
`)

// KEYS[1]=bucket KEYS[2]=record KEYS[3]=owner KEYS[4]=bucket set
// ARGV[1]=member ARGV[2]=now ms ARGV[3]=geohash ARGV[4]=removed payload
var reapScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
if redis.call('HGET', KEYS[3], 'geohash') == ARGV[3] then
  redis.call('DEL', KEYS[3])
end
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[4], KEYS[1])
end
redis.call('PUBLISH', KEYS[1], ARGV[4])
return 1
`)

// RedisStore keeps presence records in Redis. Each record is a string key
// with a PX lease, indexed in a per-bucket sorted set scored by its lease
// deadline. An owner hash per identity points at the current bucket.
type RedisStore struct {
	client redis.UniversalClient
	keys   Keys
	lease  time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// Option customizes a RedisStore.
type Option func(*RedisStore)

// WithClock overrides the clock used for lease deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a store rooted at root with the given lease.
func NewRedisStore(client redis.UniversalClient, root string, lease time.Duration, logger *zap.Logger, opts ...Option) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RedisStore{
		client: client,
		keys:   Keys{Root: root},
		lease:  lease,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys exposes the key builder.
func (s *RedisStore) Keys() Keys { return s.keys }

// Lease returns the liveness lease re-armed by every upsert.
func (s *RedisStore) Lease() time.Duration { return s.lease }

// Upsert writes rec into its bucket, moving it out of the previous bucket
// and re-arming the lease in one atomic step.
func (s *RedisStore) Upsert(ctx context.Context, rec domain.PresenceRecord) (UpsertResult, error) {
	if err := validSegment(rec.Department); err != nil {
		return UpsertResult{}, err
	}
	if err := validSegment(rec.Identity); err != nil {
		return UpsertResult{}, err
	}
	if !ValidGeohash(rec.Geohash) {
		return UpsertResult{}, ErrInvalidGeohash
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return UpsertResult{}, errors.Wrap(err, "encode presence record")
	}
	added, err := encodeEvent(domain.ZoneEventAdded, rec.Department, rec.Geohash, rec.Identity, &rec)
	if err != nil {
		return UpsertResult{}, err
	}
	updated, err := encodeEvent(domain.ZoneEventUpdated, rec.Department, rec.Geohash, rec.Identity, &rec)
	if err != nil {
		return UpsertResult{}, err
	}
	removedPrefix, err := removedPayloadPrefix(rec.Department, rec.Identity)
	if err != nil {
		return UpsertResult{}, err
	}

	leaseMs := s.lease.Milliseconds()
	deadline := s.now().Add(s.lease).UnixMilli()
	keys := []string{
		s.keys.Owner(rec.Department, rec.Identity),
		s.keys.Bucket(rec.Department, rec.Geohash),
		s.keys.Record(rec.Department, rec.Geohash, rec.Identity),
		s.keys.Buckets(),
	}
	res, err := upsertScript.Run(ctx, s.client, keys,
		EncodeIdentity(rec.Identity),
		rec.Geohash,
		rec.LastSeen.UnixMilli(),
		leaseMs,
		deadline,
		body,
		added,
		updated,
		removedPrefix,
		s.keys.BucketPrefix(rec.Department),
		rec.Session,
	).Slice()
	if err != nil {
		return UpsertResult{}, errors.Wrapf(err, "upsert presence %s", keys[2])
	}
	if len(res) != 2 {
		return UpsertResult{}, errors.Errorf("unexpected upsert reply %v", res)
	}
	applied, _ := res[0].(int64)
	prev, _ := res[1].(string)
	if applied == 0 {
		return UpsertResult{Previous: prev}, ErrStaleUpdate
	}
	return UpsertResult{Previous: prev, Moved: prev != "" && prev != rec.Geohash}, nil
}

// Remove deletes the identity's live record, if any.
func (s *RedisStore) Remove(ctx context.Context, department, identity string) (bool, error) {
	return s.remove(ctx, department, identity, "")
}

// RemoveIfOwner deletes the identity's live record only while session is
// the last writer. A superseded session's disconnect leaves the newer
// session's record in place.
func (s *RedisStore) RemoveIfOwner(ctx context.Context, department, identity, session string) (bool, error) {
	if session == "" {
		return false, errors.New("session required")
	}
	return s.remove(ctx, department, identity, session)
}

func (s *RedisStore) remove(ctx context.Context, department, identity, session string) (bool, error) {
	if err := validSegment(department); err != nil {
		return false, err
	}
	removedPrefix, err := removedPayloadPrefix(department, identity)
	if err != nil {
		return false, err
	}
	n, err := removeScript.Run(ctx, s.client,
		[]string{s.keys.Owner(department, identity), s.keys.Buckets()},
		EncodeIdentity(identity),
		s.keys.BucketPrefix(department),
		removedPrefix,
		session,
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "remove presence %s/%s", department, identity)
	}
	return n == 1, nil
}

// List returns the live records of a bucket ordered by identity.
func (s *RedisStore) List(ctx context.Context, department, gh string) ([]domain.PresenceRecord, error) {
	if !ValidGeohash(gh) {
		return nil, ErrInvalidGeohash
	}
	bucket := s.keys.Bucket(department, gh)
	members, err := s.client.ZRangeByScore(ctx, bucket, &redis.ZRangeBy{
		Min: strconv.FormatInt(s.now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list bucket %s", bucket)
	}
	if len(members) == 0 {
		return []domain.PresenceRecord{}, nil
	}

	recordKeys := make([]string, len(members))
	for i, m := range members {
		recordKeys[i] = bucket + "/" + m
	}
	values, err := s.client.MGet(ctx, recordKeys...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load bucket %s", bucket)
	}

	out := make([]domain.PresenceRecord, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // lease ran out before the reaper swept the index
		}
		var rec domain.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("skip undecodable presence record", zap.String("key", recordKeys[i]), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

// Watch subscribes to a bucket's change feed. The subscription is active
// when Watch returns; the channel closes when ctx is done.
func (s *RedisStore) Watch(ctx context.Context, department, gh string) (<-chan domain.ZoneEvent, error) {
	if !ValidGeohash(gh) {
		return nil, ErrInvalidGeohash
	}
	bucket := s.keys.Bucket(department, gh)
	sub := s.client.Subscribe(ctx, bucket)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "subscribe %s", bucket)
	}

	out := make(chan domain.ZoneEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.ZoneEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("skip undecodable zone event", zap.String("bucket", bucket), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// reap removes one index entry if its lease deadline has passed.
func (s *RedisStore) reap(ctx context.Context, department, gh, member string, now time.Time) (bool, error) {
	identity := DecodeIdentity(member)
	payload, err := encodeEvent(domain.ZoneEventRemoved, department, gh, identity, nil)
	if err != nil {
		return false, err
	}
	bucket := s.keys.Bucket(department, gh)
	n, err := reapScript.Run(ctx, s.client,
		[]string{bucket, bucket + "/" + member, s.keys.Owner(department, identity), s.keys.Buckets()},
		member,
		now.UnixMilli(),
		gh,
		payload,
	).Int()
	if err != nil {
		return false, errors.Wrapf(err, "reap %s/%s", bucket, member)
	}
	return n == 1, nil
}

func encodeEvent(kind domain.ZoneEventKind, department, gh, identity string, rec *domain.PresenceRecord) (string, error) {
	b, err := json.Marshal(domain.ZoneEvent{
		Kind:       kind,
		Identity:   identity,
		Department: department,
		Geohash:    gh,
		Record:     rec,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode zone event")
	}
	return string(b), nil
}

// removedPayloadPrefix renders a removed event up to the geohash value so a
// script can complete it once it knows which bucket held the record.
func removedPayloadPrefix(department, identity string) (string, error) {
	ident, err := json.Marshal(identity)
	if err != nil {
		return "", errors.Wrap(err, "encode identity")
	}
	dept, err := json.Marshal(department)
	if err != nil {
		return "", errors.Wrap(err, "encode department")
	}
	return `{"kind":"removed","identity":` + string(ident) + `,"department":` + string(dept) + `,"geohash":"`, nil
}
