package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/accessgate/internal/platform/clock"
)

const (
	liveKeyPrefix   = "accessgate:session:live:"
	issuedKeyPrefix = "accessgate:session:issued:"
)

// register claims the permanent issued marker first so an id is accepted at most once.
var register = redis.NewScript(`
if redis.call('SETNX', KEYS[2], ARGV[3]) == 0 then
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	return -1
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisRegistry stores sessions in Redis so several processes share them.
// Live sessions expire with their absolute expiry; the issued marker never
// expires, which keeps evicted and expired ids from being registered again.
type RedisRegistry struct {
	client *redis.Client
	opts   Options
	clock  clock.Clock
}

// NewRedisRegistry constructs a registry on client.
func NewRedisRegistry(client *redis.Client, opts Options) *RedisRegistry {
	return &RedisRegistry{client: client, opts: opts, clock: opts.clock()}
}

// Register implements Registry.
func (r *RedisRegistry) Register(ctx context.Context, s Session) error {
	now := r.clock.Now()
	s, err := prepare(s, now)
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	res, err := register.Run(ctx, r.client,
		[]string{liveKeyPrefix + s.ID, issuedKeyPrefix + s.ID},
		data, ttlUntil(now, s.ExpiresAt).Milliseconds(), s.IdentityID).Int()
	if err != nil {
		return fmt.Errorf("session: register: %w", err)
	}
	switch res {
	case 0:
		return ErrExists
	case -1:
		return ErrReused
	}
	return nil
}

// Validate implements Registry.
func (r *RedisRegistry) Validate(ctx context.Context, id, identityID string) (Session, error) {
	now := r.clock.Now()
	s, err := r.load(ctx, liveKeyPrefix+id)
	if err != nil {
		return Session{}, err
	}
	if err := s.check(now, identityID, r.opts.IdleTimeout); err != nil {
		if delErr := r.client.Del(ctx, liveKeyPrefix+id).Err(); delErr != nil {
			return Session{}, fmt.Errorf("session: evict: %w", delErr)
		}
		return Session{}, err
	}
	s.LastActivity = now
	data, err := json.Marshal(s)
	if err != nil {
		return Session{}, err
	}
	ok, err := r.client.SetXX(ctx, liveKeyPrefix+id, data, ttlUntil(now, s.ExpiresAt)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("session: refresh: %w", err)
	}
	if !ok {
		// evicted by a concurrent caller between read and refresh
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Revoke implements Registry.
func (r *RedisRegistry) Revoke(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, liveKeyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("session: revoke: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Sweep evicts idle sessions; expired ones are already dropped by their TTL.
func (r *RedisRegistry) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	evicted := 0
	iter := r.client.Scan(ctx, 0, liveKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		s, err := r.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return evicted, err
		}
		if !s.stale(now, r.opts.IdleTimeout) {
			continue
		}
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return evicted, fmt.Errorf("session: sweep %s: %w", strings.TrimPrefix(key, liveKeyPrefix), err)
		}
		evicted++
	}
	if err := iter.Err(); err != nil {
		return evicted, fmt.Errorf("session: sweep scan: %w", err)
	}
	return evicted, nil
}

func (r *RedisRegistry) load(ctx context.Context, key string) (Session, error) {
	payload, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: load: %w", err)
	}
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return Session{}, fmt.Errorf("session: decode: %w", err)
	}
	return s, nil
}

func ttlUntil(now, expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}
