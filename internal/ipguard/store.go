package ipguard

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BlocklistStore persists blocklist entries outside the process.
type BlocklistStore interface {
	Load(ctx context.Context) ([]string, error)
	Add(ctx context.Context, entry string) error
	Remove(ctx context.Context, entry string) error
}

// BlocklistWatcher is a BlocklistStore that announces changes made by any process.
type BlocklistWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}

const (
	blocklistKey = "accessgate:blocklist"
	// BlocklistChannel carries blocklist changes between replicas.
	BlocklistChannel = "accessgate:blocklist:changed"
)

// RedisBlocklistStore keeps entries in a Redis set.
type RedisBlocklistStore struct {
	client *redis.Client
	key    string
}

// NewRedisBlocklistStore constructs a store on client.
func NewRedisBlocklistStore(client *redis.Client) *RedisBlocklistStore {
	return &RedisBlocklistStore{client: client, key: blocklistKey}
}

// Load returns every stored entry.
func (s *RedisBlocklistStore) Load(ctx context.Context) ([]string, error) {
	entries, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("ipguard: load blocklist: %w", err)
	}
	return entries, nil
}

// Add stores entry and announces the change.
func (s *RedisBlocklistStore) Add(ctx context.Context, entry string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.key, entry)
		pipe.Publish(ctx, BlocklistChannel, entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ipguard: store blocklist entry: %w", err)
	}
	return nil
}

// Remove deletes entry and announces the change.
func (s *RedisBlocklistStore) Remove(ctx context.Context, entry string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.key, entry)
		pipe.Publish(ctx, BlocklistChannel, entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ipguard: remove blocklist entry: %w", err)
	}
	return nil
}

// Watch calls onChange for every announced change until ctx is done. The
// subscription is confirmed before it returns.
func (s *RedisBlocklistStore) Watch(ctx context.Context, onChange func()) error {
	pubsub := s.client.Subscribe(ctx, BlocklistChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("ipguard: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				onChange()
			}
		}
	}()
	return nil
}
