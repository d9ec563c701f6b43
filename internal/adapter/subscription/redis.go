package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"plugbot/internal/domain"
)

// expiredRetention keeps expired records around so "sub" can still report
// them as expired before Redis evicts the key.
const expiredRetention = 30 * 24 * time.Hour

// RedisStore keeps one JSON document per identity under prefix+identity.
type RedisStore struct {
	clock
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to redisURL (redis://...) and pings it.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "plugbot:sub:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id domain.Identity) string {
	return s.prefix + string(id)
}

func (s *RedisStore) GetSubscription(ctx context.Context, id domain.Identity) (*domain.Subscription, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	var sub domain.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", id, err)
	}
	return &sub, nil
}

func (s *RedisStore) Put(ctx context.Context, sub domain.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}

	var ttl time.Duration
	if !sub.ExpiresAt.IsZero() {
		ttl = time.Until(sub.ExpiresAt) + expiredRetention
		if ttl <= 0 {
			return s.client.Del(ctx, s.key(sub.Identity)).Err()
		}
	}
	if err := s.client.Set(ctx, s.key(sub.Identity), data, ttl).Err(); err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id domain.Identity) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewDomainError("RedisStore.Delete", domain.ErrNotFound, string(id))
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]domain.Subscription, error) {
	var out []domain.Subscription
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := domain.Identity(strings.TrimPrefix(iter.Val(), s.prefix))
		sub, err := s.GetSubscription(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			out = append(out, *sub)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan subscriptions: %w", err)
	}
	slices.SortFunc(out, func(a, b domain.Subscription) int {
		return strings.Compare(string(a.Identity), string(b.Identity))
	})
	return out, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
