package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "ledger:query:"

// RedisStore shares descriptors between API replicas. Entries expire
// after ttl without access.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisOptions configures the descriptor store connection
type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient connects and pings a redis server
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a RedisStore
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "descriptor_store").Logger(),
	}
}

func (r *RedisStore) key(id string) string {
	return redisKeyPrefix + id
}

func (r *RedisStore) Put(ctx context.Context, d *Descriptor) error {
	data, err := encodeDescriptor(d)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	if err := r.client.Set(ctx, r.key(d.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store descriptor: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Descriptor, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDescriptorExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptor: %w", err)
	}

	if err := r.client.Expire(ctx, r.key(id), r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("query_id", id).Msg("failed to refresh descriptor ttl")
	}

	d, err := decodeDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %w", err)
	}
	return d, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}
