package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/ledger_client/internal/errors"
)

const redisKeyPrefix = "ledgerctl:session:"

// RedisRepository stores the record as a hash, optionally expiring with the
// session TTL.
type RedisRepository struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisRepository creates a RedisRepository for profile.
func NewRedisRepository(client *redis.Client, profile string, ttl time.Duration) *RedisRepository {
	if profile == "" {
		profile = "default"
	}
	return &RedisRepository{client: client, key: redisKeyPrefix + profile, ttl: ttl}
}

// OpenRedis connects to addr and checks the connection.
func OpenRedis(ctx context.Context, addr string, db int, profile string, ttl time.Duration) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect session redis: %w", err)
	}
	return NewRedisRepository(client, profile, ttl), nil
}

// Get returns the stored record.
func (r *RedisRepository) Get(ctx context.Context) (Record, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("load session: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, errors.ErrNotFound
	}
	return Record{
		UserID:        fields["user_id"],
		Username:      fields["username"],
		WalletAddress: fields["wallet_address"],
		Token:         fields["token"],
	}, nil
}

// Set replaces the stored record.
func (r *RedisRepository) Set(ctx context.Context, rec Record) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key, map[string]interface{}{
			"user_id":        rec.UserID,
			"username":       rec.Username,
			"wallet_address": rec.WalletAddress,
			"token":          rec.Token,
		})
		if r.ttl > 0 {
			pipe.Expire(ctx, r.key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear deletes the stored record.
func (r *RedisRepository) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

var _ Repository = (*RedisRepository)(nil)
