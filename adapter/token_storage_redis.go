package schwab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTokenStorage keeps the credential as a JSON string value.
type RedisTokenStorage struct {
	client *redis.Client
}

// NewRedisTokenStorage connects lazily; the first command surfaces
// connection problems.
func NewRedisTokenStorage(addr, password string, db int) *RedisTokenStorage {
	return NewRedisTokenStorageWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// NewRedisTokenStorageWithClient wraps an existing client.
func NewRedisTokenStorageWithClient(client *redis.Client) *RedisTokenStorage {
	return &RedisTokenStorage{client: client}
}

func (r *RedisTokenStorage) SaveToken(ctx context.Context, key string, cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return storeUnavailable("redis set", err)
	}
	return nil
}

func (r *RedisTokenStorage) LoadToken(ctx context.Context, key string) (*Credential, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis key %s: %w", key, ErrTokenNotFound)
		}
		return nil, storeUnavailable("redis get", err)
	}
	return decodeCredential(data)
}

// Close releases the connection pool.
func (r *RedisTokenStorage) Close() error {
	return r.client.Close()
}
