// Package redislock provides a Redis-backed mutex used to serialize queue cycles across processes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// ErrNotOwner is returned by unlock when the lock expired or was taken over.
var ErrNotOwner = errors.New("lock not owned by this token")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Connect creates a client and verifies the server responds.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	slog.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

// Lock is a single-key mutex with a TTL.
type Lock struct {
	client *redis.Client
	key    string
}

// New creates a lock on key.
func New(client *redis.Client, key string) *Lock {
	return &Lock{client: client, key: key}
}

// TryLock acquires the lock for ttl without blocking. ok is false when another holder owns it.
func (l *Lock) TryLock(ctx context.Context, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := ulid.Make().String()

	acquired, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		released, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		if released == 0 {
			return ErrNotOwner
		}
		return nil
	}
	return unlock, true, nil
}
