package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"crmpulse/utils"
)

// APIRateLimiter throttles authenticated API calls per user and route.
// Storage may be nil for the limiter's in-memory store.
func APIRateLimiter(max int, window time.Duration, storage fiber.Storage) fiber.Handler {
	if max <= 0 {
		max = 120
	}
	if window <= 0 {
		window = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id := UserID(c); id != 0 {
				return fmt.Sprintf("ratelimit:user:%d:%s", id, c.Route().Path)
			}
			return "ratelimit:ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			utils.LogEvent("rate_limit_hit", map[string]interface{}{
				"user_id":  UserID(c),
				"endpoint": c.Path(),
				"ip":       c.IP(),
			})
			return utils.ErrorResponse(c, fiber.StatusTooManyRequests, "Too many requests. Please wait before trying again.", nil)
		},
		Storage: storage,
	})
}

// RedisStorage implements fiber.Storage on a shared Redis client so limits
// hold across replicas.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

func (r *RedisStorage) Get(key string) ([]byte, error) {
	val, err := r.client.Get(context.Background(), r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (r *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	if key == "" || len(val) == 0 {
		return nil
	}
	return r.client.Set(context.Background(), r.prefix+key, val, exp).Err()
}

func (r *RedisStorage) Delete(key string) error {
	return r.client.Del(context.Background(), r.prefix+key).Err()
}

// Reset drops only this storage's keys; the client is shared with the
// refresh locker.
func (r *RedisStorage) Reset() error {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close is a no-op; the owner of the client closes it.
func (r *RedisStorage) Close() error {
	return nil
}
