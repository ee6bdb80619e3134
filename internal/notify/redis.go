package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The counter is a cache over the store: it is only adjusted while present
// and is rebuilt from the store on a miss.
var (
	incrIfExists = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("INCR", KEYS[1])
end
return -1`)

	decrIfPositive = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]))
if v == nil then
	return -1
end
if v > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0`)

	releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func unreadKey(userID string) string {
	return fmt.Sprintf("notification:unread:%s", userID)
}

func (c *RedisCounter) Incr(ctx context.Context, userID string) error {
	return incrIfExists.Run(ctx, c.client, []string{unreadKey(userID)}).Err()
}

func (c *RedisCounter) Decr(ctx context.Context, userID string) error {
	return decrIfPositive.Run(ctx, c.client, []string{unreadKey(userID)}).Err()
}

func (c *RedisCounter) Set(ctx context.Context, userID string, n int64) error {
	return c.client.Set(ctx, unreadKey(userID), n, 0).Err()
}

// Get reports the cached count and whether it was present.
func (c *RedisCounter) Get(ctx context.Context, userID string) (int64, bool, error) {
	n, err := c.client.Get(ctx, unreadKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// RedisClaimer lets exactly one replica fire a given scheduled notification.
type RedisClaimer struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

func NewRedisClaimer(client *redis.Client, owner string, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisClaimer{client: client, owner: owner, ttl: ttl}
}

func fireKey(scheduledID string) string {
	return fmt.Sprintf("notification:fire:%s", scheduledID)
}

func (c *RedisClaimer) Claim(ctx context.Context, scheduledID string) (bool, error) {
	return c.client.SetNX(ctx, fireKey(scheduledID), c.owner, c.ttl).Result()
}

// Release drops the claim if this replica still holds it.
func (c *RedisClaimer) Release(ctx context.Context, scheduledID string) error {
	return releaseIfOwner.Run(ctx, c.client, []string{fireKey(scheduledID)}, c.owner).Err()
}
