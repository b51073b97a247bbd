package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper remembers the Idempotency-Key of every move a user sent, for
// ttl, in Redis shared by all instances.
//
// The move handler calls Add before touching the store. A key seen before
// turns the request into a replay: the move is not applied again and the
// caller gets the board as it is now, flagged duplicate. When the store then
// rejects a fresh move the handler calls Remove, so a retry under the same
// key is treated as new.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

// moveKey scopes key to its owner, e.g. "user-1:move:9b2c...".
func moveKey(userID, key string) string {
	return userID + ":move:" + key
}

// Add claims key for userID and reports whether this call was the first to
// claim it. The stored value is the claim time in unix milliseconds.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, moveKey(userID, key), time.Now().UnixMilli(), r.ttl).Result()
}

// Remove releases a claim made by Add.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, moveKey(userID, key)).Err()
}
