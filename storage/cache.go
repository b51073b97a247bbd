package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-board/domain"
)

// DefaultBoardChannel is the Redis channel board-changed notifications go to.
const DefaultBoardChannel = "board-changed"

type backend interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	CreateTask(ctx context.Context, userID string, nt domain.NewTask) (domain.Task, error)
	MoveTask(ctx context.Context, userID string, m domain.Move) ([]domain.Task, error)
	DeleteTask(ctx context.Context, userID, taskID string) error
}

// Cache wraps a store with Redis-backed caching for reads. Writes go straight
// to the store, evict the user's cached list and announce the change.
type Cache struct {
	base    backend
	redis   *redis.Client
	ttl     time.Duration
	channel string
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// An empty channel disables change notifications.
func NewCache(base backend, client *redis.Client, ttl time.Duration, channel string) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl, channel: channel}
}

func (c *Cache) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, userID); ok {
		return tasks, nil
	}
	gen, genOK := c.generation(ctx, userID)
	tasks, err := c.base.FetchTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.storeTasks(ctx, userID, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) CreateTask(ctx context.Context, userID string, nt domain.NewTask) (domain.Task, error) {
	t, err := c.base.CreateTask(ctx, userID, nt)
	if err != nil {
		return domain.Task{}, err
	}
	c.changed(ctx, userID)
	return t, nil
}

// MoveTask commits the move and returns the authoritative list.
func (c *Cache) MoveTask(ctx context.Context, userID string, m domain.Move) ([]domain.Task, error) {
	tasks, err := c.base.MoveTask(ctx, userID, m)
	if err != nil {
		return nil, err
	}
	c.changed(ctx, userID)
	return tasks, nil
}

func (c *Cache) DeleteTask(ctx context.Context, userID, taskID string) error {
	if err := c.base.DeleteTask(ctx, userID, taskID); err != nil {
		return err
	}
	c.changed(ctx, userID)
	return nil
}

func (c *Cache) loadTasks(ctx context.Context, userID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	return tasks, true
}

// generation returns the user's board generation as last bumped by a write.
// A user who has never written has generation "".
func (c *Cache) generation(ctx context.Context, userID string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, generationKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false
	}
	return gen, true
}

// storeTasks caches tasks only while the board generation is still the one
// observed before they were read, so a write that lands in between is never
// hidden behind a stale entry.
func (c *Cache) storeTasks(ctx context.Context, userID, gen string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	genKey := generationKey(userID)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tasksCacheKey(userID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func (c *Cache) changed(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	// Bump before evicting: a concurrent fill then either fails its watch or
	// is removed by the delete.
	_ = c.redis.Incr(ctx, generationKey(userID)).Err()
	_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
	if c.channel == "" {
		return
	}
	data, err := sonic.Marshal(domain.BoardChanged{UserID: userID})
	if err != nil {
		return
	}
	_ = c.redis.Publish(ctx, c.channel, data).Err()
}

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}

func generationKey(userID string) string {
	return "tasks-gen:" + userID
}
