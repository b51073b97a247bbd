package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Broker fans board-changed notifications out to the SSE streams of one user.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan struct{}]struct{})}
}

func (b *Broker) subscribe(userID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan struct{}]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	return ch
}

func (b *Broker) unsubscribe(userID string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[userID]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(b.subs, userID)
		}
	}
}

// Notify wakes every stream of userID. Pending wake-ups are coalesced.
func (b *Broker) Notify(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *Broker) subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

// SubscribeBoardChanges forwards board-changed notifications from a Redis
// channel to the broker until ctx ends, resubscribing if the channel closes.
func SubscribeBoardChanges(ctx context.Context, rc *redis.Client, channel string, broker *Broker, logger *log.Logger) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				var note domain.BoardChanged
				if err := sonic.UnmarshalString(msg.Payload, &note); err != nil || note.UserID == "" {
					logger.WithField("payload", msg.Payload).Warn("ignoring malformed board notification")
					continue
				}
				broker.Notify(note.UserID)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("board notification channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func streamTasks(store Storage, auth Authenticator, broker *Broker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(authHeader(c))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		ctx := c.Request().Context()
		ch := broker.subscribe(userID)
		defer broker.unsubscribe(userID, ch)
		for {
			tasks, err := store.FetchTasks(ctx, userID)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.WithError(err).WithField("user", userID).Error("stream fetch failed")
				return nil
			}
			data, err := sonic.Marshal(tasksResponse{Tasks: tasks})
			if err != nil {
				return err
			}
			w := c.Response()
			if _, err := w.Write([]byte("data: ")); err != nil {
				return nil
			}
			if _, err := w.Write(data); err != nil {
				return nil
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()

			select {
			case <-ctx.Done():
				return nil
			case <-ch:
			}
		}
	}
}
