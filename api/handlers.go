package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const (
	maxBodyBytes         = 64 << 10
	headerIdempotencyKey = "Idempotency-Key"
)

// Services are the dependencies of the HTTP API. Deduper, Events and Redis
// are optional.
type Services struct {
	Store   Storage
	Auth    Authenticator
	Deduper Deduper
	Events  Events
	Redis   *redis.Client
	Broker  *Broker
	Logger  *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Services) {
	if svc.Store == nil || svc.Auth == nil {
		panic("api.Register: store and auth are required")
	}
	if svc.Logger == nil {
		svc.Logger = log.StandardLogger()
	}
	if svc.Broker == nil {
		svc.Broker = NewBroker()
	}
	e.GET("/api/tasks", getTasks(svc))
	e.POST("/api/tasks", createTask(svc))
	e.POST("/api/tasks/:id/move", moveTask(svc))
	e.DELETE("/api/tasks/:id", deleteTask(svc))
	e.GET("/api/stream", streamTasks(svc.Store, svc.Auth, svc.Broker, svc.Logger))
	e.GET("/healthz", healthz(svc.Redis))
}

type tasksResponse struct {
	Tasks     []domain.Task `json:"tasks"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

type moveRequest struct {
	Status     *domain.Status `json:"status"`
	OrderIndex *int           `json:"orderIndex"`
}

// instrumented runs h with request metrics and an authenticated user id.
func instrumented(svc Services, route string, h func(c echo.Context, userID string, m *requestMetrics) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, ctx := newRequestMetrics(c.Request().Context(), svc.Logger, c.Request().Method, route)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status)
		}()

		authStart := time.Now()
		userID, err := svc.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			metrics.Fail("auth", nil)
			return c.String(http.StatusUnauthorized, err.Error())
		}
		return h(c, userID, metrics)
	}
}

func healthz(rc *redis.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		if rc != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := rc.Ping(ctx).Err(); err != nil {
				return c.String(http.StatusServiceUnavailable, "redis unavailable")
			}
		}
		return c.String(http.StatusOK, "ok")
	}
}

func getTasks(svc Services) echo.HandlerFunc {
	return instrumented(svc, "/api/tasks", func(c echo.Context, userID string, m *requestMetrics) error {
		start := time.Now()
		tasks, err := svc.Store.FetchTasks(c.Request().Context(), userID)
		m.ObserveStore(time.Since(start))
		if err != nil {
			return storeError(c, m, err)
		}
		m.SetTasksReturned(len(tasks))
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	})
}

func createTask(svc Services) echo.HandlerFunc {
	return instrumented(svc, "/api/tasks", func(c echo.Context, userID string, m *requestMetrics) error {
		var nt domain.NewTask
		if err := decodeBody(c, &nt); err != nil {
			m.Fail("decode", nil)
			return c.String(http.StatusBadRequest, "invalid body")
		}
		nt.Title = strings.TrimSpace(nt.Title)
		if nt.Title == "" {
			m.Fail("validate", nil)
			return c.String(http.StatusBadRequest, "title is required")
		}

		start := time.Now()
		t, err := svc.Store.CreateTask(c.Request().Context(), userID, nt)
		m.ObserveStore(time.Since(start))
		if err != nil {
			return storeError(c, m, err)
		}
		publish(svc, userID, t.ID, domain.TaskCreated, t)
		return c.JSON(http.StatusCreated, t)
	})
}

func moveTask(svc Services) echo.HandlerFunc {
	return instrumented(svc, "/api/tasks/:id/move", func(c echo.Context, userID string, m *requestMetrics) error {
		ctx := c.Request().Context()
		var body moveRequest
		if err := decodeBody(c, &body); err != nil {
			m.Fail("decode", nil)
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if body.Status == nil || body.OrderIndex == nil {
			m.Fail("validate", nil)
			return c.String(http.StatusBadRequest, "status and orderIndex are required")
		}
		move := domain.Move{TaskID: c.Param("id"), Status: *body.Status, OrderIndex: *body.OrderIndex}

		key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		if key != "" && svc.Deduper != nil {
			added, err := svc.Deduper.Add(ctx, userID, key)
			if err != nil {
				m.Fail("dedupe", err)
				return c.String(http.StatusInternalServerError, "failed to record idempotency key")
			}
			if !added {
				m.SetDuplicate(true)
				start := time.Now()
				tasks, err := svc.Store.FetchTasks(ctx, userID)
				m.ObserveStore(time.Since(start))
				if err != nil {
					return storeError(c, m, err)
				}
				m.SetTasksReturned(len(tasks))
				return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks, Duplicate: true})
			}
		}

		start := time.Now()
		tasks, err := svc.Store.MoveTask(ctx, userID, move)
		m.ObserveStore(time.Since(start))
		if err != nil {
			if key != "" && svc.Deduper != nil {
				if rerr := svc.Deduper.Remove(context.WithoutCancel(ctx), userID, key); rerr != nil {
					svc.Logger.WithError(rerr).WithFields(log.Fields{"user": userID, "key": key}).Error("dedupe rollback failed")
				}
			}
			return storeError(c, m, err)
		}
		m.SetTasksReturned(len(tasks))
		publish(svc, userID, move.TaskID, domain.TaskMoved, domain.TaskMovedEventData{Status: move.Status, OrderIndex: move.OrderIndex})
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	})
}

func deleteTask(svc Services) echo.HandlerFunc {
	return instrumented(svc, "/api/tasks/:id", func(c echo.Context, userID string, m *requestMetrics) error {
		id := c.Param("id")
		start := time.Now()
		err := svc.Store.DeleteTask(c.Request().Context(), userID, id)
		m.ObserveStore(time.Since(start))
		if err != nil {
			return storeError(c, m, err)
		}
		publish(svc, userID, id, domain.TaskDeleted, nil)
		return c.NoContent(http.StatusNoContent)
	})
}

// statusForError maps store and domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIndexOutOfRange), errors.Is(err, domain.ErrBatchTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnknownStatus):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func storeError(c echo.Context, m *requestMetrics, err error) error {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		m.Fail("storage", err)
		return c.String(status, "storage failure")
	}
	m.Fail("storage", nil)
	return c.String(status, err.Error())
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func publish(svc Services, userID, entityID, typ string, data any) {
	if svc.Events == nil {
		return
	}
	ev := domain.Event{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Type:      typ,
		UserID:    userID,
		Timestamp: eventTimes.next(),
	}
	if data != nil {
		raw, err := sonic.Marshal(data)
		if err != nil {
			svc.Logger.WithError(err).WithField("type", typ).Error("encode event data")
			return
		}
		ev.Data = raw
	}
	if !svc.Events.Enqueue(ev) {
		svc.Logger.WithFields(log.Fields{"user": userID, "type": typ, "entity": entityID}).Warn("event publisher saturated, dropping event")
	}
}
