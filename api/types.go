package api

import (
	"context"

	"prism-board/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	CreateTask(ctx context.Context, userID string, nt domain.NewTask) (domain.Task, error)
	MoveTask(ctx context.Context, userID string, m domain.Move) ([]domain.Task, error)
	DeleteTask(ctx context.Context, userID, taskID string) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate moves.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the store rejects the move.
	Remove(ctx context.Context, userID, key string) error
}

// EventSink delivers domain events downstream.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Events accepts domain events without blocking the request path.
type Events interface {
	Enqueue(ev domain.Event) bool
}
