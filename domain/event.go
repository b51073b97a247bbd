package domain

import "github.com/bytedance/sonic"

const (
	TaskCreated = "task-created"
	TaskMoved   = "task-moved"
	TaskDeleted = "task-deleted"
)

// Event represents a change in the board that downstream consumers may react to.
type Event struct {
	ID        string                 `json:"id"`
	EntityID  string                 `json:"entityId"`
	Type      string                 `json:"type"`
	UserID    string                 `json:"userId"`
	Data      sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// TaskMovedEventData describes the target position of a moved task.
type TaskMovedEventData struct {
	Status     Status `json:"status"`
	OrderIndex int    `json:"orderIndex"`
}

// BoardChanged is the notification published after a user's board was written.
type BoardChanged struct {
	UserID string `json:"userId"`
}
