package domain

import "time"

// Task represents a single board item.
type Task struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Notes      string     `json:"notes,omitempty"`
	Priority   int        `json:"priority,omitempty"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
	Status     Status     `json:"status"`
	OrderIndex int        `json:"orderIndex"`
}

// NewTask carries the caller supplied fields of a task being created. The
// order index is always assigned by the store.
type NewTask struct {
	Title    string     `json:"title"`
	Notes    string     `json:"notes,omitempty"`
	Priority int        `json:"priority,omitempty"`
	DueDate  *time.Time `json:"dueDate,omitempty"`
	Status   Status     `json:"status"`
}

// CloneTasks returns a shallow copy of tasks so callers can keep a snapshot.
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}
