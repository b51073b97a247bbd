package domain

import (
	"fmt"
	"sort"
)

// LaneSize counts the tasks currently in status.
func LaneSize(tasks []Task, status Status) int {
	n := 0
	for _, t := range tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// NextIndex is the order index a task appended to status receives.
func NextIndex(tasks []Task, status Status) int {
	return LaneSize(tasks, status)
}

// ValidateMove checks the preconditions ApplyOptimisticMove assumes: the task
// exists and the target index is within [0, size of destination lane after the move].
func ValidateMove(tasks []Task, m Move) error {
	if !m.Status.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(m.Status))
	}
	var current *Task
	for i := range tasks {
		if tasks[i].ID == m.TaskID {
			current = &tasks[i]
			break
		}
	}
	if current == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, m.TaskID)
	}
	limit := LaneSize(tasks, m.Status)
	if current.Status == m.Status {
		limit--
	}
	if m.OrderIndex < 0 || m.OrderIndex > limit {
		return fmt.Errorf("%w: %d not in [0, %d] for lane %s", ErrIndexOutOfRange, m.OrderIndex, limit, m.Status)
	}
	return nil
}

// CheckDense reports the first lane whose order indices are not exactly 0..n-1.
func CheckDense(tasks []Task) error {
	seen := make(map[Status][]int)
	for _, t := range tasks {
		seen[t.Status] = append(seen[t.Status], t.OrderIndex)
	}
	for _, status := range Statuses() {
		indices := seen[status]
		sort.Ints(indices)
		for want, got := range indices {
			if got != want {
				return fmt.Errorf("lane %s: expected index %d, found %d", status, want, got)
			}
		}
	}
	return nil
}

// RemoveTask drops id from tasks and closes the gap it leaves in its lane.
// Unknown ids return tasks unchanged.
func RemoveTask(tasks []Task, id string) []Task {
	pos := -1
	for i := range tasks {
		if tasks[i].ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return tasks
	}
	gone := tasks[pos]
	out := make([]Task, 0, len(tasks)-1)
	for i, t := range tasks {
		if i == pos {
			continue
		}
		if t.Status == gone.Status && t.OrderIndex > gone.OrderIndex {
			t.OrderIndex--
		}
		out = append(out, t)
	}
	return out
}

// ChangedTasks returns the entries of after whose lane or index differ from the
// task with the same id in before. Tasks absent from before are included.
func ChangedTasks(before, after []Task) []Task {
	prev := make(map[string]Task, len(before))
	for _, t := range before {
		prev[t.ID] = t
	}
	var changed []Task
	for _, t := range after {
		old, ok := prev[t.ID]
		if !ok || old.Status != t.Status || old.OrderIndex != t.OrderIndex {
			changed = append(changed, t)
		}
	}
	return changed
}

// Board groups tasks by lane, each lane sorted by order index.
func Board(tasks []Task) map[Status][]Task {
	board := make(map[Status][]Task, len(statusNames))
	for _, t := range tasks {
		board[t.Status] = append(board[t.Status], t)
	}
	for _, lane := range board {
		sort.SliceStable(lane, func(i, j int) bool { return lane[i].OrderIndex < lane[j].OrderIndex })
	}
	return board
}

// SortTasks orders tasks by lane then index, in place.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Status != tasks[j].Status {
			return tasks[i].Status < tasks[j].Status
		}
		return tasks[i].OrderIndex < tasks[j].OrderIndex
	})
}
