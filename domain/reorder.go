package domain

// Move requests that a task be placed at OrderIndex within the Status lane.
type Move struct {
	TaskID     string `json:"taskId"`
	Status     Status `json:"status"`
	OrderIndex int    `json:"orderIndex"`
}

// ApplyOptimisticMove returns a new task list in which taskID sits at
// newOrderIndex of the newStatus lane and its former and new siblings have been
// shifted so every lane keeps dense zero-based indices.
//
// Only the source and destination lanes are touched. newOrderIndex is not
// clamped; callers wanting the precondition enforced use ValidateMove first.
// An unknown taskID returns tasks unchanged.
func ApplyOptimisticMove(tasks []Task, taskID string, newStatus Status, newOrderIndex int) []Task {
	pos := -1
	for i := range tasks {
		if tasks[i].ID == taskID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return tasks
	}

	moving := tasks[pos]
	oldStatus, oldIndex := moving.Status, moving.OrderIndex
	crossLane := oldStatus != newStatus

	out := make([]Task, len(tasks))
	for i, t := range tasks {
		switch {
		case i == pos:
			t.Status = newStatus
			t.OrderIndex = newOrderIndex
		case crossLane:
			if t.Status == oldStatus && t.OrderIndex > oldIndex {
				t.OrderIndex--
			} else if t.Status == newStatus && t.OrderIndex >= newOrderIndex {
				t.OrderIndex++
			}
		case t.Status != newStatus:
			// other lane
		case newOrderIndex > oldIndex:
			if t.OrderIndex > oldIndex && t.OrderIndex <= newOrderIndex {
				t.OrderIndex--
			}
		default:
			if t.OrderIndex >= newOrderIndex && t.OrderIndex < oldIndex {
				t.OrderIndex++
			}
		}
		out[i] = t
	}
	return out
}

// Apply is ApplyOptimisticMove for a Move value.
func (m Move) Apply(tasks []Task) []Task {
	return ApplyOptimisticMove(tasks, m.TaskID, m.Status, m.OrderIndex)
}
