package domain

// CommitOutcome classifies the store's answer to a move.
type CommitOutcome int

const (
	CommitApplied CommitOutcome = iota
	CommitConflict
	CommitFailed
)

func (o CommitOutcome) String() string {
	switch o {
	case CommitApplied:
		return "applied"
	case CommitConflict:
		return "conflict"
	default:
		return "failed"
	}
}

// CommitResult is the outcome of sending a move to the authoritative store.
// Tasks holds the store's task list whenever it returned one.
type CommitResult struct {
	Outcome CommitOutcome
	Tasks   []Task
	Err     error
}
