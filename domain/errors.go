package domain

import "errors"

var (
	// ErrTaskNotFound is returned when a move or delete references a task the owner does not have.
	ErrTaskNotFound = errors.New("task not found")
	// ErrIndexOutOfRange is returned when a target order index falls outside the destination lane.
	ErrIndexOutOfRange = errors.New("order index out of range")
	// ErrUnknownStatus is returned when a status name or value is not one of the board's lanes.
	ErrUnknownStatus = errors.New("unknown status")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrBatchTooLarge is returned when a single move would rewrite more rows than
	// the store can commit atomically.
	ErrBatchTooLarge = errors.New("move touches too many tasks for one transaction")
)
