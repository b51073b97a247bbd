package domain

import (
	"fmt"
)

// Status identifies the board lane a task belongs to.
type Status uint8

const (
	Backlog Status = iota
	Next
	InProgress
	Blocked
	Done
)

var statusNames = [...]string{
	Backlog:    "backlog",
	Next:       "next",
	InProgress: "in_progress",
	Blocked:    "blocked",
	Done:       "done",
}

// Statuses returns every lane in board order.
func Statuses() []Status {
	return []Status{Backlog, Next, InProgress, Blocked, Done}
}

// Valid reports whether s is one of the known lanes.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", uint8(s))
	}
	return statusNames[s]
}

// ParseStatus maps a lane name to its Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, name)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
