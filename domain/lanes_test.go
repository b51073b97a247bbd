package domain

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestValidateMove(t *testing.T) {
	tasks := []Task{
		task("A", Backlog, 0),
		task("B", Backlog, 1),
		task("C", Next, 0),
	}
	tests := []struct {
		name string
		move Move
		want error
	}{
		{name: "append to other lane", move: Move{TaskID: "A", Status: Next, OrderIndex: 1}},
		{name: "head of other lane", move: Move{TaskID: "A", Status: Next, OrderIndex: 0}},
		{name: "empty lane", move: Move{TaskID: "C", Status: Done, OrderIndex: 0}},
		{name: "last slot same lane", move: Move{TaskID: "A", Status: Backlog, OrderIndex: 1}},
		{name: "past end same lane", move: Move{TaskID: "A", Status: Backlog, OrderIndex: 2}, want: ErrIndexOutOfRange},
		{name: "past end other lane", move: Move{TaskID: "A", Status: Next, OrderIndex: 2}, want: ErrIndexOutOfRange},
		{name: "negative", move: Move{TaskID: "A", Status: Next, OrderIndex: -1}, want: ErrIndexOutOfRange},
		{name: "missing task", move: Move{TaskID: "Z", Status: Next, OrderIndex: 0}, want: ErrTaskNotFound},
		{name: "bad status", move: Move{TaskID: "A", Status: Status(42)}, want: ErrUnknownStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMove(tasks, tt.move)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCheckDense(t *testing.T) {
	if err := CheckDense([]Task{task("A", Next, 1), task("B", Next, 0), task("C", Done, 0)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckDense([]Task{task("A", Next, 0), task("B", Next, 2)}); err == nil {
		t.Fatalf("expected gap to be reported")
	}
	if err := CheckDense([]Task{task("A", Next, 0), task("B", Next, 0)}); err == nil {
		t.Fatalf("expected duplicate to be reported")
	}
}

func TestRemoveTaskClosesGap(t *testing.T) {
	tasks := []Task{task("A", Next, 0), task("B", Next, 1), task("C", Next, 2), task("D", Done, 0)}

	got := RemoveTask(tasks, "B")
	want := []Task{task("A", Next, 0), task("C", Next, 1), task("D", Done, 0)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tasks, RemoveTask(tasks, "missing")); diff != "" {
		t.Fatalf("unknown id changed list (-want +got):\n%s", diff)
	}
}

func TestChangedTasks(t *testing.T) {
	before := []Task{task("A", Backlog, 0), task("B", Backlog, 1), task("C", Next, 0)}
	after := ApplyOptimisticMove(before, "A", Next, 0)

	changed := ChangedTasks(before, after)
	ids := make([]string, 0, len(changed))
	for _, c := range changed {
		ids = append(ids, c.ID)
	}
	if diff := cmp.Diff([]string{"A", "B", "C"}, ids); diff != "" {
		t.Fatalf("unexpected changed ids (-want +got):\n%s", diff)
	}

	if got := ChangedTasks(before, before); len(got) != 0 {
		t.Fatalf("expected no changes, got %#v", got)
	}
}

func TestBoardGroupsAndSorts(t *testing.T) {
	board := Board([]Task{task("B", Next, 1), task("A", Next, 0), task("C", Done, 0)})
	if len(board[Next]) != 2 || board[Next][0].ID != "A" || board[Next][1].ID != "B" {
		t.Fatalf("unexpected next lane: %#v", board[Next])
	}
	if len(board[Backlog]) != 0 {
		t.Fatalf("expected empty backlog, got %#v", board[Backlog])
	}
}
