package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
)

// fakePartition keeps rows in memory and enforces the same If-Match rules the
// table service applies to a transaction.
type fakePartition struct {
	mu        sync.Mutex
	rows      map[string]domain.Task
	etags     map[string]string
	boardETag string
	version   int64
	seq       int
	submits   int

	// beforeSubmit runs before each submit is checked and may change the rows
	// to simulate a concurrent writer.
	beforeSubmit func(f *fakePartition)
	loadErr      error
}

func newFakePartition(tasks ...domain.Task) *fakePartition {
	f := &fakePartition{rows: map[string]domain.Task{}, etags: map[string]string{}}
	for _, t := range tasks {
		f.rows[t.ID] = t
		f.etags[t.ID] = f.nextETag()
	}
	return f
}

func (f *fakePartition) nextETag() string {
	f.seq++
	return "W/\"" + strconv.Itoa(f.seq) + "\""
}

// bump simulates another writer committing to the partition.
func (f *fakePartition) bump() {
	f.version++
	f.boardETag = f.nextETag()
}

func (f *fakePartition) load(ctx context.Context, userID string) (snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return snapshot{}, f.loadErr
	}
	snap := snapshot{tasks: []domain.Task{}, etags: map[string]string{}, boardETag: f.boardETag, version: f.version}
	for id, t := range f.rows {
		snap.tasks = append(snap.tasks, t)
		snap.etags[id] = f.etags[id]
	}
	return snap, nil
}

func (f *fakePartition) submit(ctx context.Context, b batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.beforeSubmit != nil {
		f.beforeSubmit(f)
	}
	if b.boardETag != f.boardETag {
		return fmt.Errorf("UpdateConditionNotSatisfied: %w", domain.ErrConcurrencyConflict)
	}
	for _, op := range b.ops {
		switch op.kind {
		case opInsert:
			if _, ok := f.rows[op.task.ID]; ok {
				return fmt.Errorf("EntityAlreadyExists: %w", domain.ErrConcurrencyConflict)
			}
		default:
			if f.etags[op.task.ID] != op.etag {
				return fmt.Errorf("UpdateConditionNotSatisfied: %w", domain.ErrConcurrencyConflict)
			}
		}
	}
	for _, op := range b.ops {
		switch op.kind {
		case opInsert, opReposition:
			f.rows[op.task.ID] = op.task
			f.etags[op.task.ID] = f.nextETag()
		case opDelete:
			delete(f.rows, op.task.ID)
			delete(f.etags, op.task.ID)
		}
	}
	f.version = b.version + 1
	f.boardETag = f.nextETag()
	return nil
}

func (f *fakePartition) tasks() []domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Task, 0, len(f.rows))
	for _, t := range f.rows {
		out = append(out, t)
	}
	domain.SortTasks(out)
	return out
}

func tk(id string, status domain.Status, idx int) domain.Task {
	return domain.Task{ID: id, Title: "title " + id, Status: status, OrderIndex: idx}
}

func silentLogger() *log.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestTablesMoveTaskWritesOnlyChangedRows(t *testing.T) {
	part := newFakePartition(
		tk("A", domain.Backlog, 0),
		tk("B", domain.Backlog, 1),
		tk("C", domain.Next, 0),
		tk("D", domain.Next, 1),
		tk("E", domain.Done, 0),
	)
	var written []string
	store := newTables(recordingPartition{part, &written}, 3, silentLogger())

	got, err := store.MoveTask(context.Background(), "user", domain.Move{TaskID: "A", Status: domain.Next, OrderIndex: 1})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	want := []domain.Task{
		tk("B", domain.Backlog, 0),
		tk("C", domain.Next, 0),
		tk("A", domain.Next, 1),
		tk("D", domain.Next, 2),
		tk("E", domain.Done, 0),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected tasks (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, part.tasks()); diff != "" {
		t.Fatalf("unexpected stored tasks (-want +got):\n%s", diff)
	}
	sort.Strings(written)
	if diff := cmp.Diff([]string{"A", "B", "D"}, written); diff != "" {
		t.Fatalf("unexpected written rows (-want +got):\n%s", diff)
	}
}

type recordingPartition struct {
	*fakePartition
	written *[]string
}

func (r recordingPartition) submit(ctx context.Context, b batch) error {
	for _, op := range b.ops {
		*r.written = append(*r.written, op.task.ID)
	}
	return r.fakePartition.submit(ctx, b)
}

func TestTablesMoveTaskRetriesOnConflict(t *testing.T) {
	part := newFakePartition(tk("A", domain.Next, 0), tk("B", domain.Next, 1), tk("C", domain.Next, 2))
	conflicts := 2
	part.beforeSubmit = func(f *fakePartition) {
		if conflicts > 0 {
			conflicts--
			f.bump()
		}
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	store := newTables(part, 5, logger)

	got, err := store.MoveTask(context.Background(), "user", domain.Move{TaskID: "C", Status: domain.Next, OrderIndex: 0})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if part.submits != 3 {
		t.Fatalf("expected 3 submits, got %d", part.submits)
	}
	want := []domain.Task{tk("C", domain.Next, 0), tk("A", domain.Next, 1), tk("B", domain.Next, 2)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected tasks (-want +got):\n%s", diff)
	}
	retries := 0
	for _, e := range hook.AllEntries() {
		if e.Level == log.DebugLevel {
			retries++
		}
	}
	if retries != 2 {
		t.Fatalf("expected 2 retry log lines, got %d", retries)
	}
}

func TestTablesMoveTaskRederivesAfterConcurrentMove(t *testing.T) {
	part := newFakePartition(tk("A", domain.Next, 0), tk("B", domain.Next, 1), tk("C", domain.Next, 2))
	once := true
	part.beforeSubmit = func(f *fakePartition) {
		if !once {
			return
		}
		once = false
		// another client moved C to the front.
		f.rows["C"] = tk("C", domain.Next, 0)
		f.rows["A"] = tk("A", domain.Next, 1)
		f.rows["B"] = tk("B", domain.Next, 2)
		for _, id := range []string{"A", "B", "C"} {
			f.etags[id] = f.nextETag()
		}
		f.bump()
	}
	store := newTables(part, 5, silentLogger())

	got, err := store.MoveTask(context.Background(), "user", domain.Move{TaskID: "A", Status: domain.Next, OrderIndex: 2})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	want := []domain.Task{tk("C", domain.Next, 0), tk("B", domain.Next, 1), tk("A", domain.Next, 2)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected tasks (-want +got):\n%s", diff)
	}
	if err := domain.CheckDense(part.tasks()); err != nil {
		t.Fatalf("stored board not dense: %v", err)
	}
}

func TestTablesMoveTaskGivesUpAfterMaxAttempts(t *testing.T) {
	part := newFakePartition(tk("A", domain.Next, 0), tk("B", domain.Next, 1))
	part.beforeSubmit = func(f *fakePartition) { f.bump() }
	logger, hook := test.NewNullLogger()
	store := newTables(part, 3, logger)

	_, err := store.MoveTask(context.Background(), "user", domain.Move{TaskID: "A", Status: domain.Next, OrderIndex: 1})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if part.submits != 3 {
		t.Fatalf("expected 3 submits, got %d", part.submits)
	}
	if e := hook.LastEntry(); e == nil || e.Level != log.ErrorLevel {
		t.Fatalf("expected error log entry, got %#v", e)
	}
}

func TestTablesMoveTaskValidation(t *testing.T) {
	part := newFakePartition(tk("A", domain.Next, 0), tk("B", domain.Next, 1))
	store := newTables(part, 3, silentLogger())

	cases := []struct {
		name string
		move domain.Move
		want error
	}{
		{"unknown task", domain.Move{TaskID: "Z", Status: domain.Next}, domain.ErrTaskNotFound},
		{"past lane end", domain.Move{TaskID: "A", Status: domain.Next, OrderIndex: 2}, domain.ErrIndexOutOfRange},
		{"negative", domain.Move{TaskID: "A", Status: domain.Done, OrderIndex: -1}, domain.ErrIndexOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.MoveTask(context.Background(), "user", tc.move)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if part.submits != 0 {
		t.Fatalf("invalid moves must not write, submits=%d", part.submits)
	}
}

func TestTablesNoOpMoveSkipsWrite(t *testing.T) {
	part := newFakePartition(tk("A", domain.Next, 0), tk("B", domain.Next, 1))
	store := newTables(part, 3, silentLogger())

	if _, err := store.MoveTask(context.Background(), "user", domain.Move{TaskID: "B", Status: domain.Next, OrderIndex: 1}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if part.submits != 0 {
		t.Fatalf("expected no submit, got %d", part.submits)
	}
}

func TestTablesMoveTaskBatchTooLarge(t *testing.T) {
	var tasks []domain.Task
	for i := 0; i < maxTransactionRows+1; i++ {
		tasks = append(tasks, tk(fmt.Sprintf("t%03d", i), domain.Backlog, i))
	}
	part := newFakePartition(tasks...)
	store := newTables(part, 3, silentLogger())

	last := tasks[len(tasks)-1].ID
	_, err := store.MoveTask(context.Background(), "user", domain.Move{TaskID: last, Status: domain.Backlog, OrderIndex: 0})
	if !errors.Is(err, domain.ErrBatchTooLarge) {
		t.Fatalf("expected batch too large, got %v", err)
	}
}

func TestTablesCreateAndDelete(t *testing.T) {
	part := newFakePartition(tk("A", domain.Next, 0), tk("B", domain.Next, 1), tk("C", domain.Next, 2))
	store := newTables(part, 3, silentLogger())
	ctx := context.Background()

	created, err := store.CreateTask(ctx, "user", domain.NewTask{Title: "new", Status: domain.Next})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.OrderIndex != 3 || created.ID == "" {
		t.Fatalf("unexpected created task: %#v", created)
	}

	if err := store.DeleteTask(ctx, "user", "A"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := store.FetchTasks(ctx, "user")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []domain.Task{tk("B", domain.Next, 0), tk("C", domain.Next, 1), created}
	want[2].OrderIndex = 2
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected tasks (-want +got):\n%s", diff)
	}
	if err := store.DeleteTask(ctx, "user", "A"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTablesFetchTasksPropagatesErrors(t *testing.T) {
	part := newFakePartition()
	part.loadErr = errors.New("boom")
	store := newTables(part, 3, silentLogger())

	if _, err := store.FetchTasks(context.Background(), "user"); err == nil {
		t.Fatal("expected error")
	}
}

func TestBatchActions(t *testing.T) {
	inserted := tk("N", domain.Next, 2)
	due := time.Date(2026, 11, 1, 9, 30, 0, 123456789, time.FixedZone("CET", 3600))
	inserted.DueDate = &due
	b := batch{
		userID: "user",
		ops: []rowOp{
			{kind: opInsert, task: inserted},
			{kind: opReposition, task: tk("A", domain.Done, 0), etag: "W/\"1\""},
			{kind: opDelete, task: tk("B", domain.Next, 0), etag: "W/\"2\""},
		},
		boardETag: "W/\"9\"",
		version:   4,
	}
	actions, err := b.actions()
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	if len(actions) != 4 {
		t.Fatalf("expected 4 actions, got %d", len(actions))
	}

	wantTypes := []aztables.TransactionType{
		aztables.TransactionTypeAdd,
		aztables.TransactionTypeUpdateMerge,
		aztables.TransactionTypeDelete,
		aztables.TransactionTypeUpdateMerge,
	}
	for i, a := range actions {
		if a.ActionType != wantTypes[i] {
			t.Fatalf("action %d: expected %s, got %s", i, wantTypes[i], a.ActionType)
		}
	}
	if actions[0].IfMatch != nil {
		t.Fatal("insert must not carry an etag")
	}
	if actions[1].IfMatch == nil || string(*actions[1].IfMatch) != "W/\"1\"" {
		t.Fatalf("unexpected reposition etag: %v", actions[1].IfMatch)
	}

	var added map[string]any
	if err := sonic.Unmarshal(actions[0].Entity, &added); err != nil {
		t.Fatalf("decode insert: %v", err)
	}
	if added["DueDate"] != "2026-11-01T08:30:00Z" || added["DueDate@odata.type"] != edmDateTime {
		t.Fatalf("unexpected insert due date: %v (%v)", added["DueDate"], added["DueDate@odata.type"])
	}

	var pos map[string]any
	if err := sonic.Unmarshal(actions[1].Entity, &pos); err != nil {
		t.Fatalf("decode reposition: %v", err)
	}
	if pos["Status"] != "done" || pos["RowKey"] != "A" || pos["OrderIndex@odata.type"] != edmInt32 {
		t.Fatalf("unexpected reposition payload: %v", pos)
	}

	var board boardEntity
	if err := sonic.Unmarshal(actions[3].Entity, &board); err != nil {
		t.Fatalf("decode board: %v", err)
	}
	if board.RowKey != boardRowKey || board.Version != 5 {
		t.Fatalf("unexpected board row: %#v", board)
	}
	if string(*actions[3].IfMatch) != "W/\"9\"" {
		t.Fatalf("unexpected board etag: %v", actions[3].IfMatch)
	}
}

func TestBatchActionsAddsBoardRowForNewPartition(t *testing.T) {
	b := batch{userID: "user", ops: []rowOp{{kind: opInsert, task: tk("N", domain.Next, 0)}}}
	actions, err := b.actions()
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	last := actions[len(actions)-1]
	if last.ActionType != aztables.TransactionTypeAdd || last.IfMatch != nil {
		t.Fatalf("expected unconditional board insert, got %#v", last)
	}
}

func TestDecodeRow(t *testing.T) {
	raw := []byte(`{"PartitionKey":"user","RowKey":"A","odata.etag":"W/\"7\"","Title":"x","Notes":"","Priority":2,` +
		`"DueDate":"2026-11-01T08:30:00Z","DueDate@odata.type":"Edm.DateTime","Status":"blocked","OrderIndex":3}`)
	row, err := decodeRow(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if row.ETag != "W/\"7\"" {
		t.Fatalf("unexpected etag %q", row.ETag)
	}
	task, err := row.toTask()
	if err != nil {
		t.Fatalf("to task: %v", err)
	}
	due := time.Date(2026, 11, 1, 8, 30, 0, 0, time.UTC)
	want := domain.Task{ID: "A", Title: "x", Priority: 2, DueDate: &due, Status: domain.Blocked, OrderIndex: 3}
	if diff := cmp.Diff(want, task); diff != "" {
		t.Fatalf("unexpected task (-want +got):\n%s", diff)
	}

	// A row written by newTaskEntity decodes back to the same task.
	written, err := sonic.Marshal(storedRow{taskEntity: newTaskEntity("user", task), ETag: row.ETag})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	reread, err := decodeRow(written)
	if err != nil {
		t.Fatalf("decode written row: %v", err)
	}
	back, err := reread.toTask()
	if err != nil {
		t.Fatalf("to task: %v", err)
	}
	if diff := cmp.Diff(want, back); diff != "" {
		t.Fatalf("unexpected round trip (-want +got):\n%s", diff)
	}

	row.Status = "archived"
	if _, err := row.toTask(); !errors.Is(err, domain.ErrUnknownStatus) {
		t.Fatalf("expected unknown status, got %v", err)
	}
}
