package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// maxTransactionRows is the entity-group transaction limit minus the board row.
const maxTransactionRows = 99

type opKind int

const (
	opInsert opKind = iota
	opReposition
	opDelete
)

type rowOp struct {
	kind opKind
	task domain.Task
	etag string
}

// snapshot is one consistent read of a user's partition.
type snapshot struct {
	tasks     []domain.Task
	etags     map[string]string
	boardETag string
	version   int64
}

// batch is an atomic set of row operations conditioned on the board version read
// in the snapshot it was derived from.
type batch struct {
	userID    string
	ops       []rowOp
	boardETag string
	version   int64
}

// partition is the table access the store needs. It is satisfied by
// azurePartition in production and by an in-memory fake in tests.
type partition interface {
	load(ctx context.Context, userID string) (snapshot, error)
	submit(ctx context.Context, b batch) error
}

// Tables keeps each user's board in one Azure Table partition and commits
// every mutation as a single entity-group transaction.
type Tables struct {
	rows        partition
	maxAttempts int
	logger      *log.Logger
}

// NewTables creates a table-backed store from a connection string.
func NewTables(connStr, tasksTable string, maxAttempts int, logger *log.Logger) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return newTables(azurePartition{client: svc.NewClient(tasksTable)}, maxAttempts, logger), nil
}

func newTables(rows partition, maxAttempts int, logger *log.Logger) *Tables {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Tables{rows: rows, maxAttempts: maxAttempts, logger: logger}
}

// FetchTasks retrieves all tasks for the provided user ordered by lane and index.
func (s *Tables) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	snap, err := s.rows.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	domain.SortTasks(snap.tasks)
	return snap.tasks, nil
}

// CreateTask appends a new task to the end of its lane.
func (s *Tables) CreateTask(ctx context.Context, userID string, nt domain.NewTask) (domain.Task, error) {
	t := domain.Task{
		ID:       uuid.NewString(),
		Title:    nt.Title,
		Notes:    nt.Notes,
		Priority: nt.Priority,
		DueDate:  nt.DueDate,
		Status:   nt.Status,
	}
	err := s.mutate(ctx, userID, "create", func(snap snapshot) ([]rowOp, error) {
		t.OrderIndex = domain.NextIndex(snap.tasks, t.Status)
		return []rowOp{{kind: opInsert, task: t}}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// MoveTask atomically places a task at the requested lane position and
// returns the resulting task list.
func (s *Tables) MoveTask(ctx context.Context, userID string, m domain.Move) ([]domain.Task, error) {
	var after []domain.Task
	err := s.mutate(ctx, userID, "move", func(snap snapshot) ([]rowOp, error) {
		if err := domain.ValidateMove(snap.tasks, m); err != nil {
			return nil, err
		}
		after = m.Apply(snap.tasks)
		changed := domain.ChangedTasks(snap.tasks, after)
		ops := make([]rowOp, 0, len(changed))
		for _, t := range changed {
			ops = append(ops, rowOp{kind: opReposition, task: t, etag: snap.etags[t.ID]})
		}
		return ops, nil
	})
	if err != nil {
		return nil, err
	}
	domain.SortTasks(after)
	return after, nil
}

// DeleteTask removes a task and closes the gap it leaves in its lane.
func (s *Tables) DeleteTask(ctx context.Context, userID, taskID string) error {
	return s.mutate(ctx, userID, "delete", func(snap snapshot) ([]rowOp, error) {
		var gone *domain.Task
		for i := range snap.tasks {
			if snap.tasks[i].ID == taskID {
				gone = &snap.tasks[i]
				break
			}
		}
		if gone == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		ops := []rowOp{{kind: opDelete, task: *gone, etag: snap.etags[taskID]}}
		for _, t := range domain.ChangedTasks(snap.tasks, domain.RemoveTask(snap.tasks, taskID)) {
			ops = append(ops, rowOp{kind: opReposition, task: t, etag: snap.etags[t.ID]})
		}
		return ops, nil
	})
}

// mutate reads the partition, derives the row operations and commits them
// conditioned on the board version. A concurrent writer makes the commit fail,
// in which case the whole read-derive-commit cycle is retried.
func (s *Tables) mutate(ctx context.Context, userID, op string, plan func(snapshot) ([]rowOp, error)) error {
	for attempt := 1; ; attempt++ {
		snap, err := s.rows.load(ctx, userID)
		if err != nil {
			return err
		}
		ops, err := plan(snap)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}
		if len(ops) > maxTransactionRows {
			return fmt.Errorf("%s touches %d rows: %w", op, len(ops), domain.ErrBatchTooLarge)
		}
		err = s.rows.submit(ctx, batch{userID: userID, ops: ops, boardETag: snap.boardETag, version: snap.version})
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return err
		}
		if attempt >= s.maxAttempts {
			s.logger.WithFields(log.Fields{"user": userID, "op": op, "attempts": attempt}).Error("board write kept conflicting")
			return fmt.Errorf("%s after %d attempts: %w", op, attempt, domain.ErrConcurrencyConflict)
		}
		s.logger.WithFields(log.Fields{"user": userID, "op": op, "attempt": attempt}).Debug("board write conflicted, retrying")
	}
}

type azurePartition struct {
	client *aztables.Client
}

func (p azurePartition) load(ctx context.Context, userID string) (snapshot, error) {
	filter := "PartitionKey eq '" + strings.ReplaceAll(userID, "'", "''") + "'"
	pager := p.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	snap := snapshot{tasks: []domain.Task{}, etags: map[string]string{}}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return snapshot{}, err
		}
		for _, raw := range resp.Entities {
			row, err := decodeRow(raw)
			if err != nil {
				return snapshot{}, err
			}
			if row.RowKey == boardRowKey {
				var board boardEntity
				if err := sonic.Unmarshal(raw, &board); err != nil {
					return snapshot{}, err
				}
				snap.boardETag = row.ETag
				snap.version = board.Version
				continue
			}
			t, err := row.toTask()
			if err != nil {
				return snapshot{}, err
			}
			snap.tasks = append(snap.tasks, t)
			snap.etags[t.ID] = row.ETag
		}
	}
	return snap, nil
}

func (p azurePartition) submit(ctx context.Context, b batch) error {
	actions, err := b.actions()
	if err != nil {
		return err
	}
	if _, err := p.client.SubmitTransaction(ctx, actions, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && (respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict) {
			return fmt.Errorf("%s: %w", respErr.ErrorCode, domain.ErrConcurrencyConflict)
		}
		return err
	}
	return nil
}

// actions renders the batch as table transaction actions. The board row is
// bumped in the same transaction; it is added when the user has no board row yet.
func (b batch) actions() ([]aztables.TransactionAction, error) {
	actions := make([]aztables.TransactionAction, 0, len(b.ops)+1)
	for _, op := range b.ops {
		var (
			payload []byte
			err     error
			kind    aztables.TransactionType
		)
		switch op.kind {
		case opInsert:
			kind = aztables.TransactionTypeAdd
			payload, err = sonic.Marshal(newTaskEntity(b.userID, op.task))
		case opReposition:
			kind = aztables.TransactionTypeUpdateMerge
			payload, err = sonic.Marshal(taskPosition{
				entityKeys:     entityKeys{PartitionKey: b.userID, RowKey: op.task.ID},
				Status:         op.task.Status.String(),
				OrderIndex:     op.task.OrderIndex,
				OrderIndexType: edmInt32,
			})
		case opDelete:
			kind = aztables.TransactionTypeDelete
			payload, err = sonic.Marshal(entityKeys{PartitionKey: b.userID, RowKey: op.task.ID})
		}
		if err != nil {
			return nil, err
		}
		action := aztables.TransactionAction{ActionType: kind, Entity: payload}
		if op.etag != "" {
			etag := azcore.ETag(op.etag)
			action.IfMatch = &etag
		}
		actions = append(actions, action)
	}

	board, err := sonic.Marshal(boardEntity{
		entityKeys:  entityKeys{PartitionKey: b.userID, RowKey: boardRowKey},
		Version:     b.version + 1,
		VersionType: edmInt64,
	})
	if err != nil {
		return nil, err
	}
	if b.boardETag == "" {
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: board})
	} else {
		etag := azcore.ETag(b.boardETag)
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateMerge, Entity: board, IfMatch: &etag})
	}
	return actions, nil
}
