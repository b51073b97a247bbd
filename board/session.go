// Package board holds a client's optimistic view of one user's task board.
//
// A move is projected locally at once, committed to the store in the
// background, and reconciled with the store's answer when it arrives.
package board

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Committer sends moves to the authoritative store.
type Committer interface {
	CommitMove(ctx context.Context, m domain.Move) domain.CommitResult
	FetchTasks(ctx context.Context) ([]domain.Task, error)
}

// Session owns the local copy of a board. It is safe for concurrent use.
type Session struct {
	committer Committer
	logger    *log.Logger
	onChange  func([]domain.Task)

	mu    sync.Mutex
	tasks []domain.Task
	seq   uint64
	wg    sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for reconciliation failures.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// OnChange registers fn to receive a copy of every published snapshot. fn is
// called with the session lock held and must not call back into the session.
func OnChange(fn func([]domain.Task)) Option {
	return func(s *Session) { s.onChange = fn }
}

// NewSession creates a session seeded with tasks.
func NewSession(c Committer, tasks []domain.Task, opts ...Option) *Session {
	s := &Session{committer: c, tasks: domain.CloneTasks(tasks), logger: log.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	domain.SortTasks(s.tasks)
	return s
}

// Tasks returns a copy of the current list.
func (s *Session) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneTasks(s.tasks)
}

// Refresh replaces the local list with the store's.
func (s *Session) Refresh(ctx context.Context) error {
	tasks, err := s.committer.FetchTasks(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.publishLocked(tasks)
	return nil
}

// Move validates m against the local list, applies it optimistically and
// commits it in the background. The returned channel receives the store's
// answer once the session has reconciled with it, and is then closed.
func (s *Session) Move(ctx context.Context, m domain.Move) (<-chan domain.CommitResult, error) {
	s.mu.Lock()
	if err := domain.ValidateMove(s.tasks, m); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	before := domain.CloneTasks(s.tasks)
	s.seq++
	seq := s.seq
	s.publishLocked(m.Apply(s.tasks))
	s.wg.Add(1)
	s.mu.Unlock()

	done := make(chan domain.CommitResult, 1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		res := s.committer.CommitMove(ctx, m)
		s.reconcile(ctx, seq, before, m, res)
		done <- res
	}()
	return done, nil
}

// Wait blocks until every in-flight commit has been reconciled.
func (s *Session) Wait() {
	s.wg.Wait()
}

// reconcile folds the store's answer for the move issued as seq into the
// local list. Answers to moves that were superseded by a newer local change
// are dropped.
func (s *Session) reconcile(ctx context.Context, seq uint64, before []domain.Task, m domain.Move, res domain.CommitResult) {
	if res.Outcome == domain.CommitApplied {
		s.mu.Lock()
		defer s.mu.Unlock()
		if seq != s.seq {
			return
		}
		if res.Tasks != nil {
			s.publishLocked(res.Tasks)
		}
		return
	}

	entry := s.logger.WithFields(log.Fields{"task": m.TaskID, "outcome": res.Outcome.String()})
	if res.Err != nil {
		entry = entry.WithError(res.Err)
	}
	entry.Warn("move rejected, discarding optimistic state")

	tasks, err := s.committer.FetchTasks(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("task", m.TaskID).Error("refetch after rejected move failed, restoring snapshot")
		tasks = before
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		return
	}
	s.publishLocked(tasks)
}

func (s *Session) publishLocked(tasks []domain.Task) {
	next := domain.CloneTasks(tasks)
	domain.SortTasks(next)
	s.tasks = next
	if s.onChange != nil {
		s.onChange(domain.CloneTasks(next))
	}
}
