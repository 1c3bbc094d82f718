// Package queue owns task records and their lifecycle transitions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/domain"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrStale is returned by a Recorder when another writer changed the
	// record first. The queue reloads from its Source and the caller may retry.
	ErrStale = errors.New("task changed by another writer")
)

// TransitionError reports a state change the lifecycle does not allow.
type TransitionError struct {
	ID   string
	From domain.State
	To   domain.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s (task %s)", e.From, e.To, e.ID)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Event names passed to the Recorder.
const (
	EventSubmitted = "task.submitted"
	EventApproved  = "task.approved"
	EventRejected  = "task.rejected"
	EventExecuting = "task.executing"
	EventExecuted  = "task.executed"
	EventReset     = "task.reset"
	EventAnnotated = "task.annotated"
)

// Recorder persists a record after each change. It runs while the queue lock is
// held; an error rolls the change back. rec.Version is one past the version
// the record had before the change.
type Recorder interface {
	Record(ctx context.Context, rec domain.Record, event string) error
}

// Source reports records written since cursor, by this queue or any other
// writer sharing the store, and the cursor to pass next time.
type Source interface {
	Changes(ctx context.Context, cursor int64) ([]domain.Record, int64, error)
}

// Counts is the number of records per state.
type Counts map[domain.State]int

// Active is approved plus executing.
func (c Counts) Active() int {
	return c[domain.StateApproved] + c[domain.StateExecuting]
}

// Submission is the input to SubmitTask. Admit, when set, runs under the queue
// lock with the current counts and can veto the insert.
type Submission struct {
	Payload    domain.Payload
	IssuerRole string
	SourceLine int
	Admit      func(Counts) error
}

type Options struct {
	Now      func() time.Time
	NewID    func() string
	Recorder Recorder
	Source   Source
}

type Queue struct {
	mu       sync.Mutex
	records  map[string]*domain.Record
	order    []string
	now      func() time.Time
	newID    func() string
	recorder Recorder
	source   Source
	cursor   int64
}

func New(opts Options) *Queue {
	q := &Queue{
		records:  map[string]*domain.Record{},
		now:      opts.Now,
		newID:    opts.NewID,
		recorder: opts.Recorder,
		source:   opts.Source,
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.newID == nil {
		q.newID = uuid.NewString
	}
	return q
}

// Restore seeds the queue with previously persisted records, replacing any
// record with the same id unless the held copy is newer. It does not call the
// recorder.
func (q *Queue) Restore(records []domain.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.restoreLocked(records)
}

func (q *Queue) restoreLocked(records []domain.Record) {
	if len(records) == 0 {
		return
	}
	for _, r := range records {
		cp := r.Clone()
		held, ok := q.records[cp.ID]
		if !ok {
			q.order = append(q.order, cp.ID)
		} else if held.Version > cp.Version {
			continue
		}
		q.records[cp.ID] = &cp
	}
	sort.SliceStable(q.order, func(i, j int) bool {
		return q.records[q.order[i]].CreatedAt.Before(q.records[q.order[j]].CreatedAt)
	})
}

// Sync pulls records changed in the Source since the last sync. Without a
// Source it does nothing.
func (q *Queue) Sync(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.syncLocked(ctx)
}

func (q *Queue) syncLocked(ctx context.Context) error {
	if q.source == nil {
		return nil
	}
	recs, cursor, err := q.source.Changes(ctx, q.cursor)
	if err != nil {
		return fmt.Errorf("sync queue: %w", err)
	}
	q.restoreLocked(recs)
	q.cursor = cursor
	return nil
}

func (q *Queue) SubmitTask(ctx context.Context, s Submission) (domain.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.syncLocked(ctx); err != nil {
		return domain.Record{}, err
	}
	if s.Admit != nil {
		if err := s.Admit(q.countsLocked()); err != nil {
			return domain.Record{}, err
		}
	}
	if s.Payload == nil {
		return domain.Record{}, fmt.Errorf("submit task: payload required")
	}
	now := q.now()
	rec := domain.Record{
		ID:         q.newID(),
		State:      domain.StatePending,
		Task:       s.Payload,
		IssuerRole: s.IssuerRole,
		CreatedAt:  now,
		UpdatedAt:  now,
		SourceLine: s.SourceLine,
		Summary:    s.Payload.Summary(),
		Version:    1,
	}
	rec = rec.Clone()
	if _, exists := q.records[rec.ID]; exists {
		return domain.Record{}, fmt.Errorf("submit task: duplicate id %s", rec.ID)
	}
	q.records[rec.ID] = &rec
	q.order = append(q.order, rec.ID)
	if err := q.record(ctx, rec, EventSubmitted); err != nil {
		delete(q.records, rec.ID)
		q.order = q.order[:len(q.order)-1]
		return domain.Record{}, q.rolledBack(ctx, err)
	}
	return rec.Clone(), nil
}

func (q *Queue) Approve(ctx context.Context, id, reason string) (domain.Record, error) {
	return q.transition(ctx, id, domain.StateApproved, reason, EventApproved, nil)
}

// ApproveAdmitted approves like Approve, but first lets admit veto the change
// with the counts taken under the queue lock.
func (q *Queue) ApproveAdmitted(ctx context.Context, id, reason string, admit func(Counts) error) (domain.Record, error) {
	return q.transition(ctx, id, domain.StateApproved, reason, EventApproved, admit)
}

func (q *Queue) Reject(ctx context.Context, id, reason string) (domain.Record, error) {
	return q.transition(ctx, id, domain.StateRejected, reason, EventRejected, nil)
}

func (q *Queue) MarkExecuting(ctx context.Context, id, reason string) (domain.Record, error) {
	return q.transition(ctx, id, domain.StateExecuting, reason, EventExecuting, nil)
}

func (q *Queue) MarkExecuted(ctx context.Context, id, reason string) (domain.Record, error) {
	return q.transition(ctx, id, domain.StateExecuted, reason, EventExecuted, nil)
}

func (q *Queue) ResetToPending(ctx context.Context, id, reason string) (domain.Record, error) {
	return q.transition(ctx, id, domain.StatePending, reason, EventReset, nil)
}

// Annotate replaces the reason without changing state.
func (q *Queue) Annotate(ctx context.Context, id, reason string) (domain.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.syncLocked(ctx); err != nil {
		return domain.Record{}, err
	}
	rec, ok := q.records[id]
	if !ok {
		return domain.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Reason == reason {
		return rec.Clone(), nil
	}
	prev := *rec
	rec.Reason = reason
	rec.UpdatedAt = q.now()
	rec.Version++
	if err := q.record(ctx, *rec, EventAnnotated); err != nil {
		*rec = prev
		return domain.Record{}, q.rolledBack(ctx, err)
	}
	return rec.Clone(), nil
}

func (q *Queue) transition(ctx context.Context, id string, to domain.State, reason, event string, admit func(Counts) error) (domain.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.syncLocked(ctx); err != nil {
		return domain.Record{}, err
	}
	rec, ok := q.records[id]
	if !ok {
		return domain.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !allowed(rec.State, to) {
		return domain.Record{}, &TransitionError{ID: id, From: rec.State, To: to}
	}
	if admit != nil {
		if err := admit(q.countsLocked()); err != nil {
			return domain.Record{}, err
		}
	}
	prev := *rec
	rec.State = to
	rec.Reason = reason
	rec.UpdatedAt = q.now()
	rec.Version++
	if err := q.record(ctx, *rec, event); err != nil {
		*rec = prev
		return domain.Record{}, q.rolledBack(ctx, err)
	}
	return rec.Clone(), nil
}

func allowed(from, to domain.State) bool {
	switch to {
	case domain.StateApproved, domain.StateRejected:
		return from == domain.StatePending
	case domain.StateExecuting:
		return from == domain.StateApproved
	case domain.StateExecuted:
		return from == domain.StateExecuting
	case domain.StatePending:
		return from == domain.StateApproved || from == domain.StateExecuting
	}
	return false
}

func (q *Queue) record(ctx context.Context, rec domain.Record, event string) error {
	if q.recorder == nil {
		return nil
	}
	if err := q.recorder.Record(ctx, rec.Clone(), event); err != nil {
		return fmt.Errorf("record %s %s: %w", event, rec.ID, err)
	}
	return nil
}

// rolledBack reloads from the Source after a stale write has been undone, so
// the next attempt starts from the stored record.
func (q *Queue) rolledBack(ctx context.Context, err error) error {
	if !errors.Is(err, ErrStale) {
		return err
	}
	if serr := q.syncLocked(ctx); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

func (q *Queue) Get(id string) (domain.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return domain.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns every record in submission order.
func (q *Queue) List() []domain.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Record, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.records[id].Clone())
	}
	return out
}

func (q *Queue) ListByState(state domain.State) []domain.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Record
	for _, id := range q.order {
		if r := q.records[id]; r.State == state {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (q *Queue) CountByState() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

func (q *Queue) countsLocked() Counts {
	c := Counts{}
	for _, st := range domain.States {
		c[st] = 0
	}
	for _, r := range q.records {
		c[r.State]++
	}
	return c
}

// PullApproved returns approved records, oldest first.
func (q *Queue) PullApproved() []domain.Record {
	out := q.ListByState(domain.StateApproved)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
