package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/queue"
	"foreman/internal/repo"
)

// SchedulerRole is the issuer recorded on tasks promoted from the schedule.
const SchedulerRole = "scheduler"

// Journal persists queue changes: the task row and one event per change are
// written in the same transaction. The event log doubles as the change feed
// other processes sync from.
type Journal struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
}

func (j Journal) Record(ctx context.Context, rec domain.Record, event string) error {
	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if event == queue.EventSubmitted {
		err = j.Repo.InsertTaskTx(ctx, tx, rec)
	} else {
		err = j.Repo.UpdateTaskTx(ctx, tx, rec)
	}
	if errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("%w: %v", queue.ErrStale, err)
	}
	if err != nil {
		return fmt.Errorf("persist task %s: %w", rec.ID, err)
	}
	payload := events.Payload{
		"state":   string(rec.State),
		"summary": rec.Summary,
		"version": rec.Version,
	}
	if rec.Reason != "" {
		payload["reason"] = rec.Reason
	}
	if rec.Task != nil {
		payload["kind"] = string(rec.Task.Kind())
	}
	if _, err := j.Events.Append(ctx, tx, events.Entry{
		Type:       event,
		EntityKind: "task",
		EntityID:   rec.ID,
		ActorID:    actorOf(rec),
		Payload:    payload,
	}); err != nil {
		return fmt.Errorf("append %s event: %w", event, err)
	}
	return tx.Commit()
}

// Changes implements queue.Source. The cursor is an event id; a zero cursor
// loads every task.
func (j Journal) Changes(ctx context.Context, cursor int64) ([]domain.Record, int64, error) {
	latest, err := j.Repo.LatestEventID(ctx)
	if err != nil {
		return nil, cursor, err
	}
	if latest == cursor {
		return nil, cursor, nil
	}
	if cursor == 0 || latest < cursor {
		recs, err := j.Repo.ListTasks(ctx, repo.TaskFilters{})
		if err != nil {
			return nil, cursor, err
		}
		return recs, latest, nil
	}
	ids, err := j.Repo.TaskIDsChangedAfter(ctx, cursor)
	if err != nil {
		return nil, cursor, err
	}
	recs := make([]domain.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := j.Repo.GetTask(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, cursor, err
		}
		recs = append(recs, rec)
	}
	return recs, latest, nil
}

// AdmittedSince implements admission.Ledger by counting submissions in the
// event log. Schedule promotions do not count.
func (j Journal) AdmittedSince(ctx context.Context, since time.Time) (int, error) {
	return j.Repo.CountEventsSince(ctx, queue.EventSubmitted, since, SchedulerRole)
}

func actorOf(rec domain.Record) string {
	if rec.IssuerRole == "" {
		return "foreman"
	}
	return rec.IssuerRole
}
