package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"foreman/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the stored row no longer has the version a write expected.
	ErrConflict = errors.New("stored row changed")
)

type TaskFilters struct {
	State domain.State
	Kind  domain.Kind
	Limit int
}

const taskColumns = `id,state,payload_json,issuer_role,reason,summary,source_line,created_at,updated_at,version`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Record, error) {
	var rec domain.Record
	var payload, created, updated string
	var reason sql.NullString
	if err := row.Scan(&rec.ID, &rec.State, &payload, &rec.IssuerRole, &reason, &rec.Summary, &rec.SourceLine, &created, &updated, &rec.Version); err != nil {
		if err == sql.ErrNoRows {
			return rec, ErrNotFound
		}
		return rec, err
	}
	if reason.Valid {
		rec.Reason = reason.String
	}
	task, err := domain.DecodePayload([]byte(payload))
	if err != nil {
		return rec, fmt.Errorf("task %s: %w", rec.ID, err)
	}
	rec.Task = task
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return rec, fmt.Errorf("task %s created_at: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return rec, fmt.Errorf("task %s updated_at: %w", rec.ID, err)
	}
	return rec, nil
}

// InsertTaskTx stores a newly submitted record.
func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	payload, err := domain.EncodePayload(rec.Task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", rec.ID, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,kind,state,payload_json,issuer_role,reason,summary,source_line,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, string(rec.Task.Kind()), string(rec.State), string(payload), rec.IssuerRole, nullable(rec.Reason), rec.Summary, rec.SourceLine,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), rec.Version)
	return err
}

// UpdateTaskTx writes the state, reason and version of rec, provided the
// stored row is still at rec.Version-1. Otherwise it returns ErrConflict.
func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=?, reason=?, updated_at=?, version=? WHERE id=? AND version=?`,
		string(rec.State), nullable(rec.Reason), formatTime(rec.UpdatedAt), rec.Version, rec.ID, rec.Version-1)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s at version %d: %w", rec.ID, rec.Version-1, ErrConflict)
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Record, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Record, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[state] = n
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// TaskIDsChangedAfter returns the ids of tasks with events newer than cursor.
func (r Repo) TaskIDsChangedAfter(ctx context.Context, cursor int64) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT entity_id FROM events WHERE id>? AND entity_kind='task' AND entity_id IS NOT NULL`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountEventsSince counts events of one type logged after since,
// leaving out those written by the given actors.
func (r Repo) CountEventsSince(ctx context.Context, evtType string, since time.Time, excludeActors ...string) (int, error) {
	query := `SELECT COUNT(*) FROM events WHERE type=? AND ts>?`
	args := []any{evtType, formatTime(since)}
	if len(excludeActors) > 0 {
		query += ` AND actor_id NOT IN (?` + strings.Repeat(",?", len(excludeActors)-1) + `)`
		for _, a := range excludeActors {
			args = append(args, a)
		}
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(domain.TimeLayout)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
