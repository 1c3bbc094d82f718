package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/migrate"
	"foreman/internal/repo"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func insert(t *testing.T, r repo.Repo, rec domain.Record) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertTaskTx(ctx, tx, rec); err != nil {
		t.Fatalf("insert %s: %v", rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func record(id string, at time.Time) domain.Record {
	return domain.Record{
		ID:         id,
		State:      domain.StatePending,
		Task:       domain.Build{BlueprintID: id},
		IssuerRole: "commander",
		Summary:    "build " + id,
		CreatedAt:  at,
		UpdatedAt:  at,
		Version:    1,
	}
}

func TestListTasksOrdersBySubmissionTime(t *testing.T) {
	r := openRepo(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	// Inserted out of order; ".12" sorts before ".1" as variable-width text.
	insert(t, r, record("later", base.Add(120*time.Millisecond)))
	insert(t, r, record("earlier", base.Add(100*time.Millisecond)))
	insert(t, r, record("first", base))

	got, err := r.ListTasks(context.Background(), repo.TaskFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].ID != "first" || got[1].ID != "earlier" || got[2].ID != "later" {
		t.Fatalf("order = %v", ids(got))
	}
	if !got[1].CreatedAt.Equal(base.Add(100 * time.Millisecond)) {
		t.Fatalf("created_at = %s", got[1].CreatedAt)
	}
}

func TestUpdateTaskChecksVersion(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	rec := record("hut", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	insert(t, r, rec)

	update := func(rec domain.Record) error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := r.UpdateTaskTx(ctx, tx, rec); err != nil {
			return err
		}
		return tx.Commit()
	}
	rec.State, rec.Reason, rec.Version = domain.StateRejected, "no", 2
	if err := update(rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec.State, rec.Reason = domain.StateApproved, "yes"
	if err := update(rec); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("second update at the same version: %v", err)
	}
	stored, err := r.GetTask(ctx, "hut")
	if err != nil || stored.State != domain.StateRejected || stored.Reason != "no" || stored.Version != 2 {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func ids(recs []domain.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
