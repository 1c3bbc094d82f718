package ganttfile_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"foreman/internal/gantt"
	"foreman/internal/ganttfile"
)

func doc() gantt.Document {
	d := 30.0
	return gantt.Document{
		Version:   1,
		TimeScale: gantt.ScaleMinutes,
		StartAt:   "2026-03-02T08:00:00Z",
		Rows:      []gantt.Row{{ID: "r1", Label: "Crew"}},
		Tasks:     []gantt.Task{{ID: "a", Type: "build", Title: "Hut", RowID: "r1", Start: "2026-03-02T08:00:00Z", DurationMin: &d}},
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "plan", "schedule.json")
	store := ganttfile.Store{Path: path}
	if err := store.Save(ctx, doc()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].ID != "a" || *got.Tasks[0].DurationMin != 30 {
		t.Fatalf("loaded = %+v", got)
	}
	if _, err := os.Stat(store.BackupPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("first save should not leave a backup: %v", err)
	}
	next := doc()
	next.Tasks[0].Title = "Bigger hut"
	if err := store.Save(ctx, next); err != nil {
		t.Fatalf("second save: %v", err)
	}
	bak, err := ganttfile.Store{Path: store.BackupPath()}.Load(ctx)
	if err != nil || bak.Tasks[0].Title != "Hut" {
		t.Fatalf("backup = %+v, %v", bak, err)
	}
}

func TestSaveRejectsInvalidDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schedule.json")
	store := ganttfile.Store{Path: path}
	if err := store.Save(ctx, doc()); err != nil {
		t.Fatalf("save: %v", err)
	}
	bad := doc()
	bad.Tasks[0].DependsOn = []string{"a"}
	if err := store.Save(ctx, bad); !errors.Is(err, gantt.ErrInvalidDocument) {
		t.Fatalf("expected invalid document, got %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil || len(got.Tasks[0].DependsOn) != 0 {
		t.Fatalf("file changed by rejected save: %+v, %v", got, err)
	}
}

func TestInitKeepsExistingFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schedule.json")
	created, err := ganttfile.Init(ctx, path, doc())
	if err != nil || !created {
		t.Fatalf("init = %v, %v", created, err)
	}
	other := doc()
	other.Tasks[0].Title = "Other"
	created, err = ganttfile.Init(ctx, path, other)
	if err != nil || created {
		t.Fatalf("second init = %v, %v", created, err)
	}
}

func TestWatcherSeesExternalSave(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schedule.json")
	store := ganttfile.Store{Path: path}
	if err := store.Save(ctx, doc()); err != nil {
		t.Fatalf("save: %v", err)
	}
	w, err := ganttfile.NewWatcher(path)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "unrelated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	next := doc()
	next.Version = 2
	if err := store.Save(ctx, next); err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case got := <-w.Changes:
		if got != filepath.Clean(path) {
			t.Fatalf("change for %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no change reported")
	}
}
