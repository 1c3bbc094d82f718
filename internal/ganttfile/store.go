// Package ganttfile keeps the schedule document in a JSON file.
package ganttfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"foreman/internal/gantt"
)

// Store reads and writes one schedule file. Save validates, snapshots the
// current file to Path+".bak", writes through a temp file and renames it into
// place, restoring the snapshot if anything after the snapshot fails.
type Store struct {
	Path string
}

func (s Store) BackupPath() string {
	return s.Path + ".bak"
}

func (s Store) Load(ctx context.Context) (gantt.Document, error) {
	if err := ctx.Err(); err != nil {
		return gantt.Document{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return gantt.Document{}, err
	}
	var doc gantt.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return gantt.Document{}, fmt.Errorf("%w: %v", gantt.ErrInvalidDocument, err)
	}
	return doc, nil
}

func (s Store) Save(ctx context.Context, doc gantt.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	data = append(data, '\n')
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	hadOriginal, err := s.snapshot()
	if err != nil {
		return fmt.Errorf("snapshot schedule: %w", err)
	}
	if err := writeAtomic(s.Path, data); err != nil {
		if hadOriginal {
			if rerr := s.rollback(); rerr != nil {
				return errors.Join(err, fmt.Errorf("rollback: %w", rerr))
			}
		}
		return err
	}
	return nil
}

func (s Store) snapshot() (bool, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, os.WriteFile(s.BackupPath(), data, 0o644)
}

func (s Store) rollback() error {
	data, err := os.ReadFile(s.BackupPath())
	if err != nil {
		return err
	}
	return writeAtomic(s.Path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// Init writes doc to path unless a file already exists there.
func Init(ctx context.Context, path string, doc gantt.Document) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := (Store{Path: path}).Save(ctx, doc); err != nil {
		return false, err
	}
	return true, nil
}
