package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"foreman/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default invalid: %v", err)
	}
	if cfg.Admission.MaxConcurrency != 4 || cfg.Admission.MaxLineCells != 256 || cfg.Calendar.Curfew != "22:00-06:00" || cfg.Workers.Count != 2 {
		t.Fatalf("default = %+v", cfg)
	}
	if cfg.Workers.TickInterval() != time.Second || len(cfg.Workers.Inventory) != 2 {
		t.Fatalf("workers = %+v", cfg.Workers)
	}
}

func TestFromYAMLValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad kind", "admission:\n  allowed_tasks: [dance]\n", "unknown kind"},
		{"bad window", "calendar:\n  work_hours: 9-5\n", "calendar.work_hours"},
		{"bad holiday", "calendar:\n  holidays: [tomorrow]\n", "calendar.holidays"},
		{"bad tick", "workers:\n  tick: soon\n", "workers.tick"},
		{"webhook url", "webhooks:\n  - id: a\n", "url is required"},
		{"negative", "admission:\n  max_concurrency: -1\n", "max_concurrency"},
		{"negative line cap", "admission:\n  max_line_cells: -5\n", "max_line_cells"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestFromTOML(t *testing.T) {
	data := `
[admission]
max_approved_per_minute = 5
max_concurrency = 1
allowed_tasks = ["build"]

[[admission.forbidden_zones]]
x1 = 0
y1 = 0
x2 = 2
y2 = 2

[calendar]
work_hours = "08:00-18:00"
quiet_tasks = ["forge"]

[workers]
count = 1
tick = "250ms"
`
	cfg, err := config.FromTOML([]byte(data))
	if err != nil {
		t.Fatalf("toml: %v", err)
	}
	if cfg.Admission.MaxConcurrency != 1 || len(cfg.Admission.ForbiddenZones) != 1 || cfg.Admission.ForbiddenZones[0].X2 != 2 {
		t.Fatalf("admission = %+v", cfg.Admission)
	}
	if cfg.Workers.TickInterval() != 250*time.Millisecond || cfg.Calendar.QuietTasks[0] != "forge" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil || cfg.Workers.Count != 2 {
		t.Fatalf("missing config should fall back to default: %+v, %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "foreman.toml"), []byte("[workers]\ncount = 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := config.Path(dir); filepath.Base(got) != "foreman.toml" {
		t.Fatalf("path = %s", got)
	}
	cfg, err = config.Load(dir)
	if err != nil || cfg.Workers.Count != 3 {
		t.Fatalf("toml workspace: %+v, %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "foreman.yml"), []byte("workers:\n  count: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(dir)
	if err != nil || cfg.Workers.Count != 5 {
		t.Fatalf("yaml should win: %+v, %v", cfg, err)
	}
}
