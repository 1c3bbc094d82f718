package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"foreman/internal/admission"
	"foreman/internal/calendar"
	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/gantt"
	"foreman/internal/ganttfile"
	"foreman/internal/migrate"
	"foreman/internal/queue"
	"foreman/internal/repo"
	"foreman/internal/worker"
	"foreman/internal/world"
)

// ErrNoSchedule is returned when the schedule file has not been created yet.
var ErrNoSchedule = errors.New("schedule not initialized; run `foreman schedule init`")

type Options struct {
	Logger *log.Logger
	Now    func() time.Time
}

// Runtime wires one workspace: its database-backed queue, admission inbox,
// calendar, workers and schedule.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Queue     *queue.Queue
	Calendar  *calendar.Calendar
	Inbox     *admission.Inbox
	Stockpile *world.Stockpile
	Site      *world.Site
	Pool      *worker.Pool
	Logger    *log.Logger
	Now       func() time.Time

	mu       sync.Mutex
	schedule *gantt.Controller
}

// Open loads config, migrates the workspace database and restores the queue.
func Open(ctx context.Context, workspace string, opts Options) (*Runtime, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return OpenWithConfig(ctx, workspace, cfg, opts)
}

func OpenWithConfig(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cal, err := calendar.New(CalendarSettings(cfg))
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	journal := Journal{DB: conn, Repo: r, Events: events.Writer{Now: now}}
	q := queue.New(queue.Options{
		Now:      now,
		Recorder: journal,
		Source:   journal,
	})
	if err := q.Sync(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("restore queue: %w", err)
	}

	inbox := admission.NewInbox(q, PolicyFrom(cfg), logger)
	inbox.Now = now
	inbox.Ledger = journal
	rt := &Runtime{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      r,
		Queue:     q,
		Calendar:  cal,
		Inbox:     inbox,
		Stockpile: world.NewStockpile(Inventory(cfg)),
		Site:      world.NewSite(logger),
		Logger:    logger,
		Now:       now,
	}
	rt.Pool = rt.newPool()
	return rt, nil
}

func (rt *Runtime) newPool() *worker.Pool {
	depot := domain.Point{X: rt.Config.Workers.Depot.X, Y: rt.Config.Workers.Depot.Y}
	n := rt.Config.Workers.Count
	if n <= 0 {
		n = 1
	}
	pool := &worker.Pool{}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("w%d", i)
		pool.Workers = append(pool.Workers, worker.New(worker.Config{
			ID:             id,
			Queue:          rt.Queue,
			Calendar:       rt.Calendar,
			Planner:        worker.GridPlanner{Depot: depot},
			Builder:        rt.Site.Build,
			Inventory:      rt.Stockpile,
			MinutesPerCost: rt.Config.Workers.MinutesPerCost,
			Start:          depot,
			Logger:         rt.Logger,
			Now:            rt.Now,
		}))
	}
	return pool
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// Recover returns tasks left executing by a previous process to pending.
func (rt *Runtime) Recover(ctx context.Context) ([]string, error) {
	if err := rt.Queue.Sync(ctx); err != nil {
		return nil, err
	}
	var ids []string
	for _, rec := range rt.Queue.ListByState(domain.StateExecuting) {
		if _, err := rt.Queue.ResetToPending(ctx, rec.ID, "recovered after restart"); err != nil {
			return ids, err
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// ApplyConfig swaps the admission policy. Calendar and worker settings take
// effect on the next Open.
func (rt *Runtime) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rt.Inbox.SetPolicy(PolicyFrom(cfg))
	rt.mu.Lock()
	rt.Config = cfg
	rt.mu.Unlock()
	return nil
}

// SchedulePath resolves the schedule file relative to the workspace.
func (rt *Runtime) SchedulePath() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.schedulePathLocked()
}

func (rt *Runtime) schedulePathLocked() string {
	p := rt.Config.Schedule.Path
	if p == "" {
		p = "schedule.json"
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(rt.Workspace, p)
}

func (rt *Runtime) ScheduleStore() ganttfile.Store {
	return ganttfile.Store{Path: rt.SchedulePath()}
}

// Schedule returns the controller for the schedule file, loading it on first use.
func (rt *Runtime) Schedule(ctx context.Context) (*gantt.Controller, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.schedule != nil {
		return rt.schedule, nil
	}
	store := ganttfile.Store{Path: rt.schedulePathLocked()}
	if _, err := os.Stat(store.Path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSchedule
	}
	c, err := gantt.OpenController(ctx, store, rt.Calendar)
	if err != nil {
		return nil, err
	}
	rt.schedule = c
	return c, nil
}

func (rt *Runtime) Bridge(ctx context.Context) (*gantt.Bridge, error) {
	c, err := rt.Schedule(ctx)
	if err != nil {
		return nil, err
	}
	return &gantt.Bridge{Controller: c, Queue: rt.Queue, IssuerRole: SchedulerRole, Logger: rt.Logger}, nil
}

// InitSchedule writes a starter schedule unless one exists.
func (rt *Runtime) InitSchedule(ctx context.Context) (bool, error) {
	return ganttfile.Init(ctx, rt.SchedulePath(), DefaultSchedule(rt.Calendar.AlignToNextSlot(rt.Now())))
}

// DefaultSchedule is an empty minute-scale document with one crew row.
func DefaultSchedule(start time.Time) gantt.Document {
	return gantt.Document{
		Version:   1,
		TimeScale: gantt.ScaleMinutes,
		StartAt:   gantt.FormatTime(start),
		Rows:      []gantt.Row{{ID: "crew", Label: "Crew"}},
		Tasks:     []gantt.Task{},
	}
}

func CalendarSettings(cfg *config.Config) calendar.Settings {
	return calendar.Settings{
		WorkHours:  cfg.Calendar.WorkHours,
		Curfew:     cfg.Calendar.Curfew,
		QuietTasks: cfg.Calendar.QuietTasks,
		Holidays:   cfg.Calendar.Holidays,
	}
}

func PolicyFrom(cfg *config.Config) admission.Policy {
	p := admission.Policy{
		MaxApprovedPerMinute: cfg.Admission.MaxApprovedPerMinute,
		MaxConcurrency:       cfg.Admission.MaxConcurrency,
		MaxLineCells:         cfg.Admission.MaxLineCells,
	}
	for _, z := range cfg.Admission.ForbiddenZones {
		p.ForbiddenZones = append(p.ForbiddenZones, admission.Zone{X1: z.X1, Y1: z.Y1, X2: z.X2, Y2: z.Y2})
	}
	for _, k := range cfg.Admission.AllowedTasks {
		p.AllowedTasks = append(p.AllowedTasks, domain.Kind(k))
	}
	return p
}

func Inventory(cfg *config.Config) []world.Item {
	items := make([]world.Item, 0, len(cfg.Workers.Inventory))
	for _, it := range cfg.Workers.Inventory {
		items = append(items, world.Item{ID: it.ID, Name: it.Name, Count: it.Count})
	}
	return items
}
