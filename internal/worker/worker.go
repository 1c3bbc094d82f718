// Package worker runs approved tasks one at a time, gated by the work calendar.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"foreman/internal/calendar"
	"foreman/internal/domain"
	"foreman/internal/queue"
)

// Performance tags stored in the executed record's reason.
const (
	TagOnTime     = "on_time"
	TagOvertime   = "overtime"
	TagNightShift = "night_shift"
)

// DefaultRetry is how long a blocked task waits when the calendar offers no next time.
const DefaultRetry = 15 * time.Minute

// Builder performs a build action. It reports false when the world refuses it.
type Builder func(ctx context.Context, task domain.Build) bool

// Inventory is the shared stock used by build materials, collect and haul.
// Take must check and remove all materials as one step, since workers in a
// pool share it.
type Inventory interface {
	Take(want ...domain.Material) bool
	Add(itemID, name string, delta int)
}

type Config struct {
	ID             string
	Queue          *queue.Queue
	Calendar       *calendar.Calendar
	Planner        Planner
	Builder        Builder
	Inventory      Inventory
	MinutesPerCost float64
	Start          domain.Point
	Logger         *log.Logger
	Now            func() time.Time
}

type Stats struct {
	Completed  int `json:"completed"`
	OnTime     int `json:"on_time"`
	Overtime   int `json:"overtime"`
	NightShift int `json:"night_shift"`
	Silent     int `json:"silent"`
	Failed     int `json:"failed"`
}

type wait struct {
	resumeAt time.Time
	reason   string
}

type active struct {
	record    domain.Record
	plan      Plan
	startedAt time.Time
	decision  calendar.Decision
}

type Worker struct {
	cfg Config

	mu      sync.Mutex
	pos     domain.Point
	current *active
	waits   map[string]wait
	stats   Stats
}

func New(cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = "w1"
	}
	if cfg.Planner == nil {
		cfg.Planner = GridPlanner{}
	}
	if cfg.MinutesPerCost <= 0 {
		cfg.MinutesPerCost = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{cfg: cfg, pos: cfg.Start, waits: map[string]wait{}}
}

func (w *Worker) ID() string { return w.cfg.ID }

func (w *Worker) Position() domain.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Current returns the in-flight task, if any.
func (w *Worker) Current() (domain.Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return domain.Record{}, false
	}
	return w.current.record.Clone(), true
}

// Tick adopts one approved task when idle, or runs the in-flight task.
func (w *Worker) Tick(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		return w.execute(ctx)
	}
	return w.adopt(ctx)
}

func (w *Worker) evaluate(now time.Time, task domain.Payload) calendar.Decision {
	if w.cfg.Calendar == nil {
		return calendar.Decision{Allowed: true, EnforcedSilent: task.Timing().Silent}
	}
	return w.cfg.Calendar.Evaluate(calendar.RequestFor(now, task))
}

func (w *Worker) adopt(ctx context.Context) error {
	if err := w.cfg.Queue.Sync(ctx); err != nil {
		return err
	}
	now := w.cfg.Now()
	for _, rec := range w.cfg.Queue.PullApproved() {
		if wt, ok := w.waits[rec.ID]; ok && wt.resumeAt.After(now) {
			continue
		}
		dec := w.evaluate(now, rec.Task)
		if !dec.Allowed {
			resume := dec.NextTime
			if resume.IsZero() {
				resume = now.Add(DefaultRetry)
			}
			w.waits[rec.ID] = wait{resumeAt: resume, reason: dec.Reason}
			note := fmt.Sprintf("waiting until %s: %s", resume.Format("2006-01-02 15:04"), dec.Reason)
			if _, err := w.cfg.Queue.Annotate(ctx, rec.ID, note); err != nil && !lostRace(err) {
				return err
			}
			continue
		}
		steps, err := w.cfg.Planner.Plan(w.pos, rec.Task)
		if err != nil {
			w.cfg.Logger.Printf("worker %s: plan %s: %v", w.cfg.ID, rec.ID, err)
			if _, err := w.cfg.Queue.ResetToPending(ctx, rec.ID, "plan failed: "+err.Error()); err != nil && !lostRace(err) {
				return err
			}
			continue
		}
		plan := newPlan(steps, w.cfg.MinutesPerCost)
		started, err := w.cfg.Queue.MarkExecuting(ctx, rec.ID, "executing on worker "+w.cfg.ID)
		if lostRace(err) {
			continue
		}
		if err != nil {
			return err
		}
		delete(w.waits, rec.ID)
		w.current = &active{record: started, plan: plan, startedAt: now, decision: dec}
		w.cfg.Logger.Printf("worker %s: started %s (%s, expected %s)", w.cfg.ID, started.ID, started.Summary, plan.Expected)
		return nil
	}
	return nil
}

func (w *Worker) execute(ctx context.Context) error {
	a := w.current
	for _, st := range a.plan.Steps {
		switch st.Kind {
		case StepMove:
			w.pos = st.To
		case StepAct:
			if err := w.act(ctx, a.record.Task); err != nil {
				return w.fail(ctx, err)
			}
		}
	}
	finish := w.cfg.Now()
	if due := a.startedAt.Add(a.plan.Expected); due.After(finish) {
		finish = due
	}
	overtime := !a.decision.DeadlineAt.IsZero() && finish.After(a.decision.DeadlineAt)
	night := w.cfg.Calendar != nil && w.cfg.Calendar.InCurfew(finish)
	tag := TagOnTime
	switch {
	case overtime:
		tag = TagOvertime
	case night:
		tag = TagNightShift
	}
	if _, err := w.cfg.Queue.MarkExecuted(ctx, a.record.ID, "performance: "+tag); err != nil {
		if lostRace(err) {
			w.cfg.Logger.Printf("worker %s: %s changed state while executing: %v", w.cfg.ID, a.record.ID, err)
			w.current = nil
			return nil
		}
		return err
	}
	w.stats.Completed++
	if overtime {
		w.stats.Overtime++
	} else {
		w.stats.OnTime++
	}
	if night {
		w.stats.NightShift++
	}
	if a.decision.EnforcedSilent {
		w.stats.Silent++
	}
	w.cfg.Logger.Printf("worker %s: finished %s (%s)", w.cfg.ID, a.record.ID, tag)
	w.current = nil
	return nil
}

func (w *Worker) fail(ctx context.Context, cause error) error {
	id := w.current.record.ID
	w.current = nil
	w.stats.Failed++
	w.cfg.Logger.Printf("worker %s: %s failed: %v", w.cfg.ID, id, cause)
	if _, err := w.cfg.Queue.ResetToPending(ctx, id, "failed: "+cause.Error()); err != nil && !lostRace(err) {
		return err
	}
	return nil
}

func (w *Worker) act(ctx context.Context, task domain.Payload) error {
	inv := w.cfg.Inventory
	switch t := task.(type) {
	case domain.Build:
		if len(t.Materials) > 0 && (inv == nil || !inv.Take(t.Materials...)) {
			return fmt.Errorf("insufficient materials for %s: need %s", t.BlueprintID, materialList(t.Materials))
		}
		if w.cfg.Builder == nil || !w.cfg.Builder(ctx, t) {
			for _, m := range t.Materials {
				inv.Add(m.ItemID, m.ItemID, m.Count)
			}
			return fmt.Errorf("build %s at %s refused", t.BlueprintID, t.At)
		}
	case domain.Collect:
		if inv == nil {
			return errors.New("no inventory to collect into")
		}
		inv.Add(t.ItemID, t.ItemID, t.Count)
	case domain.Haul:
		if inv == nil {
			return errors.New("no inventory to haul with")
		}
		if t.From.Stockpile && !inv.Take(domain.Material{ItemID: t.ItemID, Count: t.Count}) {
			return fmt.Errorf("insufficient %s in stockpile: need %d", t.ItemID, t.Count)
		}
		if t.To.Stockpile {
			inv.Add(t.ItemID, t.ItemID, t.Count)
		}
	default:
		return fmt.Errorf("unsupported task kind %T", task)
	}
	return nil
}

// CancelCurrent returns the in-flight task to pending. It reports whether a task
// was in flight.
func (w *Worker) CancelCurrent(ctx context.Context, reason string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return false, nil
	}
	id := w.current.record.ID
	w.current = nil
	if reason == "" {
		reason = "cancelled"
	}
	if _, err := w.cfg.Queue.ResetToPending(ctx, id, reason); err != nil && !lostRace(err) {
		return true, err
	}
	w.cfg.Logger.Printf("worker %s: cancelled %s: %s", w.cfg.ID, id, reason)
	return true, nil
}

// Run ticks every interval until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.Tick(ctx); err != nil {
			w.cfg.Logger.Printf("worker %s: tick: %v", w.cfg.ID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func materialList(ms []domain.Material) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = fmt.Sprintf("%d %s", m.Count, m.ItemID)
	}
	return strings.Join(parts, ", ")
}

// lostRace reports an error caused by another worker or process moving the
// task first.
func lostRace(err error) bool {
	return errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrStale)
}
