// Package gantt models the schedule document, lays it out on a timeline and
// edits it on behalf of an operator.
package gantt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidDocument = errors.New("invalid schedule document")
	ErrTaskNotFound    = errors.New("schedule task not found")
	ErrCycle           = errors.New("dependency cycle")
)

type TimeScale string

const (
	ScaleMinutes TimeScale = "minutes"
	ScaleHours   TimeScale = "hours"
)

type Status string

const (
	StatusPlanned   Status = "planned"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusDone      Status = "done"
	StatusRejected  Status = "rejected"
)

type Row struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	RowID       string          `json:"rowId"`
	Start       string          `json:"start"`
	DurationMin *float64        `json:"durationMin,omitempty"`
	DurationHr  *float64        `json:"durationHr,omitempty"`
	Deadline    string          `json:"deadline,omitempty"`
	DependsOn   []string        `json:"dependsOn,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status,omitempty"`
	Progress    *float64        `json:"progress,omitempty"`
	QueueTaskID string          `json:"queueTaskId,omitempty"`
}

type Document struct {
	Version   int       `json:"version"`
	TimeScale TimeScale `json:"timeScale"`
	StartAt   string    `json:"startAt"`
	Rows      []Row     `json:"rows"`
	Tasks     []Task    `json:"tasks"`
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func FormatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

// EffectiveStatus treats an unset status as planned.
func (t Task) EffectiveStatus() Status {
	if t.Status == "" {
		return StatusPlanned
	}
	return t.Status
}

func (t Task) StartTime() (time.Time, error) {
	return ParseTime(t.Start)
}

// DurationMinutes prefers the field that matches scale and falls back to the other.
func (t Task) DurationMinutes(scale TimeScale) float64 {
	switch {
	case scale == ScaleHours && t.DurationHr != nil:
		return *t.DurationHr * 60
	case t.DurationMin != nil:
		return *t.DurationMin
	case t.DurationHr != nil:
		return *t.DurationHr * 60
	}
	return 0
}

func (t Task) clone() Task {
	out := t
	if t.DurationMin != nil {
		v := *t.DurationMin
		out.DurationMin = &v
	}
	if t.DurationHr != nil {
		v := *t.DurationHr
		out.DurationHr = &v
	}
	if t.Progress != nil {
		v := *t.Progress
		out.Progress = &v
	}
	if t.DependsOn != nil {
		out.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Payload != nil {
		out.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return out
}

func (d Document) Clone() Document {
	out := d
	out.Rows = append([]Row(nil), d.Rows...)
	out.Tasks = make([]Task, len(d.Tasks))
	for i, t := range d.Tasks {
		out.Tasks[i] = t.clone()
	}
	return out
}

func (d Document) index(id string) int {
	for i, t := range d.Tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// Task returns a copy of the task with id.
func (d Document) Task(id string) (Task, bool) {
	i := d.index(id)
	if i < 0 {
		return Task{}, false
	}
	return d.Tasks[i].clone(), true
}

func (d Document) Origin() (time.Time, error) {
	return ParseTime(d.StartAt)
}

// Validate checks scale, times, ids, rows and the dependency graph.
func (d Document) Validate() error {
	if d.TimeScale != ScaleMinutes && d.TimeScale != ScaleHours {
		return fmt.Errorf("%w: timeScale %q must be minutes or hours", ErrInvalidDocument, d.TimeScale)
	}
	if _, err := d.Origin(); err != nil {
		return fmt.Errorf("%w: startAt: %v", ErrInvalidDocument, err)
	}
	rows := map[string]bool{}
	for _, r := range d.Rows {
		if r.ID == "" || rows[r.ID] {
			return fmt.Errorf("%w: row id %q empty or duplicated", ErrInvalidDocument, r.ID)
		}
		rows[r.ID] = true
	}
	ids := map[string]bool{}
	for _, t := range d.Tasks {
		if t.ID == "" || ids[t.ID] {
			return fmt.Errorf("%w: task id %q empty or duplicated", ErrInvalidDocument, t.ID)
		}
		ids[t.ID] = true
		if !rows[t.RowID] {
			return fmt.Errorf("%w: task %s references unknown row %q", ErrInvalidDocument, t.ID, t.RowID)
		}
		if _, err := t.StartTime(); err != nil {
			return fmt.Errorf("%w: task %s start: %v", ErrInvalidDocument, t.ID, err)
		}
		if t.DurationMinutes(d.TimeScale) < 0 {
			return fmt.Errorf("%w: task %s has a negative duration", ErrInvalidDocument, t.ID)
		}
	}
	for _, t := range d.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("%w: task %s depends on itself", ErrInvalidDocument, t.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("%w: task %s depends on unknown task %q", ErrInvalidDocument, t.ID, dep)
			}
		}
	}
	if id, ok := d.findCycle(); ok {
		return fmt.Errorf("%w: %w through task %s", ErrInvalidDocument, ErrCycle, id)
	}
	return nil
}

// reaches reports whether from depends, directly or transitively, on target.
func (d Document) reaches(from, target string) bool {
	deps := map[string][]string{}
	for _, t := range d.Tasks {
		deps[t.ID] = t.DependsOn
	}
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, deps[cur]...)
	}
	return false
}

func (d Document) findCycle() (string, bool) {
	const (
		white = iota
		grey
		black
	)
	deps := map[string][]string{}
	for _, t := range d.Tasks {
		deps[t.ID] = t.DependsOn
	}
	color := map[string]int{}
	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		color[id] = grey
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				return dep, true
			case white:
				if c, ok := visit(dep); ok {
					return c, true
				}
			}
		}
		color[id] = black
		return "", false
	}
	for _, t := range d.Tasks {
		if color[t.ID] == white {
			if c, ok := visit(t.ID); ok {
				return c, true
			}
		}
	}
	return "", false
}
