// Package domain holds the value types shared by the parser, the queue, the
// worker loop and the schedule bridge.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates task payloads and parsed commands.
type Kind string

const (
	KindBuild     Kind = "build"
	KindBuildLine Kind = "build_line"
	KindCollect   Kind = "collect"
	KindHaul      Kind = "haul"
)

// Point is a grid coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Location is either a grid coordinate or the shared stockpile.
type Location struct {
	Stockpile bool  `json:"stockpile,omitempty"`
	At        Point `json:"at"`
}

// Stockpile is the symbolic shared storage location.
var Stockpile = Location{Stockpile: true}

// At returns a coordinate location.
func At(x, y int) Location {
	return Location{At: Point{X: x, Y: y}}
}

func (l Location) String() string {
	if l.Stockpile {
		return "STOCKPILE"
	}
	return l.At.String()
}

// Material is one entry of a build's material list.
type Material struct {
	ItemID string `json:"item_id"`
	Count  int    `json:"count"`
}

// Deadline is either a clock time ("17:30"), a relative number of days, or both.
type Deadline struct {
	AtClock string   `json:"at_clock,omitempty"`
	InDays  *float64 `json:"in_days,omitempty"`
}

func (d *Deadline) Clone() *Deadline {
	if d == nil {
		return nil
	}
	out := &Deadline{AtClock: d.AtClock}
	if d.InDays != nil {
		v := *d.InDays
		out.InDays = &v
	}
	return out
}

func (d *Deadline) String() string {
	if d == nil {
		return ""
	}
	var parts []string
	if d.AtClock != "" {
		parts = append(parts, "before "+d.AtClock)
	}
	if d.InDays != nil {
		parts = append(parts, fmt.Sprintf("due %gd", *d.InDays))
	}
	return strings.Join(parts, " ")
}

// Window is a "HH:MM-HH:MM" time window as written by the commander.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (w Window) String() string {
	return w.Start + "-" + w.End
}

// State is the lifecycle state of a queued task.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateExecuting State = "executing"
	StateExecuted  State = "executed"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateApproved, StateRejected, StateExecuting, StateExecuted}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task state %q", s)
}

// Record is a queued task together with its lifecycle bookkeeping.
type Record struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Task       Payload   `json:"-"`
	IssuerRole string    `json:"issuer_role"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	SourceLine int       `json:"source_line,omitempty"`
	Summary    string    `json:"summary"`
	// Version counts persisted changes; a write expects the stored row to
	// still carry Version-1.
	Version int64 `json:"version"`
}

// Clone returns a deep copy that shares no memory with r.
func (r Record) Clone() Record {
	out := r
	if r.Task != nil {
		out.Task = r.Task.clonePayload()
	}
	return out
}

// TimeLayout is the fixed-width form timestamps are stored in, so that text
// order matches time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event is one row of the append-only event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}
