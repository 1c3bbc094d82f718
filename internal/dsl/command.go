// Package dsl parses commander scripts into typed commands.
package dsl

import (
	"fmt"

	"foreman/internal/domain"
)

// Qualifiers are the optional trailing time and noise modifiers of a segment.
type Qualifiers struct {
	Window   *domain.Window   `json:"timeWindow,omitempty"`
	Deadline *domain.Deadline `json:"deadline,omitempty"`
	Silent   bool             `json:"silent,omitempty"`
}

func (q Qualifiers) Quals() Qualifiers { return q }

// Schedule converts the qualifiers into the payload form used by the queue.
func (q Qualifiers) Schedule() domain.Schedule {
	s := domain.Schedule{Deadline: q.Deadline.Clone(), Silent: q.Silent}
	if q.Window != nil {
		w := *q.Window
		s.Window = &w
	}
	return s
}

// Command is one parsed segment. Variants: Build, BuildLine, Collect, Haul.
type Command interface {
	Kind() domain.Kind
	Quals() Qualifiers
	isCommand()
}

type Build struct {
	Qualifiers
	BlueprintID string            `json:"blueprintId"`
	At          domain.Point      `json:"at"`
	Materials   []domain.Material `json:"materials,omitempty"`
}

type BuildLine struct {
	Qualifiers
	BlueprintID string       `json:"blueprintId"`
	From        domain.Point `json:"from"`
	To          domain.Point `json:"to"`
}

type Collect struct {
	Qualifiers
	ItemID string          `json:"itemId"`
	Count  int             `json:"count"`
	From   domain.Location `json:"from"`
	To     domain.Location `json:"to"`
}

type Haul struct {
	Qualifiers
	ItemID string          `json:"itemId"`
	Count  int             `json:"count"`
	From   domain.Location `json:"from"`
	To     domain.Location `json:"to"`
}

func (Build) Kind() domain.Kind     { return domain.KindBuild }
func (BuildLine) Kind() domain.Kind { return domain.KindBuildLine }
func (Collect) Kind() domain.Kind   { return domain.KindCollect }
func (Haul) Kind() domain.Kind      { return domain.KindHaul }

func (Build) isCommand()     {}
func (BuildLine) isCommand() {}
func (Collect) isCommand()   {}
func (Haul) isCommand()      {}

// Payload converts a single-cell command into a queue payload. BuildLine has no
// payload form and must be expanded first.
func Payload(c Command) (domain.Payload, bool) {
	switch v := c.(type) {
	case Build:
		var mats []domain.Material
		if len(v.Materials) > 0 {
			mats = append(mats, v.Materials...)
		}
		return domain.Build{Schedule: v.Schedule(), BlueprintID: v.BlueprintID, At: v.At, Materials: mats}, true
	case Collect:
		return domain.Collect{Schedule: v.Schedule(), ItemID: v.ItemID, Count: v.Count, From: v.From, To: v.To}, true
	case Haul:
		return domain.Haul{Schedule: v.Schedule(), ItemID: v.ItemID, Count: v.Count, From: v.From, To: v.To}, true
	default:
		return nil, false
	}
}

// Describe renders a command as a one-line summary.
func Describe(c Command) string {
	if p, ok := Payload(c); ok {
		return p.Summary()
	}
	if l, ok := c.(BuildLine); ok {
		return fmt.Sprintf("build %s line from %s to %s", l.BlueprintID, l.From, l.To)
	}
	return string(c.Kind())
}
