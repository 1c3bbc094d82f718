package worker

import (
	"fmt"
	"time"

	"foreman/internal/domain"
)

// MinExpected is the floor for a plan's expected duration.
const MinExpected = 5 * time.Minute

type StepKind string

const (
	StepMove StepKind = "move"
	StepAct  StepKind = "act"
)

// Step is one unit of planned work. Move steps carry a destination.
type Step struct {
	Kind StepKind     `json:"kind"`
	To   domain.Point `json:"to,omitempty"`
	Cost int          `json:"cost"`
}

// Planner turns a payload into steps starting from the worker's position.
type Planner interface {
	Plan(from domain.Point, task domain.Payload) ([]Step, error)
}

// Plan is a planned task with its cost and duration estimate.
type Plan struct {
	Steps    []Step        `json:"steps"`
	Cost     int           `json:"cost"`
	Expected time.Duration `json:"expected"`
}

func newPlan(steps []Step, minutesPerCost float64) Plan {
	p := Plan{Steps: steps}
	for _, s := range steps {
		p.Cost += s.Cost
	}
	p.Expected = time.Duration(float64(p.Cost) * minutesPerCost * float64(time.Minute))
	if p.Expected < MinExpected {
		p.Expected = MinExpected
	}
	return p
}

// GridPlanner walks Manhattan paths. Stockpile locations resolve to Depot.
type GridPlanner struct {
	Depot   domain.Point
	ActCost int
}

func (g GridPlanner) Plan(from domain.Point, task domain.Payload) ([]Step, error) {
	act := g.ActCost
	if act <= 0 {
		act = 1
	}
	pos := from
	var steps []Step
	moveTo := func(to domain.Point) {
		if to == pos {
			return
		}
		steps = append(steps, Step{Kind: StepMove, To: to, Cost: manhattan(pos, to)})
		pos = to
	}
	switch t := task.(type) {
	case domain.Build:
		moveTo(t.At)
		steps = append(steps, Step{Kind: StepAct, To: t.At, Cost: act + len(t.Materials)})
	case domain.Collect:
		moveTo(g.resolve(t.From))
		moveTo(g.resolve(t.To))
		steps = append(steps, Step{Kind: StepAct, To: pos, Cost: act})
	case domain.Haul:
		moveTo(g.resolve(t.From))
		moveTo(g.resolve(t.To))
		steps = append(steps, Step{Kind: StepAct, To: pos, Cost: act})
	default:
		return nil, fmt.Errorf("no plan for task kind %T", task)
	}
	return steps, nil
}

func (g GridPlanner) resolve(l domain.Location) domain.Point {
	if l.Stockpile {
		return g.Depot
	}
	return l.At
}

func manhattan(a, b domain.Point) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
