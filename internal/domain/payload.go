package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schedule carries the time qualifiers attached to a task.
type Schedule struct {
	Window   *Window   `json:"window,omitempty"`
	Deadline *Deadline `json:"deadline,omitempty"`
	Silent   bool      `json:"silent,omitempty"`
}

func (s Schedule) clone() Schedule {
	out := Schedule{Deadline: s.Deadline.Clone(), Silent: s.Silent}
	if s.Window != nil {
		w := *s.Window
		out.Window = &w
	}
	return out
}

// Payload is the work a queued task describes. The set of variants is closed:
// Build, Collect and Haul.
type Payload interface {
	Kind() Kind
	Timing() Schedule
	Summary() string
	clonePayload() Payload
}

type Build struct {
	Schedule
	BlueprintID string     `json:"blueprint_id"`
	At          Point      `json:"at"`
	Materials   []Material `json:"materials,omitempty"`
}

type Collect struct {
	Schedule
	ItemID string   `json:"item_id"`
	Count  int      `json:"count"`
	From   Location `json:"from"`
	To     Location `json:"to"`
}

type Haul struct {
	Schedule
	ItemID string   `json:"item_id"`
	Count  int      `json:"count"`
	From   Location `json:"from"`
	To     Location `json:"to"`
}

func (Build) Kind() Kind   { return KindBuild }
func (Collect) Kind() Kind { return KindCollect }
func (Haul) Kind() Kind    { return KindHaul }

func (b Build) Timing() Schedule   { return b.Schedule }
func (c Collect) Timing() Schedule { return c.Schedule }
func (h Haul) Timing() Schedule    { return h.Schedule }

func (b Build) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "build %s at %s", b.BlueprintID, b.At)
	if len(b.Materials) > 0 {
		parts := make([]string, 0, len(b.Materials))
		for _, m := range b.Materials {
			parts = append(parts, fmt.Sprintf("%s=%d", m.ItemID, m.Count))
		}
		fmt.Fprintf(&sb, " using %s", strings.Join(parts, ","))
	}
	return sb.String() + b.Schedule.suffix()
}

func (c Collect) Summary() string {
	return fmt.Sprintf("collect %d %s from %s to %s", c.Count, c.ItemID, c.From, c.To) + c.Schedule.suffix()
}

func (h Haul) Summary() string {
	return fmt.Sprintf("haul %d %s from %s to %s", h.Count, h.ItemID, h.From, h.To) + h.Schedule.suffix()
}

func (s Schedule) suffix() string {
	var parts []string
	if s.Window != nil {
		parts = append(parts, "in "+s.Window.String())
	}
	if d := s.Deadline.String(); d != "" {
		parts = append(parts, d)
	}
	if s.Silent {
		parts = append(parts, "silent")
	}
	if len(parts) == 0 {
		return ""
	}
	return " [" + strings.Join(parts, ", ") + "]"
}

func (b Build) clonePayload() Payload {
	b.Schedule = b.Schedule.clone()
	if b.Materials != nil {
		b.Materials = append([]Material(nil), b.Materials...)
	}
	return b
}

func (c Collect) clonePayload() Payload {
	c.Schedule = c.Schedule.clone()
	return c
}

func (h Haul) clonePayload() Payload {
	h.Schedule = h.Schedule.clone()
	return h
}

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload writes p as {"kind": ..., "data": {...}}.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: p.Kind(), Data: data})
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(raw []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	return DecodeKind(env.Kind, env.Data)
}

// DecodeKind decodes data as the payload variant named by kind.
func DecodeKind(kind Kind, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch kind {
	case KindBuild:
		var b Build
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode build payload: %w", err)
		}
		if b.BlueprintID == "" {
			return nil, fmt.Errorf("build payload requires blueprint_id")
		}
		return b, nil
	case KindCollect:
		var c Collect
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode collect payload: %w", err)
		}
		if c.ItemID == "" || c.Count <= 0 {
			return nil, fmt.Errorf("collect payload requires item_id and a positive count")
		}
		return c, nil
	case KindHaul:
		var h Haul
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("decode haul payload: %w", err)
		}
		if h.ItemID == "" || h.Count <= 0 {
			return nil, fmt.Errorf("haul payload requires item_id and a positive count")
		}
		return h, nil
	default:
		return nil, fmt.Errorf("unsupported payload kind %q", kind)
	}
}
