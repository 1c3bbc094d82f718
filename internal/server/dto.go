package server

import (
	"encoding/json"
	"time"

	"foreman/internal/admission"
	"foreman/internal/calendar"
	"foreman/internal/domain"
	"foreman/internal/dsl"
	"foreman/internal/gantt"
	"foreman/internal/worker"
	"foreman/internal/world"
)

// Request payloads

type ScriptRequest struct {
	Script string `json:"script" minLength:"1" doc:"Commander script, one or more commands joined by ->"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CalendarCheckRequest struct {
	At          string   `json:"at,omitempty" format:"date-time" doc:"Evaluation time; defaults to now"`
	Window      string   `json:"window,omitempty" example:"08:00-17:00"`
	Before      string   `json:"before,omitempty" example:"18:00"`
	DueInDays   *float64 `json:"due_in_days,omitempty"`
	BlueprintID string   `json:"blueprint_id,omitempty"`
	Silent      bool     `json:"silent,omitempty"`
}

type DragRequest struct {
	DeltaMin float64 `json:"delta_min"`
}

type ResizeRequest struct {
	DurationMin float64 `json:"duration_min"`
}

type DependencyRequest struct {
	DependsOn string `json:"depends_on" minLength:"1"`
}

// Response payloads

type TaskResponse struct {
	ID         string         `json:"id"`
	State      string         `json:"state" enum:"pending,approved,rejected,executing,executed"`
	Kind       string         `json:"kind" enum:"build,collect,haul"`
	Summary    string         `json:"summary"`
	IssuerRole string         `json:"issuer_role"`
	Reason     string         `json:"reason,omitempty"`
	SourceLine int            `json:"source_line,omitempty"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

type ParseErrorResponse struct {
	Line    int    `json:"line"`
	Raw     string `json:"raw"`
	Message string `json:"message"`
}

type CommandResponse struct {
	Kind        string `json:"kind" enum:"build,build_line,collect,haul"`
	Description string `json:"description"`
}

type ParseResponse struct {
	Commands []CommandResponse    `json:"commands"`
	Errors   []ParseErrorResponse `json:"errors"`
}

type EntryResponse struct {
	Line    int          `json:"line"`
	Command string       `json:"command"`
	Task    TaskResponse `json:"task"`
}

type IssueResponse struct {
	Line    int    `json:"line"`
	Command string `json:"command"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SubmitResponse struct {
	Accepted []EntryResponse      `json:"accepted"`
	Issues   []IssueResponse      `json:"issues"`
	Errors   []ParseErrorResponse `json:"errors"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedTasks struct {
	Items []TaskResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DecisionResponse struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	NextTime       string `json:"next_time,omitempty" format:"date-time"`
	EnforcedSilent bool   `json:"enforced_silent"`
	DeadlineAt     string `json:"deadline_at,omitempty" format:"date-time"`
}

type WorkerResponse struct {
	ID       string       `json:"id"`
	Position domain.Point `json:"position"`
	Current  string       `json:"current,omitempty"`
	Stats    worker.Stats `json:"stats"`
}

type StatusResponse struct {
	Counts    map[string]int   `json:"task_counts"`
	Workers   []WorkerResponse `json:"workers"`
	Totals    worker.Stats     `json:"totals"`
	Stockpile []world.Item     `json:"stockpile"`
}

type LayoutResponse struct {
	Viewport        gantt.Viewport `json:"viewport"`
	PixelsPerMinute float64        `json:"pixels_per_minute"`
	Bars            []gantt.Bar    `json:"bars"`
	Ticks           []gantt.Tick   `json:"ticks"`
	Overlaps        [][2]string    `json:"overlaps"`
}

type SyncResponse struct {
	Changed []string `json:"changed"`
}

// Conversion helpers

func taskResponse(rec domain.Record) TaskResponse {
	res := TaskResponse{
		ID:         rec.ID,
		State:      string(rec.State),
		Summary:    rec.Summary,
		IssuerRole: rec.IssuerRole,
		Reason:     rec.Reason,
		SourceLine: rec.SourceLine,
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.Task != nil {
		res.Kind = string(rec.Task.Kind())
		if data, err := json.Marshal(rec.Task); err == nil {
			res.Payload = decodeJSONMap(string(data))
		}
	}
	return res
}

func mapTasks(items []domain.Record) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, rec := range items {
		out = append(out, taskResponse(rec))
	}
	return out
}

func parseErrors(errs []dsl.Error) []ParseErrorResponse {
	out := make([]ParseErrorResponse, 0, len(errs))
	for _, e := range errs {
		out = append(out, ParseErrorResponse{Line: e.Line, Raw: e.Raw, Message: e.Message})
	}
	return out
}

func parseResponse(res dsl.Result) ParseResponse {
	out := ParseResponse{Commands: make([]CommandResponse, 0, len(res.Commands)), Errors: parseErrors(res.Errors)}
	for _, c := range res.Commands {
		out.Commands = append(out.Commands, CommandResponse{Kind: string(c.Kind()), Description: dsl.Describe(c)})
	}
	return out
}

func submitResponse(res admission.Result) SubmitResponse {
	out := SubmitResponse{
		Accepted: make([]EntryResponse, 0, len(res.Entries)),
		Issues:   make([]IssueResponse, 0, len(res.Issues)),
		Errors:   parseErrors(res.Errors),
	}
	for _, e := range res.Entries {
		out.Accepted = append(out.Accepted, EntryResponse{Line: e.Line, Command: dsl.Describe(e.Command), Task: taskResponse(e.Record)})
	}
	for _, is := range res.Issues {
		out.Issues = append(out.Issues, IssueResponse{Line: is.Line, Command: dsl.Describe(is.Command), Code: is.Code, Message: is.Message})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decisionResponse(d calendar.Decision) DecisionResponse {
	return DecisionResponse{
		Allowed:        d.Allowed,
		Reason:         d.Reason,
		NextTime:       formatOptional(d.NextTime),
		EnforcedSilent: d.EnforcedSilent,
		DeadlineAt:     formatOptional(d.DeadlineAt),
	}
}

func layoutResponse(l *gantt.Layout, vp gantt.Viewport) LayoutResponse {
	return LayoutResponse{
		Viewport:        vp,
		PixelsPerMinute: l.PixelsPerMinute(),
		Bars:            nonNilSlice(l.Placements()),
		Ticks:           nonNilSlice(l.Ticks()),
		Overlaps:        nonNilSlice(l.Overlaps()),
	}
}

// JSON helpers

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
