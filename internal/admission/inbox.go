// Package admission accepts commander scripts into the task queue under policy.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"foreman/internal/domain"
	"foreman/internal/dsl"
	"foreman/internal/queue"
)

const rateWindow = time.Minute

// DefaultMaxLineCells caps BUILD ... line expansion when the policy sets no cap.
const DefaultMaxLineCells = 256

// Issue codes.
const (
	CodeLineNotAxisAligned = "line_not_axis_aligned"
	CodeLineTooLong        = "line_too_long"
	CodeRateLimited        = "rate_limited"
	CodeKindNotAllowed     = "kind_not_allowed"
	CodeForbiddenZone      = "forbidden_zone"
	CodeConcurrencyLimit   = "concurrency_limit"
	CodeInvalidPayload     = "invalid_payload"
)

// Zone is an inclusive rectangle of forbidden build cells.
type Zone struct {
	X1 int `json:"x1" yaml:"x1" toml:"x1"`
	Y1 int `json:"y1" yaml:"y1" toml:"y1"`
	X2 int `json:"x2" yaml:"x2" toml:"x2"`
	Y2 int `json:"y2" yaml:"y2" toml:"y2"`
}

func (z Zone) Contains(p domain.Point) bool {
	minX, maxX := min(z.X1, z.X2), max(z.X1, z.X2)
	minY, maxY := min(z.Y1, z.Y2), max(z.Y1, z.Y2)
	return p.X >= minX && p.X <= maxX && p.Y >= minY && p.Y <= maxY
}

func (z Zone) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", z.X1, z.Y1, z.X2, z.Y2)
}

// Policy limits what an inbox admits. Limits <= 0 are disabled, except
// MaxLineCells which falls back to DefaultMaxLineCells; an empty AllowedTasks
// admits every kind.
type Policy struct {
	MaxApprovedPerMinute int
	MaxConcurrency       int
	MaxLineCells         int
	ForbiddenZones       []Zone
	AllowedTasks         []domain.Kind
}

// Issue is a policy rejection for one command.
type Issue struct {
	Line    int         `json:"line"`
	Command dsl.Command `json:"command"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// Entry is an accepted command and the record it became.
type Entry struct {
	Record  domain.Record `json:"record"`
	Command dsl.Command   `json:"command"`
	Line    int           `json:"line"`
}

type Result struct {
	Entries  []Entry       `json:"entries"`
	Issues   []Issue       `json:"issues"`
	Commands []dsl.Command `json:"commands"`
	Errors   []dsl.Error   `json:"errors"`
}

// Ledger counts admissions made by every inbox sharing a store.
type Ledger interface {
	AdmittedSince(ctx context.Context, since time.Time) (int, error)
}

type Inbox struct {
	Queue  *queue.Queue
	Logger *log.Logger
	Now    func() time.Time
	// Ledger, when set, replaces the in-memory rate window.
	Ledger Ledger

	mu       sync.Mutex
	policy   Policy
	accepted []time.Time
}

func NewInbox(q *queue.Queue, policy Policy, logger *log.Logger) *Inbox {
	if logger == nil {
		logger = log.Default()
	}
	return &Inbox{Queue: q, Logger: logger, Now: time.Now, policy: policy}
}

func (in *Inbox) Policy() Policy {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.policy
}

func (in *Inbox) SetPolicy(p Policy) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.policy = p
}

type policyError struct {
	code string
	msg  string
}

func (e *policyError) Error() string { return e.msg }

// Submit parses script and admits each command that passes policy. Syntax errors
// and policy issues are reported in the result; the error is only for failures
// of the queue itself.
func (in *Inbox) Submit(ctx context.Context, script, issuerRole string) (Result, error) {
	parsed := dsl.Parse(script)
	res := Result{Entries: []Entry{}, Issues: []Issue{}, Commands: []dsl.Command{}, Errors: parsed.Errors}
	maxCells := in.Policy().MaxLineCells
	for i, cmd := range parsed.Commands {
		line := parsed.Lines[i]
		expanded, err := Expand(cmd, maxCells)
		if err != nil {
			code := CodeLineNotAxisAligned
			if errors.Is(err, ErrLineTooLong) {
				code = CodeLineTooLong
			}
			res.Issues = append(res.Issues, Issue{Line: line, Command: cmd, Code: code, Message: err.Error()})
			continue
		}
		for _, c := range expanded {
			res.Commands = append(res.Commands, c)
			entry, issue, err := in.admit(ctx, c, line, issuerRole)
			if err != nil {
				return res, err
			}
			if issue != nil {
				res.Issues = append(res.Issues, *issue)
				continue
			}
			res.Entries = append(res.Entries, entry)
		}
	}
	return res, nil
}

func (in *Inbox) admit(ctx context.Context, c dsl.Command, line int, role string) (Entry, *Issue, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	now := in.Now()
	in.pruneLocked(now)
	issue := func(code, msg string) *Issue {
		return &Issue{Line: line, Command: c, Code: code, Message: msg}
	}
	p := in.policy
	if p.MaxApprovedPerMinute > 0 {
		recent, err := in.recentLocked(ctx, now)
		if err != nil {
			return Entry{}, nil, fmt.Errorf("admit line %d: rate window: %w", line, err)
		}
		if recent+1 > p.MaxApprovedPerMinute {
			return Entry{}, issue(CodeRateLimited, fmt.Sprintf("rate limit of %d tasks per minute reached", p.MaxApprovedPerMinute)), nil
		}
	}
	if len(p.AllowedTasks) > 0 && !slices.Contains(p.AllowedTasks, c.Kind()) {
		return Entry{}, issue(CodeKindNotAllowed, fmt.Sprintf("task kind %s is not allowed", c.Kind())), nil
	}
	if b, ok := c.(dsl.Build); ok {
		for _, z := range p.ForbiddenZones {
			if z.Contains(b.At) {
				return Entry{}, issue(CodeForbiddenZone, fmt.Sprintf("target %s is inside forbidden zone %s", b.At, z)), nil
			}
		}
	}
	payload, convertible := dsl.Payload(c)
	rec, err := in.Queue.SubmitTask(ctx, queue.Submission{
		IssuerRole: role,
		SourceLine: line,
		Payload:    payload,
		Admit: func(counts queue.Counts) error {
			if err := p.checkConcurrency(counts); err != nil {
				return err
			}
			if !convertible {
				return &policyError{code: CodeInvalidPayload, msg: fmt.Sprintf("command %s cannot be queued", c.Kind())}
			}
			return nil
		},
	})
	var pe *policyError
	if errors.As(err, &pe) {
		return Entry{}, issue(pe.code, pe.msg), nil
	}
	if err != nil {
		return Entry{}, nil, fmt.Errorf("admit line %d: %w", line, err)
	}
	in.accepted = append(in.accepted, now)
	in.Logger.Printf("inbox: accepted %s from %s (line %d): %s", rec.ID, role, line, rec.Summary)
	return Entry{Record: rec, Command: c, Line: line}, nil, nil
}

// ErrConcurrencyLimit is returned by Approve when approving would exceed
// MaxConcurrency.
var ErrConcurrencyLimit = errors.New("concurrency limit reached")

func (p Policy) checkConcurrency(counts queue.Counts) error {
	if p.MaxConcurrency > 0 && counts.Active() >= p.MaxConcurrency {
		return &policyError{code: CodeConcurrencyLimit, msg: fmt.Sprintf("concurrency limit of %d active tasks reached", p.MaxConcurrency)}
	}
	return nil
}

// Approve moves a pending task to approved unless that would put more than
// MaxConcurrency tasks in approved or executing.
func (in *Inbox) Approve(ctx context.Context, id, reason string) (domain.Record, error) {
	p := in.Policy()
	rec, err := in.Queue.ApproveAdmitted(ctx, id, reason, p.checkConcurrency)
	var pe *policyError
	if errors.As(err, &pe) {
		return domain.Record{}, fmt.Errorf("%w: %s", ErrConcurrencyLimit, pe.msg)
	}
	return rec, err
}

// recentLocked is the number of admissions inside the rate window.
func (in *Inbox) recentLocked(ctx context.Context, now time.Time) (int, error) {
	if in.Ledger == nil {
		return len(in.accepted), nil
	}
	return in.Ledger.AdmittedSince(ctx, now.Add(-rateWindow))
}

func (in *Inbox) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(in.accepted) && now.Sub(in.accepted[cut]) >= rateWindow {
		cut++
	}
	in.accepted = in.accepted[cut:]
}

// ErrLineTooLong is returned by Expand for a line with more cells than allowed.
var ErrLineTooLong = errors.New("line too long")

// Expand turns a BuildLine into one Build per cell from From to To inclusive.
// Other commands are returned as they are. A line longer than maxCells is
// refused before any cell is built; maxCells <= 0 means DefaultMaxLineCells.
func Expand(c dsl.Command, maxCells int) ([]dsl.Command, error) {
	line, ok := c.(dsl.BuildLine)
	if !ok {
		return []dsl.Command{c}, nil
	}
	if line.From.X != line.To.X && line.From.Y != line.To.Y {
		return nil, fmt.Errorf("line from %s to %s is not axis-aligned", line.From, line.To)
	}
	if maxCells <= 0 {
		maxCells = DefaultMaxLineCells
	}
	spanX, okX := span(line.From.X, line.To.X)
	spanY, okY := span(line.From.Y, line.To.Y)
	cells := spanX + spanY + 1
	if !okX || !okY || cells <= 0 || cells > maxCells {
		return nil, fmt.Errorf("%w: %s to %s exceeds %d cells", ErrLineTooLong, line.From, line.To, maxCells)
	}
	dx, dy := sign(line.To.X-line.From.X), sign(line.To.Y-line.From.Y)
	p := line.From
	out := make([]dsl.Command, 0, cells)
	for {
		out = append(out, dsl.Build{Qualifiers: line.Qualifiers, BlueprintID: line.BlueprintID, At: p})
		if p == line.To {
			break
		}
		p = domain.Point{X: p.X + dx, Y: p.Y + dy}
	}
	return out, nil
}

// span is |b-a|; ok is false when that does not fit in an int.
func span(a, b int) (int, bool) {
	if a > b {
		a, b = b, a
	}
	d := b - a
	return d, d >= 0
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
