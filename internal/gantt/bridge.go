package gantt

import (
	"context"
	"fmt"
	"log"

	"foreman/internal/domain"
	"foreman/internal/queue"
)

// Queue is the part of the task queue the bridge needs.
type Queue interface {
	SubmitTask(ctx context.Context, s queue.Submission) (domain.Record, error)
	Get(id string) (domain.Record, error)
	Sync(ctx context.Context) error
}

// Bridge moves due schedule tasks into the live queue and reflects queue state
// back into the schedule.
type Bridge struct {
	Controller *Controller
	Queue      Queue
	IssuerRole string
	Logger     *log.Logger
}

type PromoteResult struct {
	Promoted []string          `json:"promoted"`
	Skipped  map[string]string `json:"skipped"`
}

func satisfied(s Status) bool {
	return s == StatusApproved || s == StatusExecuting || s == StatusDone
}

func (b *Bridge) logf(format string, args ...any) {
	if b.Logger != nil {
		b.Logger.Printf(format, args...)
	}
}

// Promote submits every planned task whose dependencies are approved,
// executing or done. A task with an unmet dependency is left for the next call.
// The document is saved once when anything was promoted.
func (b *Bridge) Promote(ctx context.Context) (PromoteResult, error) {
	c := b.Controller
	c.mu.Lock()
	defer c.mu.Unlock()
	res := PromoteResult{Promoted: []string{}, Skipped: map[string]string{}}
	if err := c.doc.Validate(); err != nil {
		return res, err
	}
	role := b.IssuerRole
	if role == "" {
		role = "scheduler"
	}
	for i := range c.doc.Tasks {
		t := &c.doc.Tasks[i]
		if t.EffectiveStatus() != StatusPlanned {
			continue
		}
		if dep, ok := c.unmet(t); ok {
			res.Skipped[t.ID] = "waiting on " + dep
			continue
		}
		payload, err := domain.DecodeKind(domain.Kind(t.Type), t.Payload)
		if err != nil {
			res.Skipped[t.ID] = err.Error()
			continue
		}
		rec, err := b.Queue.SubmitTask(ctx, queue.Submission{Payload: payload, IssuerRole: role})
		if err != nil {
			if len(res.Promoted) > 0 {
				if serr := c.saveLocked(ctx); serr != nil {
					b.logf("bridge: save after partial promotion: %v", serr)
				}
			}
			return res, fmt.Errorf("promote %s: %w", t.ID, err)
		}
		t.Status = StatusApproved
		t.QueueTaskID = rec.ID
		res.Promoted = append(res.Promoted, t.ID)
		b.logf("bridge: promoted %s as %s", t.ID, rec.ID)
	}
	if len(res.Promoted) == 0 {
		return res, nil
	}
	return res, c.saveLocked(ctx)
}

func (c *Controller) unmet(t *Task) (string, bool) {
	for _, dep := range t.DependsOn {
		i := c.doc.index(dep)
		if i < 0 || !satisfied(c.doc.Tasks[i].EffectiveStatus()) {
			return dep, true
		}
	}
	return "", false
}

// Sync copies queue progress into promoted tasks and saves when something changed.
func (b *Bridge) Sync(ctx context.Context) ([]string, error) {
	if err := b.Queue.Sync(ctx); err != nil {
		return nil, err
	}
	c := b.Controller
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := []string{}
	for i := range c.doc.Tasks {
		t := &c.doc.Tasks[i]
		if t.QueueTaskID == "" {
			continue
		}
		rec, err := b.Queue.Get(t.QueueTaskID)
		if err != nil {
			b.logf("bridge: sync %s: %v", t.ID, err)
			continue
		}
		next := t.Status
		switch rec.State {
		case domain.StateExecuting:
			next = StatusExecuting
		case domain.StateExecuted:
			next = StatusDone
		case domain.StateRejected:
			next = StatusRejected
		case domain.StatePending, domain.StateApproved:
			next = StatusApproved
		}
		if next != t.Status {
			t.Status = next
			if next == StatusDone {
				full := 1.0
				t.Progress = &full
			}
			changed = append(changed, t.ID)
		}
	}
	if len(changed) == 0 {
		return changed, nil
	}
	return changed, c.saveLocked(ctx)
}
