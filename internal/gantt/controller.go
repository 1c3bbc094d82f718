package gantt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MinDuration is the shortest duration a resize can set, in minutes.
const MinDuration = 15.0

// Aligner snaps a time to the next schedulable slot.
type Aligner interface {
	AlignToNextSlot(t time.Time) time.Time
}

// Store loads and saves the schedule document. Save is expected to validate
// before it commits.
type Store interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
}

type identity struct{}

func (identity) AlignToNextSlot(t time.Time) time.Time { return t }

// Controller edits one in-memory document. Edits are last-writer-wins.
type Controller struct {
	mu       sync.Mutex
	doc      Document
	store    Store
	aligner  Aligner
	selected string
	newID    func() string
}

func NewController(doc Document, store Store, aligner Aligner) *Controller {
	if aligner == nil {
		aligner = identity{}
	}
	return &Controller{doc: doc.Clone(), store: store, aligner: aligner, newID: uuid.NewString}
}

// OpenController loads the document from store.
func OpenController(ctx context.Context, store Store, aligner Aligner) (*Controller, error) {
	doc, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	return NewController(doc, store, aligner), nil
}

func (c *Controller) Document() Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Clone()
}

func (c *Controller) Layout(vp Viewport) (*Layout, error) {
	return NewLayout(c.Document(), vp)
}

func (c *Controller) Replace(doc Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = doc.Clone()
	if c.doc.index(c.selected) < 0 {
		c.selected = ""
	}
}

func (c *Controller) Reload(ctx context.Context) error {
	if c.store == nil {
		return errors.New("reload schedule: no store")
	}
	doc, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload schedule: %w", err)
	}
	c.Replace(doc)
	return nil
}

func (c *Controller) Save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(ctx)
}

func (c *Controller) saveLocked(ctx context.Context) error {
	if c.store == nil {
		return errors.New("save schedule: no store")
	}
	if err := c.store.Save(ctx, c.doc.Clone()); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (c *Controller) find(id string) (*Task, error) {
	i := c.doc.index(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return &c.doc.Tasks[i], nil
}

// DragTask moves a task by deltaMin minutes and snaps the result to a slot.
func (c *Controller) DragTask(id string, deltaMin float64) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.find(id)
	if err != nil {
		return Task{}, err
	}
	start, err := t.StartTime()
	if err != nil {
		return Task{}, fmt.Errorf("%w: task %s start: %v", ErrInvalidDocument, id, err)
	}
	moved := start.Add(time.Duration(deltaMin * float64(time.Minute)))
	t.Start = FormatTime(c.aligner.AlignToNextSlot(moved))
	return t.clone(), nil
}

// ResizeTask sets the duration, never below MinDuration. Only the field for the
// document's scale is kept.
func (c *Controller) ResizeTask(id string, durationMin float64) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.find(id)
	if err != nil {
		return Task{}, err
	}
	d := max(durationMin, MinDuration)
	if c.doc.TimeScale == ScaleHours {
		hr := d / 60
		t.DurationHr, t.DurationMin = &hr, nil
	} else {
		t.DurationMin, t.DurationHr = &d, nil
	}
	return t.clone(), nil
}

// ConnectDependency makes id depend on dependsOn. Edges that would close a
// cycle are refused with ErrCycle.
func (c *Controller) ConnectDependency(id, dependsOn string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.find(id)
	if err != nil {
		return Task{}, err
	}
	if _, err := c.find(dependsOn); err != nil {
		return Task{}, err
	}
	if id == dependsOn || c.doc.reaches(dependsOn, id) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrCycle, id, dependsOn)
	}
	if !slices.Contains(t.DependsOn, dependsOn) {
		t.DependsOn = append(t.DependsOn, dependsOn)
	}
	return t.clone(), nil
}

func (c *Controller) DisconnectDependency(id, dependsOn string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.find(id)
	if err != nil {
		return Task{}, err
	}
	t.DependsOn = slices.DeleteFunc(t.DependsOn, func(d string) bool { return d == dependsOn })
	if len(t.DependsOn) == 0 {
		t.DependsOn = nil
	}
	return t.clone(), nil
}

func (c *Controller) Select(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.find(id); err != nil {
		return err
	}
	c.selected = id
	return nil
}

func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// DuplicateSelected copies the selected task to the slot after its end, inserts
// the copy right after it and selects the copy.
func (c *Controller) DuplicateSelected() (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == "" {
		return Task{}, fmt.Errorf("%w: nothing selected", ErrTaskNotFound)
	}
	i := c.doc.index(c.selected)
	if i < 0 {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, c.selected)
	}
	orig := c.doc.Tasks[i]
	start, err := orig.StartTime()
	if err != nil {
		return Task{}, fmt.Errorf("%w: task %s start: %v", ErrInvalidDocument, orig.ID, err)
	}
	end := start.Add(time.Duration(orig.DurationMinutes(c.doc.TimeScale) * float64(time.Minute)))
	cp := orig.clone()
	cp.ID = orig.ID + "-" + c.newID()[:8]
	cp.Start = FormatTime(c.aligner.AlignToNextSlot(end))
	cp.Status = StatusPlanned
	cp.QueueTaskID = ""
	cp.Progress = nil
	c.doc.Tasks = slices.Insert(c.doc.Tasks, i+1, cp)
	c.selected = cp.ID
	return cp.clone(), nil
}
