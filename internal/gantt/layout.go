package gantt

import (
	"fmt"
	"math"
	"time"
)

// Layout metrics in pixels.
const (
	TimelineHeight = 40
	RowHeight      = 32
	RowGap         = 8
	BarHeight      = 24
	MinorTickPx    = 60
	MajorEvery     = 5
)

type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Zoom   float64 `json:"zoom"`
}

// Bar is a task's rectangle on the timeline.
type Bar struct {
	TaskID string    `json:"taskId"`
	RowID  string    `json:"rowId"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Width  float64   `json:"width"`
	Height float64   `json:"height"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

type Tick struct {
	X     float64   `json:"x"`
	Time  time.Time `json:"time"`
	Major bool      `json:"major"`
}

// Layout is pure geometry over a document snapshot.
type Layout struct {
	doc    Document
	vp     Viewport
	origin time.Time
	ppm    float64
	rows   map[string]int
}

func NewLayout(doc Document, vp Viewport) (*Layout, error) {
	origin, err := doc.Origin()
	if err != nil {
		return nil, fmt.Errorf("%w: startAt: %v", ErrInvalidDocument, err)
	}
	if vp.Zoom <= 0 {
		vp.Zoom = 1
	}
	l := &Layout{doc: doc.Clone(), vp: vp, origin: origin, rows: map[string]int{}}
	l.ppm = 2 * vp.Zoom
	if doc.TimeScale == ScaleHours {
		l.ppm = 2 * vp.Zoom / 60
	}
	for i, r := range doc.Rows {
		l.rows[r.ID] = i
	}
	return l, nil
}

func (l *Layout) PixelsPerMinute() float64 { return l.ppm }

func (l *Layout) TimeToX(t time.Time) float64 {
	return t.Sub(l.origin).Minutes() * l.ppm
}

// XToTime inverts TimeToX, rounded to the millisecond.
func (l *Layout) XToTime(x float64) time.Time {
	ms := math.Round(x / l.ppm * float64(time.Minute/time.Millisecond))
	return l.origin.Add(time.Duration(ms) * time.Millisecond)
}

func (l *Layout) RowY(rowID string) (float64, bool) {
	i, ok := l.rows[rowID]
	if !ok {
		return 0, false
	}
	return float64(TimelineHeight + i*(RowHeight+RowGap)), true
}

func (l *Layout) interval(t Task) (time.Time, time.Time, bool) {
	start, err := t.StartTime()
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	dur := time.Duration(t.DurationMinutes(l.doc.TimeScale) * float64(time.Minute))
	return start, start.Add(dur), true
}

func (l *Layout) place(t Task) (Bar, bool) {
	y, ok := l.RowY(t.RowID)
	if !ok {
		return Bar{}, false
	}
	start, end, ok := l.interval(t)
	if !ok {
		return Bar{}, false
	}
	width := math.Max(t.DurationMinutes(l.doc.TimeScale)*l.ppm, BarHeight)
	return Bar{TaskID: t.ID, RowID: t.RowID, X: l.TimeToX(start), Y: y, Width: width, Height: BarHeight, Start: start, End: end}, true
}

func (l *Layout) Place(taskID string) (Bar, error) {
	i := l.doc.index(taskID)
	if i < 0 {
		return Bar{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	b, ok := l.place(l.doc.Tasks[i])
	if !ok {
		return Bar{}, fmt.Errorf("%w: task %s cannot be placed", ErrInvalidDocument, taskID)
	}
	return b, nil
}

// Placements returns bars for every placeable task, in document order.
func (l *Layout) Placements() []Bar {
	out := make([]Bar, 0, len(l.doc.Tasks))
	for _, t := range l.doc.Tasks {
		if b, ok := l.place(t); ok {
			out = append(out, b)
		}
	}
	return out
}

// Ticks walks from x=0 to the larger of the rightmost bar end and the viewport width.
func (l *Layout) Ticks() []Tick {
	end := l.vp.Width
	for _, b := range l.Placements() {
		end = math.Max(end, b.X+b.Width)
	}
	var out []Tick
	for px := 0; float64(px) <= end; px += MinorTickPx {
		out = append(out, Tick{X: float64(px), Time: l.XToTime(float64(px)), Major: px%(MinorTickPx*MajorEvery) == 0})
	}
	return out
}

// DetectOverlap reports whether another task in rowID intersects taskID's
// half-open interval.
func (l *Layout) DetectOverlap(rowID, taskID string) bool {
	i := l.doc.index(taskID)
	if i < 0 {
		return false
	}
	ts, te, ok := l.interval(l.doc.Tasks[i])
	if !ok {
		return false
	}
	for _, o := range l.doc.Tasks {
		if o.ID == taskID || o.RowID != rowID {
			continue
		}
		s, e, ok := l.interval(o)
		if !ok {
			continue
		}
		if !(!e.After(ts) || !s.Before(te)) {
			return true
		}
	}
	return false
}

// Overlaps lists every overlapping pair, each once.
func (l *Layout) Overlaps() [][2]string {
	var out [][2]string
	for i, a := range l.doc.Tasks {
		as, ae, ok := l.interval(a)
		if !ok {
			continue
		}
		for _, b := range l.doc.Tasks[i+1:] {
			if b.RowID != a.RowID {
				continue
			}
			bs, be, ok := l.interval(b)
			if !ok {
				continue
			}
			if be.After(as) && bs.Before(ae) {
				out = append(out, [2]string{a.ID, b.ID})
			}
		}
	}
	return out
}

// HitTest returns the topmost bar under (x, y).
func (l *Layout) HitTest(x, y float64) (string, bool) {
	bars := l.Placements()
	for i := len(bars) - 1; i >= 0; i-- {
		b := bars[i]
		if x >= b.X && x <= b.X+b.Width && y >= b.Y && y <= b.Y+b.Height {
			return b.TaskID, true
		}
	}
	return "", false
}
