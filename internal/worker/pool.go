package worker

import (
	"context"
	"sync"
	"time"
)

// Pool drives several workers against the same queue.
type Pool struct {
	Workers []*Worker
}

// Tick ticks each worker once, in order, and returns the first error.
func (p *Pool) Tick(ctx context.Context) error {
	var first error
	for _, w := range p.Workers {
		if err := w.Tick(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Run starts one goroutine per worker and waits for them to stop.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	var wg sync.WaitGroup
	for _, w := range p.Workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx, interval)
		}(w)
	}
	wg.Wait()
}

func (p *Pool) Get(id string) (*Worker, bool) {
	for _, w := range p.Workers {
		if w.ID() == id {
			return w, true
		}
	}
	return nil, false
}

// Stats sums the stats of every worker.
func (p *Pool) Stats() Stats {
	var s Stats
	for _, w := range p.Workers {
		ws := w.Stats()
		s.Completed += ws.Completed
		s.OnTime += ws.OnTime
		s.Overtime += ws.Overtime
		s.NightShift += ws.NightShift
		s.Silent += ws.Silent
		s.Failed += ws.Failed
	}
	return s
}
