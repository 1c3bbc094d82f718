// Package world provides the default effectors the worker acts on.
package world

import (
	"context"
	"log"
	"sort"
	"sync"

	"foreman/internal/domain"
)

type Item struct {
	ID    string `json:"id" yaml:"id" toml:"id"`
	Name  string `json:"name" yaml:"name" toml:"name"`
	Count int    `json:"count" yaml:"count" toml:"count"`
}

// Stockpile is an in-memory shared inventory. Counts never drop below zero.
type Stockpile struct {
	mu    sync.Mutex
	items map[string]*Item
}

func NewStockpile(seed []Item) *Stockpile {
	s := &Stockpile{items: map[string]*Item{}}
	for _, it := range seed {
		s.Add(it.ID, it.Name, it.Count)
	}
	return s
}

// Take removes every listed material or, when any is short, nothing. It
// reports whether the materials were taken.
func (s *Stockpile) Take(want ...domain.Material) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	need := map[string]int{}
	for _, m := range want {
		need[m.ItemID] += m.Count
	}
	for id, n := range need {
		it, ok := s.items[id]
		if n > 0 && (!ok || it.Count < n) {
			return false
		}
	}
	for id, n := range need {
		if n > 0 {
			s.items[id].Count -= n
		}
	}
	return true
}

func (s *Stockpile) Add(itemID, name string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		if name == "" {
			name = itemID
		}
		it = &Item{ID: itemID, Name: name}
		s.items[itemID] = it
	}
	it.Count += delta
	if it.Count < 0 {
		it.Count = 0
	}
}

func (s *Stockpile) Count(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[itemID]; ok {
		return it.Count
	}
	return 0
}

// Snapshot lists items sorted by id.
func (s *Stockpile) Snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Site records built structures and refuses to build twice on the same cell.
type Site struct {
	mu     sync.Mutex
	built  map[domain.Point]string
	logger *log.Logger
}

func NewSite(logger *log.Logger) *Site {
	if logger == nil {
		logger = log.Default()
	}
	return &Site{built: map[domain.Point]string{}, logger: logger}
}

// Build matches worker.Builder.
func (s *Site) Build(ctx context.Context, task domain.Build) bool {
	if ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.built[task.At]; ok {
		s.logger.Printf("site: %s already occupied by %s", task.At, existing)
		return false
	}
	s.built[task.At] = task.BlueprintID
	s.logger.Printf("site: built %s at %s", task.BlueprintID, task.At)
	return true
}

func (s *Site) At(p domain.Point) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.built[p]
	return id, ok
}
