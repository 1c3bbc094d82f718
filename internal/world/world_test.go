package world_test

import (
	"bytes"
	"context"
	"log"
	"sync"
	"testing"

	"foreman/internal/domain"
	"foreman/internal/world"
)

func TestStockpile(t *testing.T) {
	s := world.NewStockpile([]world.Item{{ID: "wood", Name: "Wood", Count: 3}})
	if s.Count("wood") != 3 || s.Count("ore") != 0 {
		t.Fatalf("counts wrong: %+v", s.Snapshot())
	}
	s.Add("wood", "", -5)
	if s.Count("wood") != 0 {
		t.Fatalf("count went negative: %d", s.Count("wood"))
	}
	s.Add("ore", "", 2)
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].ID != "ore" || snap[0].Name != "ore" || snap[1].Name != "Wood" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStockpileTakeIsAllOrNothing(t *testing.T) {
	s := world.NewStockpile([]world.Item{{ID: "wood", Count: 4}, {ID: "stone", Count: 1}})
	if s.Take(domain.Material{ItemID: "wood", Count: 2}, domain.Material{ItemID: "stone", Count: 2}) {
		t.Fatalf("took materials that were short")
	}
	if s.Count("wood") != 4 || s.Count("stone") != 1 {
		t.Fatalf("failed take changed stock: %+v", s.Snapshot())
	}
	if s.Take(domain.Material{ItemID: "wood", Count: 3}, domain.Material{ItemID: "wood", Count: 2}) {
		t.Fatalf("repeated item summed past stock")
	}
	if !s.Take(domain.Material{ItemID: "wood", Count: 3}, domain.Material{ItemID: "stone", Count: 1}) {
		t.Fatalf("take refused")
	}
	if s.Count("wood") != 1 || s.Count("stone") != 0 {
		t.Fatalf("after take: %+v", s.Snapshot())
	}
}

func TestConcurrentTakesNeverOverdraw(t *testing.T) {
	s := world.NewStockpile([]world.Item{{ID: "wood", Count: 5}})
	var wg sync.WaitGroup
	var mu sync.Mutex
	taken := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Take(domain.Material{ItemID: "wood", Count: 5}) {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if taken != 1 || s.Count("wood") != 0 {
		t.Fatalf("taken=%d stock=%d", taken, s.Count("wood"))
	}
}

func TestSiteRefusesOccupiedCell(t *testing.T) {
	var buf bytes.Buffer
	site := world.NewSite(log.New(&buf, "", 0))
	ctx := context.Background()
	b := domain.Build{BlueprintID: "hut", At: domain.Point{X: 1, Y: 1}}
	if !site.Build(ctx, b) {
		t.Fatalf("first build refused")
	}
	if site.Build(ctx, b) {
		t.Fatalf("second build on same cell accepted")
	}
	if id, ok := site.At(b.At); !ok || id != "hut" {
		t.Fatalf("site at = %q, %v", id, ok)
	}
}
