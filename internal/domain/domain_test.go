package domain_test

import (
	"testing"

	"foreman/internal/domain"
)

func TestPayloadEnvelopeRoundTrip(t *testing.T) {
	days := 1.5
	in := domain.Build{
		Schedule: domain.Schedule{
			Window:   &domain.Window{Start: "08:00", End: "12:00"},
			Deadline: &domain.Deadline{AtClock: "17:00", InDays: &days},
		},
		BlueprintID: "wall",
		At:          domain.Point{X: -2, Y: 7},
		Materials:   []domain.Material{{ItemID: "stone", Count: 3}},
	}
	raw, err := domain.EncodePayload(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := domain.DecodePayload(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, ok := out.(domain.Build)
	if !ok {
		t.Fatalf("expected build, got %T", out)
	}
	if b.BlueprintID != "wall" || b.At != in.At || len(b.Materials) != 1 || b.Materials[0].Count != 3 {
		t.Fatalf("unexpected build %+v", b)
	}
	if b.Window == nil || b.Window.End != "12:00" || b.Deadline == nil || *b.Deadline.InDays != 1.5 {
		t.Fatalf("schedule lost: %+v", b.Schedule)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	if _, err := domain.DecodePayload([]byte(`{"kind":"dance","data":{}}`)); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := domain.DecodeKind(domain.KindCollect, []byte(`{"item_id":"wood","count":0}`)); err == nil {
		t.Fatalf("expected error for zero count")
	}
}

func TestRecordCloneDoesNotAlias(t *testing.T) {
	rec := domain.Record{
		ID:    "t1",
		State: domain.StatePending,
		Task: domain.Build{
			BlueprintID: "hut",
			Materials:   []domain.Material{{ItemID: "wood", Count: 2}},
			Schedule:    domain.Schedule{Window: &domain.Window{Start: "09:00", End: "10:00"}},
		},
	}
	cp := rec.Clone()
	b := cp.Task.(domain.Build)
	b.Materials[0].Count = 99
	b.Window.Start = "00:00"
	orig := rec.Task.(domain.Build)
	if orig.Materials[0].Count != 2 || orig.Window.Start != "09:00" {
		t.Fatalf("clone aliases original: %+v", orig)
	}
}

func TestSummaries(t *testing.T) {
	cases := []struct {
		payload domain.Payload
		want    string
	}{
		{domain.Build{BlueprintID: "tree", At: domain.Point{X: 2, Y: 2}}, "build tree at (2,2)"},
		{domain.Collect{ItemID: "wood", Count: 1, From: domain.At(1, 1), To: domain.Stockpile}, "collect 1 wood from (1,1) to STOCKPILE"},
		{domain.Haul{ItemID: "ore", Count: 4, From: domain.Stockpile, To: domain.At(0, -1), Schedule: domain.Schedule{Silent: true}}, "haul 4 ore from STOCKPILE to (0,-1) [silent]"},
	}
	for _, tc := range cases {
		if got := tc.payload.Summary(); got != tc.want {
			t.Fatalf("summary = %q, want %q", got, tc.want)
		}
	}
}

func TestParseState(t *testing.T) {
	if _, err := domain.ParseState("approved"); err != nil {
		t.Fatalf("parse approved: %v", err)
	}
	if _, err := domain.ParseState("lost"); err == nil {
		t.Fatalf("expected error")
	}
}
