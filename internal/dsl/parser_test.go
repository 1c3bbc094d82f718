package dsl_test

import (
	"strings"
	"testing"

	"foreman/internal/domain"
	"foreman/internal/dsl"
)

func TestParseBuildAt(t *testing.T) {
	for _, script := range []string{"BUILD tree at (2,2)", "build tree at ( 2 , 2 )", "Build tree AT (2,2)"} {
		res := dsl.Parse(script)
		if len(res.Errors) != 0 || len(res.Commands) != 1 {
			t.Fatalf("%q: commands=%d errors=%v", script, len(res.Commands), res.Errors)
		}
		b, ok := res.Commands[0].(dsl.Build)
		if !ok {
			t.Fatalf("%q: expected Build, got %T", script, res.Commands[0])
		}
		if b.BlueprintID != "tree" || b.At != (domain.Point{X: 2, Y: 2}) {
			t.Fatalf("%q: unexpected build %+v", script, b)
		}
		if res.Lines[0] != 1 {
			t.Fatalf("line = %d", res.Lines[0])
		}
	}
}

func TestParseMaterialsAndNegativeCoords(t *testing.T) {
	res := dsl.Parse("BUILD hut using wood=4, stone=2 at (-3,10)")
	if len(res.Errors) != 0 {
		t.Fatalf("errors: %v", res.Errors)
	}
	b := res.Commands[0].(dsl.Build)
	if b.At != (domain.Point{X: -3, Y: 10}) {
		t.Fatalf("at = %v", b.At)
	}
	if len(b.Materials) != 2 || b.Materials[0] != (domain.Material{ItemID: "wood", Count: 4}) || b.Materials[1].ItemID != "stone" {
		t.Fatalf("materials = %+v", b.Materials)
	}
}

func TestParseLineAndMoves(t *testing.T) {
	script := strings.Join([]string{
		"# a comment",
		"",
		"BUILD wall line from (0,0) to (0,3)",
		"COLLECT wood 1 from (1,1) to STOCKPILE -> BUILD tree at (2,2)",
		"haul ore 5 from stockpile to (4,-4)",
	}, "\n")
	res := dsl.Parse(script)
	if len(res.Errors) != 0 {
		t.Fatalf("errors: %v", res.Errors)
	}
	kinds := []domain.Kind{domain.KindBuildLine, domain.KindCollect, domain.KindBuild, domain.KindHaul}
	lines := []int{3, 4, 4, 5}
	if len(res.Commands) != len(kinds) {
		t.Fatalf("got %d commands", len(res.Commands))
	}
	for i, c := range res.Commands {
		if c.Kind() != kinds[i] || res.Lines[i] != lines[i] {
			t.Fatalf("command %d: kind=%s line=%d", i, c.Kind(), res.Lines[i])
		}
	}
	c := res.Commands[1].(dsl.Collect)
	if !c.To.Stockpile || c.From.Stockpile || c.From.At != (domain.Point{X: 1, Y: 1}) {
		t.Fatalf("collect locations = %+v", c)
	}
	h := res.Commands[3].(dsl.Haul)
	if !h.From.Stockpile || h.Count != 5 {
		t.Fatalf("haul = %+v", h)
	}
}

func TestParseQualifiersAnyOrder(t *testing.T) {
	res := dsl.Parse("BUILD lamp at (1,1) due 12h in 22:00-06:00 before 9:30 quietly")
	if len(res.Errors) != 0 {
		t.Fatalf("errors: %v", res.Errors)
	}
	q := res.Commands[0].Quals()
	if q.Window == nil || q.Window.Start != "22:00" || q.Window.End != "06:00" {
		t.Fatalf("window = %+v", q.Window)
	}
	if q.Deadline == nil || q.Deadline.AtClock != "09:30" || q.Deadline.InDays == nil || *q.Deadline.InDays != 0.5 {
		t.Fatalf("deadline = %+v", q.Deadline)
	}
	if !q.Silent {
		t.Fatalf("expected silent")
	}
}

func TestParseRightmostQualifierWins(t *testing.T) {
	res := dsl.Parse("BUILD a at (0,0) due 1 due 3d")
	if len(res.Errors) != 0 {
		t.Fatalf("errors: %v", res.Errors)
	}
	if d := res.Commands[0].Quals().Deadline; d == nil || *d.InDays != 3 {
		t.Fatalf("deadline = %+v", d)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		script string
		want   string
	}{
		{"BUILD tree at (a,2)", "invalid coordinate"},
		{"COLLECT wood lots from (0,0) to STOCKPILE", "invalid count"},
		{"BUILD hut using wood at (0,0)", "malformed material list"},
		{"DANCE at (0,0)", "unknown command"},
		{"BUILD tree somewhere", "malformed BUILD"},
		{"HAUL ore 2 from nowhere to (0,0)", "malformed HAUL"},
		{"BUILD tree at (0,0) before 25:00", "invalid clock time"},
	}
	for _, tc := range cases {
		t.Run(tc.script, func(t *testing.T) {
			res := dsl.Parse("BUILD ok at (9,9)\n" + tc.script)
			if len(res.Commands) != 1 {
				t.Fatalf("valid line should still parse, got %d commands", len(res.Commands))
			}
			if len(res.Errors) != 1 {
				t.Fatalf("errors = %v", res.Errors)
			}
			e := res.Errors[0]
			if e.Line != 2 || !strings.Contains(e.Message, tc.want) {
				t.Fatalf("error = %+v, want line 2 containing %q", e, tc.want)
			}
		})
	}
}

func TestPayloadConversion(t *testing.T) {
	res := dsl.Parse("COLLECT wood 2 from (1,1) to STOCKPILE in 08:00-10:00\nBUILD wall line from (0,0) to (1,0)")
	p, ok := dsl.Payload(res.Commands[0])
	if !ok {
		t.Fatalf("collect should convert")
	}
	if p.Kind() != domain.KindCollect || p.Timing().Window == nil {
		t.Fatalf("payload = %+v", p)
	}
	if _, ok := dsl.Payload(res.Commands[1]); ok {
		t.Fatalf("build line must be expanded before conversion")
	}
}
