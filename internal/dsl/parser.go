package dsl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"foreman/internal/clock"
	"foreman/internal/domain"
)

// Error is a per-segment syntax error. Parsing continues past it.
type Error struct {
	Line    int    `json:"line"`
	Raw     string `json:"raw"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// Result holds the parsed commands; Lines[i] is the 1-based source line of Commands[i].
type Result struct {
	Commands []Command `json:"commands"`
	Errors   []Error   `json:"errors"`
	Lines    []int     `json:"lines"`
}

const segmentSep = "->"

var (
	windowRe = regexp.MustCompile(`(?i)\s+in\s+(\d{1,2}:\d{2})\s*-\s*(\d{1,2}:\d{2})\s*$`)
	beforeRe = regexp.MustCompile(`(?i)\s+before\s+(\d{1,2}:\d{2})\s*$`)
	dueRe    = regexp.MustCompile(`(?i)\s+due\s+(\d+(?:\.\d+)?)\s*([dh])?\s*$`)
	silentRe = regexp.MustCompile(`(?i)\s+(silent|quietly)\s*$`)

	buildLineRe = regexp.MustCompile(`(?i)^build\s+(\S+)\s+line\s+from\s+(\([^)]*\))\s+to\s+(\([^)]*\))$`)
	buildAtRe   = regexp.MustCompile(`(?i)^build\s+(\S+)(?:\s+using\s+(.+?))?\s+at\s+(\([^)]*\))$`)
	moveRe      = regexp.MustCompile(`(?i)^(collect|haul)\s+(\S+)\s+(\S+)\s+from\s+(\([^)]*\)|stockpile)\s+to\s+(\([^)]*\)|stockpile)$`)
	coordRe     = regexp.MustCompile(`^\(\s*([^,()]*?)\s*,\s*([^,()]*?)\s*\)$`)
	materialRe  = regexp.MustCompile(`^([A-Za-z0-9_.\-]+)\s*=\s*(\S+)$`)
)

// Parse reads every line of script. It never fails as a whole; bad segments are
// reported in Result.Errors and skipped.
func Parse(script string) Result {
	res := Result{Commands: []Command{}, Errors: []Error{}, Lines: []int{}}
	for i, line := range strings.Split(script, "\n") {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, seg := range strings.Split(trimmed, segmentSep) {
			seg = strings.TrimSpace(seg)
			if seg == "" {
				continue
			}
			cmd, err := parseSegment(seg)
			if err != nil {
				res.Errors = append(res.Errors, Error{Line: lineNo, Raw: seg, Message: err.Error()})
				continue
			}
			res.Commands = append(res.Commands, cmd)
			res.Lines = append(res.Lines, lineNo)
		}
	}
	return res
}

func parseSegment(seg string) (Command, error) {
	core, q, err := stripQualifiers(seg)
	if err != nil {
		return nil, err
	}
	verb, _, _ := strings.Cut(core, " ")
	switch strings.ToLower(verb) {
	case "build":
		if m := buildLineRe.FindStringSubmatch(core); m != nil {
			from, err := parsePoint(m[2])
			if err != nil {
				return nil, err
			}
			to, err := parsePoint(m[3])
			if err != nil {
				return nil, err
			}
			return BuildLine{Qualifiers: q, BlueprintID: m[1], From: from, To: to}, nil
		}
		if m := buildAtRe.FindStringSubmatch(core); m != nil {
			var mats []domain.Material
			if m[2] != "" {
				if mats, err = parseMaterials(m[2]); err != nil {
					return nil, err
				}
			}
			at, err := parsePoint(m[3])
			if err != nil {
				return nil, err
			}
			return Build{Qualifiers: q, BlueprintID: m[1], At: at, Materials: mats}, nil
		}
		return nil, fmt.Errorf("malformed BUILD command: expected BUILD <blueprint> [using id=n,...] at (x,y) or BUILD <blueprint> line from (x,y) to (x,y)")
	case "collect", "haul":
		m := moveRe.FindStringSubmatch(core)
		if m == nil {
			return nil, fmt.Errorf("malformed %s command: expected %s <item> <count> from <loc> to <loc>", strings.ToUpper(verb), strings.ToUpper(verb))
		}
		count, err := parseCount(m[3])
		if err != nil {
			return nil, err
		}
		from, err := parseLocation(m[4])
		if err != nil {
			return nil, err
		}
		to, err := parseLocation(m[5])
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(m[1], "collect") {
			return Collect{Qualifiers: q, ItemID: m[2], Count: count, From: from, To: to}, nil
		}
		return Haul{Qualifiers: q, ItemID: m[2], Count: count, From: from, To: to}, nil
	default:
		return nil, fmt.Errorf("unknown command %q: expected BUILD, COLLECT or HAUL", verb)
	}
}

// stripQualifiers peels trailing qualifiers until none match. The first match
// of a kind is the rightmost one in the text, so it wins over earlier repeats.
func stripQualifiers(seg string) (string, Qualifiers, error) {
	var q Qualifiers
	core := " " + seg
	for {
		if loc := windowRe.FindStringSubmatchIndex(core); loc != nil {
			start, end := core[loc[2]:loc[3]], core[loc[4]:loc[5]]
			w, err := clock.NewWindow(start, end)
			if err != nil {
				return "", q, err
			}
			if q.Window == nil {
				q.Window = &domain.Window{Start: w.Start.String(), End: w.End.String()}
			}
			core = core[:loc[0]]
			continue
		}
		if loc := beforeRe.FindStringSubmatchIndex(core); loc != nil {
			m, err := clock.Parse(core[loc[2]:loc[3]])
			if err != nil {
				return "", q, err
			}
			if q.Deadline == nil {
				q.Deadline = &domain.Deadline{}
			}
			if q.Deadline.AtClock == "" {
				q.Deadline.AtClock = m.String()
			}
			core = core[:loc[0]]
			continue
		}
		if loc := dueRe.FindStringSubmatchIndex(core); loc != nil {
			n, err := strconv.ParseFloat(core[loc[2]:loc[3]], 64)
			if err != nil {
				return "", q, fmt.Errorf("invalid due value %q", core[loc[2]:loc[3]])
			}
			if loc[4] >= 0 && strings.EqualFold(core[loc[4]:loc[5]], "h") {
				n /= 24
			}
			if q.Deadline == nil {
				q.Deadline = &domain.Deadline{}
			}
			if q.Deadline.InDays == nil {
				q.Deadline.InDays = &n
			}
			core = core[:loc[0]]
			continue
		}
		if loc := silentRe.FindStringIndex(core); loc != nil {
			q.Silent = true
			core = core[:loc[0]]
			continue
		}
		break
	}
	return strings.TrimSpace(core), q, nil
}

func parsePoint(s string) (domain.Point, error) {
	m := coordRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return domain.Point{}, fmt.Errorf("invalid coordinate %q: expected (x,y)", s)
	}
	x, errX := strconv.Atoi(m[1])
	y, errY := strconv.Atoi(m[2])
	if errX != nil || errY != nil {
		return domain.Point{}, fmt.Errorf("invalid coordinate %q: x and y must be integers", s)
	}
	return domain.Point{X: x, Y: y}, nil
}

func parseLocation(s string) (domain.Location, error) {
	if strings.EqualFold(s, "stockpile") {
		return domain.Stockpile, nil
	}
	p, err := parsePoint(s)
	if err != nil {
		return domain.Location{}, err
	}
	return domain.Location{At: p}, nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count %q: expected a positive integer", s)
	}
	return n, nil
}

func parseMaterials(s string) ([]domain.Material, error) {
	var out []domain.Material
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		m := materialRe.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("malformed material list %q: expected id=count[,id=count...]", s)
		}
		n, err := strconv.Atoi(m[2])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("malformed material list %q: count for %s must be a positive integer", s, m[1])
		}
		out = append(out, domain.Material{ItemID: m[1], Count: n})
	}
	return out, nil
}
