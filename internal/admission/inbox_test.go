package admission_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"foreman/internal/admission"
	"foreman/internal/domain"
	"foreman/internal/dsl"
	"foreman/internal/queue"
)

type testEnv struct {
	q     *queue.Queue
	inbox *admission.Inbox
	now   time.Time
	logs  *bytes.Buffer
}

func newTestEnv(t *testing.T, p admission.Policy) *testEnv {
	t.Helper()
	env := &testEnv{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), logs: &bytes.Buffer{}}
	env.q = queue.New(queue.Options{Now: func() time.Time { return env.now }})
	env.inbox = admission.NewInbox(env.q, p, log.New(env.logs, "", 0))
	env.inbox.Now = func() time.Time { return env.now }
	return env
}

func (e *testEnv) submit(t *testing.T, script string) admission.Result {
	t.Helper()
	res, err := e.inbox.Submit(context.Background(), script, "commander")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func TestPermissiveScriptKeepsOrder(t *testing.T) {
	env := newTestEnv(t, admission.Policy{})
	res := env.submit(t, "COLLECT wood 1 from (1,1) to STOCKPILE -> BUILD tree at (2,2)")
	if len(res.Entries) != 2 || len(res.Issues) != 0 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Entries[0].Record.Task.Kind() != domain.KindCollect || res.Entries[1].Record.Task.Kind() != domain.KindBuild {
		t.Fatalf("order = %s, %s", res.Entries[0].Record.Task.Kind(), res.Entries[1].Record.Task.Kind())
	}
	for _, e := range res.Entries {
		if e.Record.State != domain.StatePending || e.Record.IssuerRole != "commander" || e.Line != 1 {
			t.Fatalf("entry = %+v", e)
		}
	}
	if !strings.Contains(env.logs.String(), "inbox: accepted") {
		t.Fatalf("acceptance not logged: %q", env.logs.String())
	}
}

func TestLineExpansion(t *testing.T) {
	env := newTestEnv(t, admission.Policy{})
	res := env.submit(t, "BUILD wall line from (0,0) to (0,3)")
	if len(res.Entries) != 4 {
		t.Fatalf("entries = %d", len(res.Entries))
	}
	for i, e := range res.Entries {
		b := e.Command.(dsl.Build)
		if b.At != (domain.Point{X: 0, Y: i}) {
			t.Fatalf("cell %d at %v", i, b.At)
		}
	}
	rev, err := admission.Expand(dsl.BuildLine{BlueprintID: "w", From: domain.Point{X: 3, Y: 1}, To: domain.Point{X: 1, Y: 1}}, 0)
	if err != nil || len(rev) != 3 || rev[0].(dsl.Build).At.X != 3 || rev[2].(dsl.Build).At.X != 1 {
		t.Fatalf("reverse expansion = %v, %v", rev, err)
	}
}

func TestDiagonalLineIsAnIssue(t *testing.T) {
	env := newTestEnv(t, admission.Policy{})
	res := env.submit(t, "BUILD wall line from (0,0) to (2,3)")
	if len(res.Entries) != 0 || len(res.Issues) != 1 || len(res.Errors) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Issues[0].Code != admission.CodeLineNotAxisAligned {
		t.Fatalf("issue = %+v", res.Issues[0])
	}
	if len(env.q.List()) != 0 {
		t.Fatalf("queue should be empty")
	}
}

func TestLongLineIsRefusedBeforeExpansion(t *testing.T) {
	env := newTestEnv(t, admission.Policy{MaxApprovedPerMinute: 10, MaxLineCells: 5})
	res := env.submit(t, "BUILD w line from (0,0) to (0,2000000)\nBUILD w line from (0,0) to (4,0)")
	if len(res.Issues) != 1 || res.Issues[0].Code != admission.CodeLineTooLong || res.Issues[0].Line != 1 {
		t.Fatalf("issues = %+v", res.Issues)
	}
	if len(res.Commands) != 5 || len(res.Entries) != 5 {
		t.Fatalf("commands=%d entries=%d", len(res.Commands), len(res.Entries))
	}

	huge := dsl.BuildLine{BlueprintID: "w", From: domain.Point{X: math.MinInt, Y: 0}, To: domain.Point{X: math.MaxInt, Y: 0}}
	if _, err := admission.Expand(huge, 0); !errors.Is(err, admission.ErrLineTooLong) {
		t.Fatalf("overflowing line: %v", err)
	}
	cells, err := admission.Expand(dsl.BuildLine{BlueprintID: "w", To: domain.Point{X: admission.DefaultMaxLineCells - 1}}, 0)
	if err != nil || len(cells) != admission.DefaultMaxLineCells {
		t.Fatalf("default cap: %d, %v", len(cells), err)
	}
}

type countingLedger struct{ n int }

func (l *countingLedger) AdmittedSince(ctx context.Context, since time.Time) (int, error) {
	return l.n, nil
}

func TestRateLimitUsesLedger(t *testing.T) {
	env := newTestEnv(t, admission.Policy{MaxApprovedPerMinute: 3})
	env.inbox.Ledger = &countingLedger{n: 3}
	res := env.submit(t, "BUILD a at (0,0)")
	if len(res.Entries) != 0 || len(res.Issues) != 1 || res.Issues[0].Code != admission.CodeRateLimited {
		t.Fatalf("result = %+v", res)
	}
	env.inbox.Ledger = &countingLedger{n: 2}
	if res := env.submit(t, "BUILD a at (0,0)"); len(res.Entries) != 1 {
		t.Fatalf("ledger below limit: %+v", res.Issues)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, admission.Policy{MaxApprovedPerMinute: 3})
	res := env.submit(t, "BUILD a at (0,0)\nBUILD b at (1,0)\nBUILD c at (2,0)\nBUILD d at (3,0)")
	if len(res.Entries) != 3 || len(res.Issues) != 1 {
		t.Fatalf("entries=%d issues=%d", len(res.Entries), len(res.Issues))
	}
	if res.Issues[0].Code != admission.CodeRateLimited || res.Issues[0].Line != 4 {
		t.Fatalf("issue = %+v", res.Issues[0])
	}
	env.now = env.now.Add(61 * time.Second)
	if res := env.submit(t, "BUILD e at (4,0)"); len(res.Entries) != 1 {
		t.Fatalf("window did not slide: %+v", res.Issues)
	}
}

func TestKindAndZonePolicy(t *testing.T) {
	env := newTestEnv(t, admission.Policy{
		AllowedTasks:   []domain.Kind{domain.KindBuild},
		ForbiddenZones: []admission.Zone{{X1: 0, Y1: 0, X2: 0, Y2: 0}},
	})
	res := env.submit(t, "BUILD tree at (0,0)")
	if len(res.Entries) != 0 || len(res.Issues) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Issues[0].Code != admission.CodeForbiddenZone || !strings.Contains(res.Issues[0].Message, "forbidden zone") {
		t.Fatalf("issue = %+v", res.Issues[0])
	}
	res = env.submit(t, "HAUL ore 1 from STOCKPILE to (0,0)")
	if len(res.Issues) != 1 || res.Issues[0].Code != admission.CodeKindNotAllowed {
		t.Fatalf("haul issue = %+v", res.Issues)
	}
	if res := env.submit(t, "BUILD tree at (1,0)"); len(res.Entries) != 1 {
		t.Fatalf("outside zone rejected: %+v", res.Issues)
	}
}

func TestConcurrencyCap(t *testing.T) {
	env := newTestEnv(t, admission.Policy{MaxConcurrency: 1})
	ctx := context.Background()
	res := env.submit(t, "BUILD a at (0,0)")
	if _, err := env.q.Approve(ctx, res.Entries[0].Record.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res = env.submit(t, "BUILD b at (1,1)")
	if len(res.Entries) != 0 || len(res.Issues) != 1 || res.Issues[0].Code != admission.CodeConcurrencyLimit {
		t.Fatalf("result = %+v", res)
	}
	if env.q.CountByState().Active() > 1 {
		t.Fatalf("cap exceeded")
	}
}

func TestApproveRespectsCap(t *testing.T) {
	env := newTestEnv(t, admission.Policy{MaxConcurrency: 1})
	ctx := context.Background()
	res := env.submit(t, "BUILD a at (0,0)\nBUILD b at (1,1)")
	if len(res.Entries) != 2 {
		t.Fatalf("entries = %d", len(res.Entries))
	}
	if _, err := env.inbox.Approve(ctx, res.Entries[0].Record.ID, ""); err != nil {
		t.Fatalf("approve first: %v", err)
	}
	_, err := env.inbox.Approve(ctx, res.Entries[1].Record.ID, "")
	if !errors.Is(err, admission.ErrConcurrencyLimit) {
		t.Fatalf("second approve: %v", err)
	}
	if got := env.q.CountByState(); got.Active() != 1 || got[domain.StatePending] != 1 {
		t.Fatalf("counts = %v", got)
	}
	if _, err := env.q.Reject(ctx, res.Entries[0].Record.ID, ""); err == nil {
		t.Fatalf("approved task should not be rejectable")
	}
	if _, err := env.q.ResetToPending(ctx, res.Entries[0].Record.ID, "back"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := env.inbox.Approve(ctx, res.Entries[1].Record.ID, ""); err != nil {
		t.Fatalf("approve after reset: %v", err)
	}
}

func TestConcurrentSubmitsRespectCap(t *testing.T) {
	env := newTestEnv(t, admission.Policy{MaxConcurrency: 2})
	ctx := context.Background()
	for _, line := range []string{"BUILD a at (0,0)", "BUILD b at (0,1)"} {
		r := env.submit(t, line)
		if _, err := env.q.Approve(ctx, r.Entries[0].Record.ID, ""); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.inbox.Submit(ctx, "BUILD c at (5,5)", "bot"); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := env.q.ListByState(domain.StatePending); len(got) != 0 {
		t.Fatalf("%d submissions passed a full cap", len(got))
	}
}

func TestSyntaxErrorsDoNotStopSubmission(t *testing.T) {
	env := newTestEnv(t, admission.Policy{})
	res := env.submit(t, "BUILD a at (x,0)\nBUILD b at (1,1)\nJUMP")
	if len(res.Entries) != 1 || len(res.Errors) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Entries[0].Line != 2 {
		t.Fatalf("line = %d", res.Entries[0].Line)
	}
}

func TestSetPolicy(t *testing.T) {
	env := newTestEnv(t, admission.Policy{})
	env.inbox.SetPolicy(admission.Policy{AllowedTasks: []domain.Kind{domain.KindHaul}})
	if res := env.submit(t, "BUILD a at (0,0)"); len(res.Issues) != 1 {
		t.Fatalf("policy not swapped: %+v", res)
	}
	if got := env.inbox.Policy(); len(got.AllowedTasks) != 1 {
		t.Fatalf("policy = %+v", got)
	}
}
