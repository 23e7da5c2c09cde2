package schedule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"opsdash/internal/config"
	logx "opsdash/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeEnv map[string]string

func (e fakeEnv) lookup(k string) (string, bool) {
	v, ok := e[k]
	return v, ok
}

func newTestEngine(t *testing.T, targets []config.Target, run Runner) (*Engine, *fakeClock, fakeEnv) {
	t.Helper()
	if run == nil {
		run = func(ctx context.Context, tg config.Target) (string, error) {
			return tg.Name + ".tar.gz", nil
		}
	}
	statePath := filepath.Join(t.TempDir(), "schedule.json")
	e := NewEngine(EngineOptions{
		StatePath:   statePath,
		LockTimeout: 200 * time.Millisecond,
		Targets:     targets,
	}, run, nil, nil, logx.Nop())

	clk := newFakeClock(time.Unix(1_700_000_000, 0))
	env := fakeEnv{}
	e.now = clk.Now
	e.lookupEnv = env.lookup
	return e, clk, env
}

func (e *Engine) mustLoad(t *testing.T) *State {
	t.Helper()
	st, err := e.store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st == nil {
		t.Fatal("no state persisted")
	}
	return st
}

func TestEngineEndToEnd(t *testing.T) {
	t.Parallel()
	e, clk, env := newTestEngine(t, nil, nil)
	env[EnvInterval] = "10s"
	t0 := clk.Now()

	// t=0, zero targets: arms next_run = t0+10.
	e.evaluate()
	st := e.mustLoad(t)
	if st.IntervalSeconds != 10 {
		t.Fatalf("IntervalSeconds = %d, want 10", st.IntervalSeconds)
	}
	if st.NextRun == nil || !st.NextRun.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("NextRun = %v, want %v", st.NextRun, t0.Add(10*time.Second))
	}

	// t=5: no-op; next_run unchanged (idempotent re-arm).
	clk.Set(t0.Add(5 * time.Second))
	e.evaluate()
	st = e.mustLoad(t)
	if !st.NextRun.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("NextRun moved to %v on a not-due wake", st.NextRun)
	}
	if len(st.History) != 0 {
		t.Fatalf("history = %d entries before anything was due", len(st.History))
	}

	// t=11 with one succeeding target: one artifact, one history entry,
	// next_run = t0+20.
	e.Reconfigure([]config.Target{{Name: "prod", Endpoint: "https://portainer.local"}})
	clk.Set(t0.Add(11 * time.Second))
	e.evaluate()
	st = e.mustLoad(t)
	if len(st.History) != 1 {
		t.Fatalf("history len = %d, want 1", len(st.History))
	}
	rec := st.History[0]
	if len(rec.Generated) != 1 || rec.Generated[0] != "prod.tar.gz" {
		t.Fatalf("Generated = %v", rec.Generated)
	}
	if rec.Status() != StatusCompleted {
		t.Fatalf("Status = %s", rec.Status())
	}
	if !st.NextRun.Equal(t0.Add(20 * time.Second)) {
		t.Fatalf("NextRun = %v, want %v", st.NextRun, t0.Add(20*time.Second))
	}
}

func TestRollForwardClosedForm(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1_700_000_000, 0)
	interval := 10 * time.Second

	tests := []struct {
		name string
		k    int64
		d    time.Duration
	}{
		{name: "one interval late", k: 1, d: 3 * time.Second},
		{name: "exactly on boundary", k: 1, d: 0},
		{name: "long outage", k: 100_000, d: 7 * time.Second},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			now := t0.Add(time.Duration(tt.k)*interval + tt.d)
			want := t0.Add(time.Duration(tt.k+1) * interval)
			got := rollForward(t0, interval, now)
			if !got.Equal(want) {
				t.Fatalf("rollForward = %v, want %v", got, want)
			}
			if !got.After(now) {
				t.Fatalf("rollForward = %v is not strictly after now %v", got, now)
			}
		})
	}
}

func TestRollForwardFutureNextRunUntouched(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1_700_000_000, 0)
	next := t0.Add(time.Hour)
	if got := rollForward(next, 10*time.Minute, t0); !got.Equal(next) {
		t.Fatalf("future next_run moved: %v", got)
	}
}

func TestRunBatchPartialFailure(t *testing.T) {
	t.Parallel()
	targets := []config.Target{
		{Name: "alpha", Endpoint: "https://a"},
		{Name: "beta", Endpoint: "https://b"},
		{Name: "gamma", Endpoint: "https://c"},
	}
	var calls []string
	run := func(ctx context.Context, tg config.Target) (string, error) {
		calls = append(calls, tg.Name)
		if tg.Name == "beta" {
			return "", errors.New("connection refused")
		}
		return tg.Name + ".tar.gz", nil
	}
	e, _, _ := newTestEngine(t, targets, run)

	rec := e.runBatch()
	if len(calls) != 3 {
		t.Fatalf("runner called %d times, want 3 (failure must not stop the batch)", len(calls))
	}
	if len(rec.Generated) != 2 || len(rec.Errors) != 1 {
		t.Fatalf("generated=%d errors=%d, want 2/1", len(rec.Generated), len(rec.Errors))
	}
	if rec.Status() != StatusPartial {
		t.Fatalf("Status = %s, want partial", rec.Status())
	}
}

func TestEnvOverrideRearmsFromNow(t *testing.T) {
	t.Parallel()
	e, clk, env := newTestEngine(t, nil, nil)
	t0 := clk.Now()

	// Persisted custom interval with a stale far-future next_run and history.
	stale := t0.Add(3000 * time.Second)
	seed := &State{
		IntervalSeconds: 3600,
		NextRun:         &stale,
		History:         []RunRecord{{CompletedAt: t0.Add(-time.Hour), Generated: []string{"old.tar.gz"}}},
	}
	if err := e.store.Save(seed); err != nil {
		t.Fatal(err)
	}

	env[EnvInterval] = "10s"
	e.evaluate()

	st := e.mustLoad(t)
	if st.IntervalSeconds != 10 {
		t.Fatalf("IntervalSeconds = %d, want 10", st.IntervalSeconds)
	}
	if !st.NextRun.Equal(t0.Add(10 * time.Second)) {
		t.Fatalf("NextRun = %v, want re-armed from now, not the stale value", st.NextRun)
	}
	if len(st.History) != 1 {
		t.Fatal("history must survive an interval change")
	}
}

func TestLockContentionSkipsCycle(t *testing.T) {
	t.Parallel()
	e, _, env := newTestEngine(t, []config.Target{{Name: "p", Endpoint: "https://p"}}, nil)
	env[EnvInterval] = "10s"

	// A concurrent caller holds the lock for the whole cycle.
	peer := newFileLocker(e.store.path)
	if err := peer.Acquire(time.Second); err != nil {
		t.Fatal(err)
	}
	defer peer.Release()

	if got := e.evaluate(); got != catchupSleep {
		t.Fatalf("sleep = %v, want catch-up %v", got, catchupSleep)
	}
	if _, err := os.Stat(e.store.path); !os.IsNotExist(err) {
		t.Fatal("state was written despite lock contention")
	}
}

func TestSetInterval(t *testing.T) {
	t.Parallel()
	e, clk, env := newTestEngine(t, nil, nil)
	t0 := clk.Now()

	if err := e.SetInterval("45m"); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	st := e.mustLoad(t)
	if st.IntervalSeconds != 2700 {
		t.Fatalf("IntervalSeconds = %d, want 2700", st.IntervalSeconds)
	}
	if !st.NextRun.Equal(t0.Add(45 * time.Minute)) {
		t.Fatalf("NextRun = %v", st.NextRun)
	}

	if err := e.SetInterval("bogus"); err == nil {
		t.Fatal("expected error for malformed interval")
	}

	// Explicit disable clears the document, history included.
	st.History = appendHistory(st.History, RunRecord{CompletedAt: t0})
	if err := e.store.Save(st); err != nil {
		t.Fatal(err)
	}
	if err := e.SetInterval(""); err != nil {
		t.Fatalf("SetInterval(\"\"): %v", err)
	}
	st = e.mustLoad(t)
	if st.IntervalSeconds != 0 || st.NextRun != nil || len(st.History) != 0 {
		t.Fatalf("explicit disable left %+v", st)
	}

	// Env override present: programmatic changes are rejected.
	env[EnvInterval] = "1h"
	if err := e.SetInterval("30m"); !errors.Is(err, ErrEnvManaged) {
		t.Fatalf("SetInterval under env = %v, want ErrEnvManaged", err)
	}
}

func TestEnvDisableKeepsHistory(t *testing.T) {
	t.Parallel()
	e, clk, env := newTestEngine(t, nil, nil)
	t0 := clk.Now()

	next := t0.Add(time.Minute)
	seed := &State{
		IntervalSeconds: 60,
		NextRun:         &next,
		History:         []RunRecord{{CompletedAt: t0.Add(-time.Hour), Generated: []string{"old.tar.gz"}}},
	}
	if err := e.store.Save(seed); err != nil {
		t.Fatal(err)
	}

	env[EnvInterval] = "not-an-interval"
	e.evaluate()

	st := e.mustLoad(t)
	if st.IntervalSeconds != 0 || st.NextRun != nil {
		t.Fatalf("malformed env must disable: %+v", st)
	}
	if len(st.History) != 1 {
		t.Fatal("history must be retained when the env override disables the schedule")
	}

	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.ManagedByEnv || snap.EnvParseError == "" {
		t.Fatalf("snapshot = %+v, want managed_by_env with a parse error", snap)
	}
	if snap.IntervalSeconds != 0 || snap.NextRun != nil {
		t.Fatalf("snapshot of disabled schedule = %+v", snap)
	}
}

func TestSnapshotConsistentView(t *testing.T) {
	t.Parallel()
	e, clk, env := newTestEngine(t, nil, nil)
	env[EnvInterval] = "2h"
	e.evaluate()

	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.IntervalSeconds != 7200 {
		t.Fatalf("IntervalSeconds = %d", snap.IntervalSeconds)
	}
	if snap.NextRun == nil || !snap.NextRun.Equal(clk.Now().Add(2*time.Hour)) {
		t.Fatalf("NextRun = %v", snap.NextRun)
	}
	if !snap.ManagedByEnv || snap.EnvValue != "2h" || snap.EnvParseError != "" {
		t.Fatalf("env fields = %+v", snap)
	}
}

func TestEngineStartStop(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, nil, nil)

	e.Start()
	e.Start() // second Start is a no-op
	e.Trigger()
	e.Trigger() // coalesces

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Stop(ctx)
	if ctx.Err() != nil {
		t.Fatal("Stop did not complete in time")
	}
	e.Stop(ctx) // second Stop is a no-op
}

func TestClampSleep(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, minSleep},
		{-time.Minute, minSleep},
		{10 * time.Second, 10 * time.Second},
		{48 * time.Hour, maxSleep},
	}
	for _, tt := range tests {
		if got := clampSleep(tt.in); got != tt.want {
			t.Fatalf("clampSleep(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDueCycleAppendsExactlyOneRecord(t *testing.T) {
	t.Parallel()
	targets := []config.Target{
		{Name: "a", Endpoint: "https://a"},
		{Name: "b", Endpoint: "https://b"},
	}
	e, clk, env := newTestEngine(t, targets, nil)
	env[EnvInterval] = "10s"
	t0 := clk.Now()

	e.evaluate() // arm
	clk.Set(t0.Add(25 * time.Second))
	e.evaluate() // due: exactly one batch fires

	st := e.mustLoad(t)
	if len(st.History) != 1 {
		t.Fatalf("history len = %d, want exactly one record per due cycle", len(st.History))
	}
	if got := len(st.History[0].Generated); got != 2 {
		t.Fatalf("record covers %d targets, want 2 (one record per batch, not per target)", got)
	}
	// Roll-forward lands on t0+30, not a burst of catch-up runs.
	if !st.NextRun.Equal(t0.Add(30 * time.Second)) {
		t.Fatalf("NextRun = %v, want %v", st.NextRun, t0.Add(30*time.Second))
	}
}

func fmtTargets(n int) []config.Target {
	out := make([]config.Target, n)
	for i := range out {
		out[i] = config.Target{Name: fmt.Sprintf("t%d", i), Endpoint: "https://x"}
	}
	return out
}

func TestHistoryCapThroughEngine(t *testing.T) {
	t.Parallel()
	e, clk, env := newTestEngine(t, fmtTargets(1), nil)
	env[EnvInterval] = "10s"
	t0 := clk.Now()

	e.evaluate() // arm
	for i := 0; i < HistoryCap+3; i++ {
		clk.Set(t0.Add(time.Duration(i+1) * 11 * time.Second))
		e.evaluate()
	}

	st := e.mustLoad(t)
	if len(st.History) != HistoryCap {
		t.Fatalf("history len = %d, want cap %d", len(st.History), HistoryCap)
	}
}
