package schedule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"opsdash/internal/config"
	"opsdash/internal/eventbus"
	"opsdash/internal/storage"
	logx "opsdash/pkg/logx"
)

// Runner produces one backup artifact for one target. It is supplied by the
// surrounding system; the engine calls it exactly once per configured target
// per due cycle and treats it as synchronous and bounded in time.
type Runner func(ctx context.Context, target config.Target) (string, error)

// ErrEnvManaged rejects programmatic interval changes while the environment
// override is authoritative.
var ErrEnvManaged = errors.New("schedule: interval is managed by " + EnvInterval)

const (
	defaultLockTimeout = 10 * time.Second

	// Sleep bounds for the evaluate loop. The floor keeps the loop from
	// busy-waking; the ceiling keeps a long-disabled schedule responsive to
	// env changes that arrive without a wake signal.
	minSleep = time.Second
	maxSleep = time.Hour

	// catchupSleep is used when the schedule is indeterminate this cycle
	// (lock busy, state unreadable).
	catchupSleep = 30 * time.Second
)

type EngineOptions struct {
	StatePath   string
	LockTimeout time.Duration // 0 means defaultLockTimeout
	Targets     []config.Target
}

// CycleEvent is published on the bus once per completed due cycle.
type CycleEvent struct {
	Status    Status
	Generated []string
	Errors    []string
	Targets   int
	Took      time.Duration
}

// Engine owns the background sleep→wake→evaluate loop. One worker per
// process; the evaluate phase never runs concurrently with itself.
type Engine struct {
	log   logx.Logger
	store *Store
	lock  Locker
	run   Runner
	bus   eventbus.Bus
	audit storage.Store // may be nil

	lockTimeout time.Duration

	// Injected for tests; default to the real clock and process environment.
	now       func() time.Time
	lookupEnv func(string) (string, bool)

	// Throttles repeated lock-contention warnings so a wedged peer doesn't
	// flood the log.
	lockWarn *rate.Limiter

	mu      sync.Mutex
	targets []config.Target
	started bool
	stop    chan struct{}
	done    chan struct{}

	// wake is the coalescing wake signal: repeated raises before consumption
	// collapse into one wake.
	wake chan struct{}
}

func NewEngine(opt EngineOptions, run Runner, bus eventbus.Bus, audit storage.Store, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	lt := opt.LockTimeout
	if lt <= 0 {
		lt = defaultLockTimeout
	}
	return &Engine{
		log:         log,
		store:       NewStore(opt.StatePath, log),
		lock:        NewLocker(opt.StatePath, log),
		run:         run,
		bus:         bus,
		audit:       audit,
		lockTimeout: lt,
		now:         time.Now,
		lookupEnv:   os.LookupEnv,
		lockWarn:    rate.NewLimiter(rate.Every(30*time.Second), 1),
		targets:     append([]config.Target(nil), opt.Targets...),
		wake:        make(chan struct{}, 1),
	}
}

// Start launches the background worker. Calling Start on a running engine is
// a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.loop(e.stop, e.done)
	e.log.Info("backup scheduler started", logx.Int("targets", len(e.targets)))
}

// Stop signals the worker and waits for it to exit (or ctx). The stop flag is
// observed only between discrete steps; an in-flight target call is never
// aborted.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	stop, done := e.stop, e.done
	e.mu.Unlock()

	close(stop)
	select {
	case <-done:
		e.log.Info("backup scheduler stopped")
	case <-ctx.Done():
		e.log.Warn("backup scheduler stop timed out; worker exits after current step")
	}
}

// Trigger raises the wake signal, shortening the current sleep. It does not
// bypass the lock or the due-check.
func (e *Engine) Trigger() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Reconfigure swaps the target set and wakes the loop.
func (e *Engine) Reconfigure(targets []config.Target) {
	e.mu.Lock()
	e.targets = append([]config.Target(nil), targets...)
	e.mu.Unlock()
	e.Trigger()
}

func (e *Engine) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		sleep := e.evaluate()

		t := time.NewTimer(sleep)
		select {
		case <-stop:
			t.Stop()
			return
		case <-e.wake:
			t.Stop()
		case <-t.C:
		}

		// Stop wins over a pending wake.
		select {
		case <-stop:
			return
		default:
		}
	}
}

// evaluate runs one full cycle under the lock and returns how long to sleep.
func (e *Engine) evaluate() time.Duration {
	if err := e.lock.Acquire(e.lockTimeout); err != nil {
		if errors.Is(err, ErrLockTimeout) {
			if e.lockWarn.Allow() {
				e.log.Warn("schedule lock busy; skipping cycle", logx.Duration("timeout", e.lockTimeout))
			}
		} else {
			e.log.Warn("schedule lock failed; skipping cycle", logx.Err(err))
		}
		return catchupSleep
	}
	defer func() {
		if err := e.lock.Release(); err != nil {
			e.log.Warn("schedule lock release failed", logx.Err(err))
		}
	}()

	now := e.now()

	st, err := e.store.Load()
	if err != nil {
		return catchupSleep
	}
	if st == nil {
		st = &State{}
	}

	res := resolveInterval(e.lookupEnv, EnvInterval, st.IntervalSeconds)
	if res.EnvErr != nil {
		e.log.Warn("invalid "+EnvInterval+"; backups disabled", logx.String("value", res.EnvValue), logx.Err(res.EnvErr))
	}

	if res.Seconds <= 0 {
		// Disabled: drop next_run, keep history.
		if st.IntervalSeconds != 0 || st.NextRun != nil {
			st.IntervalSeconds = 0
			st.NextRun = nil
			if err := e.store.Save(st); err != nil {
				e.log.Warn("schedule state write failed", logx.Err(err))
			}
			e.log.Info("backup schedule disabled")
		}
		return maxSleep
	}

	interval := time.Duration(res.Seconds) * time.Second

	// Arm (first enable) or re-arm (effective interval changed, e.g. the env
	// override took over a persisted value). The old next_run is discarded;
	// history is preserved.
	if st.NextRun == nil || st.IntervalSeconds != res.Seconds {
		next := now.Add(interval)
		st.IntervalSeconds = res.Seconds
		st.NextRun = &next
		if err := e.store.Save(st); err != nil {
			e.log.Warn("schedule state write failed", logx.Err(err))
		}
		e.log.Info("backup schedule armed",
			logx.Int64("interval_seconds", res.Seconds),
			logx.Time("next_run", next),
			logx.Bool("managed_by_env", res.ManagedByEnv))
		return clampSleep(next.Sub(now))
	}

	if now.Before(*st.NextRun) {
		return clampSleep(st.NextRun.Sub(now))
	}

	// Due: run the batch while still holding the lock. This deliberately
	// serializes backup execution across cooperating processes.
	rec := e.runBatch()
	st.History = appendHistory(st.History, rec)
	next := rollForward(*st.NextRun, interval, now)
	st.NextRun = &next
	if err := e.store.Save(st); err != nil {
		e.log.Warn("schedule state write failed", logx.Err(err))
	}
	e.log.Info("backup cycle finished",
		logx.String("status", string(rec.Status())),
		logx.Int("generated", len(rec.Generated)),
		logx.Int("errors", len(rec.Errors)),
		logx.Time("next_run", next))
	return clampSleep(next.Sub(e.now()))
}

// runBatch invokes the runner once per configured target. A failure on one
// target is captured and does not prevent the remaining targets from being
// attempted; there are no retries within the cycle.
func (e *Engine) runBatch() RunRecord {
	e.mu.Lock()
	targets := append([]config.Target(nil), e.targets...)
	e.mu.Unlock()

	start := e.now()
	rec := RunRecord{Generated: []string{}, Errors: []string{}}
	for _, t := range targets {
		artifact, err := e.run(context.Background(), t)
		if err != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("%s: %v", t.Name, err))
			e.log.Warn("backup target failed", logx.String("target", t.Name), logx.Err(err))
			continue
		}
		rec.Generated = append(rec.Generated, artifact)
		e.log.Debug("backup target done", logx.String("target", t.Name), logx.String("artifact", artifact))
	}
	rec.CompletedAt = e.now()
	took := rec.CompletedAt.Sub(start)

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleCompleted, Time: rec.CompletedAt, Data: CycleEvent{
			Status:    rec.Status(),
			Generated: rec.Generated,
			Errors:    rec.Errors,
			Targets:   len(targets),
			Took:      took,
		}})
	}
	if e.audit != nil {
		err := e.audit.AppendAudit(context.Background(), storage.AuditEntry{
			At:      rec.CompletedAt,
			Status:  string(rec.Status()),
			Targets: len(targets),
			OK:      len(rec.Generated),
			Fail:    len(rec.Errors),
			Error:   strings.Join(rec.Errors, "; "),
			TookMS:  took.Milliseconds(),
		})
		if err != nil {
			e.log.Debug("audit append failed", logx.Err(err))
		}
	}
	return rec
}

// SetInterval persists a user-set interval and re-arms the schedule. It
// fails with ErrEnvManaged while the environment override is present, since
// the override is authoritative. An empty or "0" expression is an explicit
// disable and clears the whole document, history included.
func (e *Engine) SetInterval(expr string) error {
	if _, present := e.lookupEnv(EnvInterval); present {
		return ErrEnvManaged
	}

	if err := e.lock.Acquire(e.lockTimeout); err != nil {
		return err
	}
	defer func() { _ = e.lock.Release() }()

	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "0" {
		if err := e.store.Clear(); err != nil {
			return err
		}
		e.log.Info("backup schedule disabled by request; history cleared")
		e.Trigger()
		return nil
	}

	secs, err := ParseInterval(expr)
	if err != nil {
		return err
	}

	st, err := e.store.Load()
	if err != nil {
		return err
	}
	if st == nil {
		st = &State{}
	}
	next := e.now().Add(time.Duration(secs) * time.Second)
	st.IntervalSeconds = secs
	st.NextRun = &next
	if err := e.store.Save(st); err != nil {
		return err
	}
	e.log.Info("backup interval set", logx.Int64("interval_seconds", secs), logx.Time("next_run", next))
	e.Trigger()
	return nil
}

// rollForward advances prev past now by whole multiples of interval in closed
// form, so a long outage costs O(1) and yields exactly one run regardless of
// how much time elapsed. The result is strictly after now: landing exactly on
// a boundary schedules the next full interval out.
func rollForward(prev time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now
	}
	if prev.After(now) {
		return prev
	}
	steps := now.Sub(prev)/interval + 1
	return prev.Add(steps * interval)
}

func clampSleep(d time.Duration) time.Duration {
	if d < minSleep {
		return minSleep
	}
	if d > maxSleep {
		return maxSleep
	}
	return d
}
