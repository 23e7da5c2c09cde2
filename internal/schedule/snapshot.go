package schedule

import "time"

// Snapshot is the read surface exposed to the dashboard/API. It is the only
// way external code observes scheduler state.
type Snapshot struct {
	IntervalSeconds int64
	NextRun         *time.Time
	History         []RunRecord
	ManagedByEnv    bool
	EnvValue        string
	EnvParseError   string
}

// Snapshot returns a consistent view of the persisted schedule obtained under
// a brief lock acquisition. On lock timeout the error is ErrLockTimeout and
// callers may retry.
func (e *Engine) Snapshot() (Snapshot, error) {
	if err := e.lock.Acquire(e.lockTimeout); err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = e.lock.Release() }()

	st, err := e.store.Load()
	if err != nil {
		return Snapshot{}, err
	}
	if st == nil {
		st = &State{}
	}

	res := resolveInterval(e.lookupEnv, EnvInterval, st.IntervalSeconds)
	snap := Snapshot{
		IntervalSeconds: res.Seconds,
		History:         append([]RunRecord(nil), st.History...),
		ManagedByEnv:    res.ManagedByEnv,
		EnvValue:        res.EnvValue,
	}
	if res.EnvErr != nil {
		snap.EnvParseError = res.EnvErr.Error()
	}
	if st.NextRun != nil && res.Seconds > 0 {
		t := *st.NextRun
		snap.NextRun = &t
	}
	return snap, nil
}
