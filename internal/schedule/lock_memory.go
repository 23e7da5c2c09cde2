package schedule

import (
	"errors"
	"sync"
	"time"
)

// Process-wide registry so two memory lockers for the same state path contend
// with each other the way two flocks on the same lock file would.
var memLocks = struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}{m: map[string]chan struct{}{}}

type memoryLocker struct {
	sem chan struct{}
}

func newMemoryLocker(path string) *memoryLocker {
	memLocks.mu.Lock()
	defer memLocks.mu.Unlock()
	sem, ok := memLocks.m[path]
	if !ok {
		sem = make(chan struct{}, 1)
		memLocks.m[path] = sem
	}
	return &memoryLocker{sem: sem}
}

func (l *memoryLocker) Acquire(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-t.C:
		return ErrLockTimeout
	}
}

func (l *memoryLocker) Release() error {
	select {
	case <-l.sem:
		return nil
	default:
		return errors.New("schedule lock: release without acquire")
	}
}
