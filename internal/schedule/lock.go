package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	logx "opsdash/pkg/logx"
)

// ErrLockTimeout reports a bounded acquisition that ran out of time. It is
// advisory: callers skip the current cycle rather than treat it as fatal.
var ErrLockTimeout = errors.New("schedule lock: acquisition timed out")

// LockSuffix derives the lock file path from the state file path. The lock
// file's content is irrelevant; only OS-level exclusive-lock semantics matter.
const LockSuffix = ".lock"

// Locker guards all reads and writes of the schedule document across
// cooperating processes. Callers must Release on every exit path.
type Locker interface {
	Acquire(timeout time.Duration) error
	Release() error
}

// NewLocker probes whether OS advisory file locking works on the state file's
// directory and returns the file-backed locker if so, falling back to an
// in-process locker keyed by path (single-process and test deployments,
// filesystems without flock support).
func NewLocker(statePath string, log logx.Logger) Locker {
	if log.IsZero() {
		log = logx.Nop()
	}
	fl := newFileLocker(statePath)
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		log.Warn("cannot create state dir; using in-process lock", logx.String("path", statePath), logx.Err(err))
		return newMemoryLocker(statePath)
	}
	// A held lock still proves flock works here; only an error means the
	// filesystem can't do it.
	held, err := fl.fl.TryLock()
	if err != nil {
		log.Warn("file locking unavailable; using in-process lock", logx.String("path", fl.fl.Path()), logx.Err(err))
		return newMemoryLocker(statePath)
	}
	if held {
		_ = fl.fl.Unlock()
	}
	return fl
}

type fileLocker struct {
	fl *flock.Flock
}

func newFileLocker(statePath string) *fileLocker {
	return &fileLocker{fl: flock.New(statePath + LockSuffix)}
}

func (l *fileLocker) Acquire(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := l.fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrLockTimeout
		}
		return err
	}
	if !ok {
		return ErrLockTimeout
	}
	return nil
}

func (l *fileLocker) Release() error {
	return l.fl.Unlock()
}
