// Package filelock wraps POSIX advisory locking (flock(2)) for the
// resources in spec.md §5 that need real shared/exclusive semantics across
// processes: the chunk store lock and the per-snapshot lock. Simple
// exclusive-only locks (group directory, tape key store) use
// github.com/dolthub/fslock directly at the call site instead, since they
// never need a shared mode.
package filelock

import (
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/wofferl/proxmox-backup/internal/xerrors"
)

// Lock is a held flock(2) lock on path, released by Close.
type Lock struct {
	f         *os.File
	exclusive bool
}

// Shared blocks until a shared (read) lock on path is held. The file is
// created if it doesn't exist.
func Shared(path string) (*Lock, error) {
	return acquire(path, unix.LOCK_SH, true)
}

// Exclusive blocks until an exclusive (write) lock on path is held.
func Exclusive(path string) (*Lock, error) {
	return acquire(path, unix.LOCK_EX, true)
}

// TryExclusive attempts to acquire an exclusive lock without blocking. It
// returns xerrors.ErrLockBusy if another holder has the lock.
func TryExclusive(path string) (*Lock, error) {
	return acquire(path, unix.LOCK_EX, false)
}

// TrySharedToExclusive implements the GC "upgrade" step of spec.md §4.5 and
// §9: the safe pattern is to drop the shared lock and try to acquire
// exclusive, aborting with Busy rather than blocking (a shared->exclusive
// upgrade isn't atomic on all platforms). Callers must have already closed
// their Lock from Shared before calling this.
func TrySharedToExclusive(path string) (*Lock, error) {
	l, err := acquire(path, unix.LOCK_EX, false)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// RetryExclusive attempts TryExclusive repeatedly with bounded exponential
// backoff, giving a briefly-held exclusive lock (snapshot dir lock,
// update-manifest lock - spec.md §5) a short window to clear before the
// caller gives up with xerrors.ErrLockBusy, instead of failing on the
// first contended attempt.
func RetryExclusive(path string, maxElapsed time.Duration) (*Lock, error) {
	var l *Lock
	op := func() error {
		var err error
		l, err = TryExclusive(path)
		if errors.Is(err, xerrors.ErrLockBusy) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return l, nil
}

func acquire(path string, how int, block bool) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", path)
	}
	flags := how
	if !block {
		flags |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), flags); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, xerrors.ErrLockBusy
		}
		return nil, errors.Wrapf(err, "flock %s", path)
	}
	return &Lock{f: f, exclusive: how == unix.LOCK_EX}, nil
}

// Exclusive reports whether this lock was acquired in exclusive mode.
func (l *Lock) Exclusive() bool { return l.exclusive }

// Close releases the lock and closes the underlying file descriptor.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
