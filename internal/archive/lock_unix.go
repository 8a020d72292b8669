//go:build unix

package archive

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func (l *logFile) flock(how int) error {
	if l.lock == nil {
		return fmt.Errorf("%s lock: file closed", l.kind.component)
	}
	for {
		err := unix.Flock(int(l.lock.Fd()), how)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if how&unix.LOCK_NB != 0 && errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		if err != nil {
			return fmt.Errorf("%s lock: %w", l.kind.component, err)
		}
		return nil
	}
}

// LockForWrite blocks until an exclusive advisory lock is held.
func (l *logFile) LockForWrite() error { return l.flock(unix.LOCK_EX) }

// TryLockForWrite takes the exclusive lock or returns ErrLocked.
func (l *logFile) TryLockForWrite() error { return l.flock(unix.LOCK_EX | unix.LOCK_NB) }

// LockForRead blocks until a shared advisory lock is held.
func (l *logFile) LockForRead() error { return l.flock(unix.LOCK_SH) }

// Unlock releases whichever lock is held.
func (l *logFile) Unlock() error { return l.flock(unix.LOCK_UN) }
