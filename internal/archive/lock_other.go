//go:build !unix

package archive

// Advisory locks are not available on this platform; the single-process
// hand-off in the driver is the only serialisation.

func (l *logFile) LockForWrite() error    { return nil }
func (l *logFile) TryLockForWrite() error { return nil }
func (l *logFile) LockForRead() error     { return nil }
func (l *logFile) Unlock() error          { return nil }
