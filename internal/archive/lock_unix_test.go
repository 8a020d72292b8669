//go:build unix

package archive

import (
	"errors"
	"testing"
	"time"
)

func TestLocks(t *testing.T) {
	w, base := makeStormFile(t, 1)
	defer w.Close()
	r, err := OpenStormReader(base)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := w.LockForWrite(); err != nil {
		t.Fatalf("LockForWrite() error = %v", err)
	}
	if err := r.TryLockForWrite(); !errors.Is(err, ErrLocked) {
		t.Errorf("TryLockForWrite() while held error = %v, want ErrLocked", err)
	}

	acquired := make(chan error, 1)
	go func() { acquired <- r.LockForRead() }()
	select {
	case err := <-acquired:
		t.Fatalf("LockForRead() returned %v while write lock held", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := w.Unlock(); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("LockForRead() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("LockForRead() did not return after Unlock")
	}

	// Shared locks coexist.
	if err := w.LockForRead(); err != nil {
		t.Fatalf("second LockForRead() error = %v", err)
	}
	if err := w.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := r.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := w.TryLockForWrite(); err != nil {
		t.Errorf("TryLockForWrite() when free error = %v", err)
	}
	if err := w.Unlock(); err != nil {
		t.Fatal(err)
	}
}
