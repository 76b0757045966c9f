package storage

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// FileLock is an advisory exclusive lock held on a sidecar ".lock" file.
// It serializes writers within the process (mutex) and across processes
// sharing the same store file (flock).
type FileLock struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewFileLock returns a lock guarding target. The lock file is target+".lock".
func NewFileLock(target string) *FileLock {
	return &FileLock{path: target + ".lock"}
}

// Lock blocks until the lock is held.
func (l *FileLock) Lock() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return fmt.Errorf("flock: %w", err)
	}

	l.file = f
	return nil
}

// Unlock releases the lock. Calling Unlock on an unheld lock is a no-op.
func (l *FileLock) Unlock() {
	if l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	l.mu.Unlock()
}
