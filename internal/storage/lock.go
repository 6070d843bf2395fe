package storage

import (
	"os"
	"sync"
	"syscall"
)

// fileLock serializes writers on a single record, both across goroutines
// (mutex) and across processes (flock on a sidecar .lock file).
type fileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// Lock acquires an exclusive lock, blocking until available.
func (l *fileLock) Lock() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return err
	}

	l.file = f
	return nil
}

// Unlock releases the lock and removes the sidecar file.
func (l *fileLock) Unlock() {
	if l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	os.Remove(l.path + ".lock")
	l.file = nil
	l.mu.Unlock()
}
