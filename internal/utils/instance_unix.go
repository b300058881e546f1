//go:build unix

package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// InstanceLock keeps a second recorder from capturing at the same time.
type InstanceLock struct {
	f *os.File
}

// AcquireInstanceLock takes an exclusive lock on name.lock in the app data
// directory.
func AcquireInstanceLock(name string) (*InstanceLock, error) {
	dir, err := GetAppDataDir()
	if err != nil {
		return nil, err
	}
	return acquireLockFile(filepath.Join(dir, name+".lock"))
}

func acquireLockFile(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &InstanceLock{f: f}, nil
}

func (l *InstanceLock) Release() {
	if l.f != nil {
		_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
		l.f.Close()
		l.f = nil
	}
}
