package utils

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32        = windows.NewLazySystemDLL("kernel32.dll")
	procCreateMutex = kernel32.NewProc("CreateMutexW")
)

// InstanceLock keeps a second recorder from capturing at the same time.
type InstanceLock struct {
	handle windows.Handle
}

// AcquireInstanceLock creates the named mutex name.
func AcquireInstanceLock(name string) (*InstanceLock, error) {
	mutexName, err := windows.UTF16PtrFromString("Local\\" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to convert mutex name: %w", err)
	}

	ret, _, err := procCreateMutex.Call(0, 0, uintptr(unsafe.Pointer(mutexName)))
	if ret == 0 {
		return nil, fmt.Errorf("failed to create mutex: %w", err)
	}

	handle := windows.Handle(ret)
	if errors.Is(err, syscall.ERROR_ALREADY_EXISTS) {
		windows.CloseHandle(handle)
		return nil, ErrAlreadyRunning
	}

	return &InstanceLock{handle: handle}, nil
}

func (l *InstanceLock) Release() {
	if l.handle != 0 {
		windows.CloseHandle(l.handle)
		l.handle = 0
	}
}
