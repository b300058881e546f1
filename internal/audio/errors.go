package audio

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrFormatNegotiation = errors.New("capture format negotiation failed")
	ErrDeviceLost        = errors.New("capture device lost")
	ErrAlreadyRunning    = errors.New("capture already running")
)

// DeviceError reports a failure of one capture source.
type DeviceError struct {
	Role Role
	Op   string
	Kind error
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Role, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Role, e.Op, e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func deviceError(role Role, op string, kind, err error) *DeviceError {
	return &DeviceError{Role: role, Op: op, Kind: kind, Err: err}
}
