package bridge

import (
	"fmt"
)

var (
	ErrMachineUnsupported = statusError("machine unsupported", StatusUnsupported)
	ErrImageNotFound      = statusError("image not found", StatusNotFound)
	ErrImageOverlap       = statusError("image overlaps existing mapping", StatusInvalidParameter)
	ErrAddressInvalid     = statusError("address invalid", StatusInvalidParameter)
	ErrNativeBound        = statusError("native already bound", StatusInvalidParameter)
	ErrBridgeClosed       = statusError("bridge closed", StatusUnsupported)
)

// statusErr is a sentinel that also matches the status reported for it.
type statusErr struct {
	msg    string
	status Status
}

func statusError(msg string, status Status) error {
	return &statusErr{msg: msg, status: status}
}

func (e *statusErr) Error() string {
	return e.msg
}

func (e *statusErr) Unwrap() error {
	return e.status
}

// EmulationError is an engine failure that ended an emulated call. It
// matches StatusUnsupported as well as the engine error it wraps.
type EmulationError struct {
	Machine Machine
	PC      uint64
	Err     error
}

func (e *EmulationError) Error() string {
	return fmt.Sprintf("[%s] emulation failed at %016X: %v", e.Machine, e.PC, e.Err)
}

func (e *EmulationError) Unwrap() []error {
	return []error{StatusUnsupported, e.Err}
}
