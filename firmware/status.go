package firmware

import (
	"errors"
	"fmt"
)

// Status is a 64-bit firmware status code. Error codes have the high bit set.
type Status uint64

const errorBit = 1 << 63

const (
	StatusSuccess          Status = 0
	StatusLoadError        Status = errorBit | 1
	StatusInvalidParameter Status = errorBit | 2
	StatusUnsupported      Status = errorBit | 3
	StatusBufferTooSmall   Status = errorBit | 5
	StatusDeviceError      Status = errorBit | 7
	StatusOutOfResources   Status = errorBit | 9
	StatusNotFound         Status = errorBit | 14
	StatusAborted          Status = errorBit | 21
)

var statusNames = map[Status]string{
	StatusSuccess:          "success",
	StatusLoadError:        "load error",
	StatusInvalidParameter: "invalid parameter",
	StatusUnsupported:      "unsupported",
	StatusBufferTooSmall:   "buffer too small",
	StatusDeviceError:      "device error",
	StatusOutOfResources:   "out of resources",
	StatusNotFound:         "not found",
	StatusAborted:          "aborted",
}

func (s Status) IsError() bool {
	return s&errorBit != 0
}

func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status %#x", uint64(s))
}

// Err returns nil for non-error codes.
func (s Status) Err() error {
	if !s.IsError() {
		return nil
	}
	return s
}

// StatusOf maps an error back to the status value returned to callers that
// only understand status codes. Errors that carry no status are reported as
// StatusDeviceError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusDeviceError
}
