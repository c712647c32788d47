package bridge

import "github.com/wnxd/emubridge/firmware"

type Status = firmware.Status

const (
	StatusSuccess          = firmware.StatusSuccess
	StatusLoadError        = firmware.StatusLoadError
	StatusInvalidParameter = firmware.StatusInvalidParameter
	StatusUnsupported      = firmware.StatusUnsupported
	StatusBufferTooSmall   = firmware.StatusBufferTooSmall
	StatusDeviceError      = firmware.StatusDeviceError
	StatusOutOfResources   = firmware.StatusOutOfResources
	StatusNotFound         = firmware.StatusNotFound
	StatusAborted          = firmware.StatusAborted
)

func StatusOf(err error) Status {
	return firmware.StatusOf(err)
}
