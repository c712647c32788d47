package x64

import (
	"github.com/wnxd/emubridge/bridge"
	internal "github.com/wnxd/emubridge/internal/bridge/x64"
)

var _ = bridge.Register(bridge.MACHINE_X64, internal.NewX64ABI)
