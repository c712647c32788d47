package arm64

import (
	"github.com/wnxd/emubridge/bridge"
	internal "github.com/wnxd/emubridge/internal/bridge/arm64"
)

var _ = bridge.Register(bridge.MACHINE_AARCH64, internal.NewArm64ABI)
