// Package emubridge runs x64 and AArch64 firmware images under emulation and
// bridges their calls to and from native code.
package emubridge

import (
	"io"

	"github.com/wnxd/emubridge/bridge"
	internal "github.com/wnxd/emubridge/internal/bridge"
	"github.com/wnxd/emubridge/internal/log"
)

// New creates a bridge for the machines enabled by blank-importing
// bridge/x64 or bridge/arm64.
func New(opts bridge.Options) (bridge.Bridge, error) {
	b, err := internal.New(opts)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SetupLogging routes the bridge logs at or above level to w.
func SetupLogging(w io.Writer, level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetDefault(log.NewTextLogger(w, lvl))
	return nil
}
