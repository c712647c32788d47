package bridge

import (
	"time"

	"github.com/xyproto/env/v2"

	"github.com/wnxd/emubridge/firmware"
)

const (
	DEFAULT_STACK_SIZE   = 1 << 20
	DEFAULT_EXIT_PERIOD  = 10 * time.Millisecond
	DEFAULT_MAX_CONTEXTS = 1024
)

type Options struct {
	// Backend names the emulator backend, see emulator.Backends.
	Backend string
	// Machines selects the emulated machines. Empty means every machine
	// with a registered ABI bundle.
	Machines      []Machine
	HostMachine   Machine
	StackSize     uint64
	ExitPeriod    time.Duration
	Timeout       bool
	StrictOrphans bool
	CheckArgs     bool
	MaxContexts   int
	LogLevel      string

	Interrupts       firmware.Interrupts
	Timer            firmware.Timer
	BootServices     firmware.BootServices
	CpuIo            firmware.CpuIo
	MemoryAttributes firmware.MemoryAttributes
}

func DefaultOptions() Options {
	return Options{
		Backend:     "sim",
		HostMachine: HostMachine(),
		StackSize:   DEFAULT_STACK_SIZE,
		ExitPeriod:  DEFAULT_EXIT_PERIOD,
		Timeout:     true,
		MaxContexts: DEFAULT_MAX_CONTEXTS,
		LogLevel:    "info",
	}
}

// OptionsFromEnv overlays the EMUBRIDGE_* environment variables on the
// defaults.
func OptionsFromEnv() Options {
	opts := DefaultOptions()
	opts.Backend = env.Str("EMUBRIDGE_BACKEND", opts.Backend)
	opts.LogLevel = env.Str("EMUBRIDGE_LOG_LEVEL", opts.LogLevel)
	opts.ExitPeriod = time.Duration(env.Int("EMUBRIDGE_EXIT_PERIOD_MS", int(opts.ExitPeriod/time.Millisecond))) * time.Millisecond
	if size := env.Int("EMUBRIDGE_STACK_SIZE", 0); size > 0 {
		opts.StackSize = uint64(size)
	}
	if env.Has("EMUBRIDGE_TIMEOUT") {
		opts.Timeout = env.Bool("EMUBRIDGE_TIMEOUT")
	}
	opts.StrictOrphans = env.Bool("EMUBRIDGE_STRICT_ORPHANS")
	opts.CheckArgs = env.Bool("EMUBRIDGE_CHECK_ARGS")
	return opts
}
