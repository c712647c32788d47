package bridge

import (
	"time"

	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/firmware"
)

const (
	EXIT_PERIOD_TBS_INITIAL = 0x1000
	EXIT_PERIOD_TBS_MIN     = 0x100
	EXIT_PERIOD_TBS_MAX     = 0x100000
)

// timeout forces the engine to exit every exitPeriodTbs translation blocks
// so that interrupts get a chance to run. The period adapts so that a run
// lasts about exitPeriodTicks.
type timeout struct {
	enabled         bool
	tbCount         uint64
	windowTbs       uint64
	exitPeriodTbs   uint64
	exitPeriodTicks uint64
	stoppedOnTimer  bool
}

func (t *timeout) init(c *cpu, period time.Duration, timer firmware.Timer) error {
	t.exitPeriodTbs = EXIT_PERIOD_TBS_INITIAL
	t.exitPeriodTicks = uint64(period) * timer.Frequency() / uint64(time.Second)
	hook, err := c.emu.Hook(emulator.HOOK_TYPE_BLOCK, emulator.CodeCallback(func(addr, size uint64, data any) {
		c := data.(*cpu)
		c.timeout.tick(c.emu)
	}), c, 1, 0)
	if err != nil {
		return err
	}
	c.appendRelease(hook.Close)
	t.enabled = true
	return nil
}

func (t *timeout) tick(emu emulator.Emulator) {
	t.tbCount++
	// Count from the last forced exit so a new period gets a full window.
	if t.windowTbs++; t.windowTbs >= t.exitPeriodTbs {
		t.windowTbs = 0
		t.stoppedOnTimer = true
		emu.Stop()
	}
}

func (t *timeout) begin(timer firmware.Timer) uint64 {
	if !t.enabled {
		return 0
	}
	return timer.Ticks() + t.exitPeriodTicks
}

func (t *timeout) end(timer firmware.Timer, deadline uint64) {
	if !t.stoppedOnTimer {
		return
	}
	t.stoppedOnTimer = false
	now := timer.Ticks()
	if now > deadline {
		if t.exitPeriodTbs > EXIT_PERIOD_TBS_MIN {
			t.exitPeriodTbs >>= 1
		}
	} else if now < deadline {
		if t.exitPeriodTbs < EXIT_PERIOD_TBS_MAX {
			t.exitPeriodTbs <<= 1
		}
	}
}
