package bridge

import (
	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
)

// cpu is one emulated machine: its engine, its private stack and the
// bookkeeping the run loop keeps for it.
type cpu struct {
	machine   bridge.Machine
	abi       bridge.ABI
	emu       emulator.Emulator
	pristine  emulator.Context
	stackBase uint64
	stackTop  uint64
	contexts  int
	timeout   timeout
	releases  []func() error
}

func (c *cpu) init(b *Brg) error {
	base, err := b.mapShared(b.opts.StackSize)
	if err != nil {
		return err
	}
	c.stackBase, c.stackTop = base, base+bridge.Align(b.opts.StackSize, b.pageSize)
	err = mapNullPage(c, b.pageSize)
	if err != nil {
		return err
	}
	if c.machine == bridge.MACHINE_X64 {
		err = b.hookPorts(c)
		if err != nil {
			return err
		}
	}
	if b.opts.Timeout {
		err = c.timeout.init(c, b.opts.ExitPeriod, b.timer)
		if err != nil {
			return err
		}
	}
	err = c.emu.RegWrite(c.abi.SP(), c.stackTop)
	if err != nil {
		return err
	}
	c.pristine, err = c.emu.ContextAlloc()
	if err != nil {
		return err
	}
	c.appendRelease(c.pristine.Close)
	return c.pristine.Save()
}

func (c *cpu) close() {
	for i := len(c.releases) - 1; i >= 0; i-- {
		c.releases[i]()
	}
	c.releases = nil
	c.emu.Close()
}

func (c *cpu) appendRelease(f func() error) {
	c.releases = append(c.releases, f)
}

func (c *cpu) pc() uint64 {
	pc, _ := c.emu.RegRead(c.abi.PC())
	return pc
}

func (c *cpu) sp() uint64 {
	sp, _ := c.emu.RegRead(c.abi.SP())
	return sp
}
