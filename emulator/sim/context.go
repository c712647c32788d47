package sim

import "github.com/wnxd/emubridge/emulator"

type context struct {
	e      *Engine
	regs   [REG_COUNT]uint64
	closed bool
}

func (e *Engine) ContextAlloc() (emulator.Context, error) {
	if e.closed {
		return nil, emulator.ErrEmulatorClosed
	}
	return &context{e: e}, nil
}

func (c *context) Close() error {
	c.closed = true
	return nil
}

func (c *context) Save() error {
	if c.closed {
		return emulator.ErrContextClosed
	}
	c.regs = c.e.regs
	return nil
}

func (c *context) Restore() error {
	if c.closed {
		return emulator.ErrContextClosed
	}
	c.e.regs = c.regs
	return nil
}

func (c *context) Clone() (emulator.Context, error) {
	if c.closed {
		return nil, emulator.ErrContextClosed
	}
	return &context{e: c.e, regs: c.regs}, nil
}

func (c *context) RegRead(reg emulator.Reg) (uint64, error) {
	if reg <= 0 || reg >= REG_COUNT {
		return 0, ErrRegInvalid
	}
	return c.regs[reg], nil
}

func (c *context) RegWrite(reg emulator.Reg, value uint64) error {
	if reg <= 0 || reg >= REG_COUNT {
		return ErrRegInvalid
	}
	c.regs[reg] = value
	return nil
}

func (c *context) RegReadBatch(regs ...emulator.Reg) ([]uint64, error) {
	return regReadBatch(&c.regs, regs)
}

func (c *context) RegWriteBatch(regs []emulator.Reg, vals []uint64) error {
	return regWriteBatch(&c.regs, regs, vals)
}
