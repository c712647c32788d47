//go:build unicorn

package unicorn

import (
	"errors"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/wnxd/emubridge/emulator"
)

var ErrRegInvalid = errors.New("register invalid")

type context struct {
	e      *Engine
	ctx    uc.Context
	closed bool
}

func (e *Engine) ContextAlloc() (emulator.Context, error) {
	ctx, err := e.mu.ContextSave(nil)
	if err != nil {
		return nil, err
	}
	return &context{e: e, ctx: ctx}, nil
}

func (c *context) Close() error {
	c.closed = true
	c.ctx = nil
	return nil
}

func (c *context) Save() (err error) {
	if c.closed {
		return emulator.ErrContextClosed
	}
	c.ctx, err = c.e.mu.ContextSave(c.ctx)
	return
}

func (c *context) Restore() error {
	if c.closed {
		return emulator.ErrContextClosed
	}
	return c.e.mu.ContextRestore(c.ctx)
}

// with runs fn while the snapshot is loaded into the engine, then puts the
// live registers back.
func (c *context) with(fn func() error) error {
	if c.closed {
		return emulator.ErrContextClosed
	}
	live, err := c.e.mu.ContextSave(nil)
	if err != nil {
		return err
	}
	if err = c.e.mu.ContextRestore(c.ctx); err != nil {
		return err
	}
	err = fn()
	if rerr := c.e.mu.ContextRestore(live); err == nil {
		err = rerr
	}
	return err
}

func (c *context) Clone() (emulator.Context, error) {
	clone := &context{e: c.e}
	err := c.with(func() (err error) {
		clone.ctx, err = c.e.mu.ContextSave(nil)
		return
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

func (c *context) RegRead(reg emulator.Reg) (val uint64, err error) {
	err = c.with(func() (err error) {
		val, err = c.e.RegRead(reg)
		return
	})
	return
}

func (c *context) RegWrite(reg emulator.Reg, value uint64) error {
	return c.with(func() error {
		if err := c.e.RegWrite(reg, value); err != nil {
			return err
		}
		return c.Save()
	})
}

func (c *context) RegReadBatch(regs ...emulator.Reg) (vals []uint64, err error) {
	err = c.with(func() (err error) {
		vals, err = c.e.RegReadBatch(regs...)
		return
	})
	return
}

func (c *context) RegWriteBatch(regs []emulator.Reg, vals []uint64) error {
	return c.with(func() error {
		if err := c.e.RegWriteBatch(regs, vals); err != nil {
			return err
		}
		return c.Save()
	})
}
