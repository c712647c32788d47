package bridge

import (
	"errors"
	"math"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/internal/log"
)

// The run path keeps its teardown out of defer: an unwind to an image exit
// leaves the contexts it skipped on the stack, and compress repairs them.

func (b *Brg) RunFunc(machine bridge.Machine, pc uint64, args *bridge.Args) (uint64, error) {
	rets, err := b.call(machine, pc, args)
	if err != nil {
		return uint64(bridge.StatusOf(err)), err
	}
	return rets[0], nil
}

// RunFuncWords is RunFunc for callees that return more than one register.
func (b *Brg) RunFuncWords(machine bridge.Machine, pc uint64, args *bridge.Args) ([]uint64, error) {
	return b.call(machine, pc, args)
}

func (b *Brg) call(machine bridge.Machine, pc uint64, args *bridge.Args) ([]uint64, error) {
	c, err := b.cpuOf(machine)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = new(bridge.Args)
	}
	h, err := b.allocContext(c, pc)
	if err != nil {
		return nil, err
	}
	rets, err := b.runOnPrivateStack(h, pc, args)
	b.freeContext(h)
	return rets, err
}

// runOnPrivateStack enters h and runs pc on its cpu. A first-level entry
// starts from the pristine state; a nested one saves the interrupted state
// and runs below it.
func (b *Brg) runOnPrivateStack(h ctxHandle, pc uint64, args *bridge.Args) ([]uint64, error) {
	ctx := b.contextManager.arena.get(h)
	c := ctx.cpu
	b.enterCritical(h)
	if c.contexts > 1 {
		snapshot, err := c.emu.ContextAlloc()
		if err != nil {
			b.leaveCritical(h)
			log.Error(log.ModuleBridge, "failed to allocate snapshot", "machine", c.machine, "err", err)
			return nil, bridge.StatusOutOfResources
		}
		ctx.snapshot = snapshot
		err = snapshot.Save()
		if err != nil {
			b.leaveCritical(h)
			return nil, err
		}
		sp := bridge.AlignDown(c.sp()-c.abi.RedZone(), c.abi.StackAlign())
		err = c.emu.RegWrite(c.abi.SP(), sp)
		if err != nil {
			b.leaveCritical(h)
			return nil, err
		}
	} else if err := c.pristine.Restore(); err != nil {
		b.leaveCritical(h)
		return nil, err
	}
	rets, err := b.dispatch(h, c, pc, args)
	if ctx.snapshot != nil {
		ctx.snapshot.Restore()
	}
	b.leaveCritical(h)
	return rets, err
}

func (b *Brg) dispatch(h ctxHandle, c *cpu, pc uint64, args *bridge.Args) ([]uint64, error) {
	err := c.abi.PreCall(c.emu, args, RETURN_MAGIC)
	if err != nil {
		return nil, b.failed(c, pc, err)
	}
	for {
		state := b.criticalBegin()
		deadline := c.timeout.begin(b.timer)
		err = c.emu.Start(pc, math.MaxUint64)
		c.timeout.end(b.timer, deadline)
		b.criticalEnd(state)

		pc = c.pc()
		switch {
		case err == nil:
			continue
		case !errors.Is(err, emulator.ErrNoTranslation):
			return nil, b.failed(c, pc, err)
		case pc == RETURN_MAGIC:
			err = c.abi.PostCall(c.emu, args, b.opts.CheckArgs)
			if err != nil {
				return nil, b.failed(c, pc, err)
			}
			return c.emu.RegReadBatch(c.abi.ReturnRegs()...)
		}
		pc, err = b.callNative(h, c, pc)
		if err != nil {
			return nil, b.failed(c, pc, err)
		}
	}
}

func (b *Brg) failed(c *cpu, pc uint64, err error) error {
	e := &bridge.EmulationError{Machine: c.machine, PC: pc, Err: err}
	log.Error(log.ModuleBridge, "emulation failed", "machine", c.machine, "pc", pc, "err", err)
	b.Dump()
	return e
}

// RunImage starts an image at its real entry point. If the image leaves
// through Exit, the contexts it abandoned are compressed and the exit is
// forwarded to the boot services.
func (b *Brg) RunImage(handle, systemTable uint64) bridge.Status {
	r := b.imageManager.findByHandle(handle)
	if r == nil {
		return bridge.StatusInvalidParameter
	}
	h, err := b.allocContext(r.cpu, r.entry)
	if err != nil {
		return bridge.StatusOf(err)
	}
	b.contextManager.arena.get(h).image = r
	args := bridge.ArgsOf(handle, systemTable)
	val, unwound := bridge.Unwindable(&r.exit, func() uint64 {
		rets, err := b.runOnPrivateStack(h, r.entry, args)
		if err != nil {
			return uint64(bridge.StatusOf(err))
		}
		return rets[0]
	})
	if !unwound {
		b.freeContext(h)
		return bridge.Status(val)
	}
	b.compress(h, true)
	log.Debug(log.ModuleBridge, "image exited", "handle", handle, "status", r.exitStatus)
	if b.boot == nil {
		return r.exitStatus
	}
	return b.boot.Exit(r.handle, r.exitStatus, r.exitDataSize, r.exitData)
}
