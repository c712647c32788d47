package bridge

import (
	"fmt"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/internal/log"
)

// Dump logs everything known about the bridge at error level.
func (b *Brg) Dump() {
	for _, r := range b.imageManager.list() {
		log.Error(log.ModuleBridge, "image", "machine", r.cpu.machine, "base", hex(r.base), "size", hex(r.size), "entry", hex(r.entry), "handle", hex(r.handle))
	}
	for _, r := range b.eventManager.listEvents() {
		log.Error(log.ModuleBridge, "wrapped event", "event", hex(r.event), "machine", r.cpu.machine, "caller", hex(r.caller), "notify", hex(r.notify), "context", hex(r.context))
	}
	cm := &b.contextManager
	depth := 0
	for ctx := cm.arena.get(cm.top); ctx != nil; ctx = cm.arena.get(ctx.prev) {
		log.Error(log.ModuleBridge, "context", "depth", depth, "machine", ctx.cpu.machine, "pc", hex(ctx.pc), "image", ctx.image != nil)
		depth++
	}
	for _, c := range b.cpus {
		b.dumpCpu(c)
	}
}

func (b *Brg) dumpCpu(c *cpu) {
	regs, err := c.abi.Registers(c.emu)
	if err != nil {
		log.Error(log.ModuleBridge, "failed to read registers", "machine", c.machine, "err", err)
		return
	}
	log.Error(log.ModuleBridge, "registers", append([]any{"machine", c.machine, "contexts", c.contexts}, regs...)...)
	pc := c.pc()
	code := make([]byte, c.abi.InsnMax())
	if _, err := b.memoryManager.ReadAt(code, int64(pc)); err == nil {
		log.Error(log.ModuleBridge, "instruction", "machine", c.machine, "pc", hex(pc), "insn", c.abi.Disassemble(code, pc))
	} else if data, err := c.emu.MemRead(pc, uint64(len(code))); err == nil {
		log.Error(log.ModuleBridge, "instruction", "machine", c.machine, "pc", hex(pc), "insn", c.abi.Disassemble(data, pc))
	}
	if sp := c.sp(); sp < c.stackBase || sp > c.stackTop {
		log.Warn(log.ModuleBridge, "stack pointer outside emulated stack", "machine", c.machine, "sp", hex(sp), "base", hex(c.stackBase), "top", hex(c.stackTop))
	}
}

func hex(v uint64) string {
	return fmt.Sprintf("%016X", v)
}

func (b *Brg) DebugState() bridge.DebugState {
	state := bridge.DebugState{
		HostMachine: b.host,
		Contexts:    b.ContextCount(),
		Images:      len(b.imageManager.list()),
		Events:      len(b.eventManager.listEvents()),
	}
	if top := b.topContext(); top != nil {
		state.CallerMachine = top.cpu.machine
	}
	for _, c := range b.cpus {
		state.Cpus = append(state.Cpus, bridge.CpuState{
			Machine:         c.machine,
			Contexts:        c.contexts,
			StackBase:       c.stackBase,
			StackTop:        c.stackTop,
			TbCount:         c.timeout.tbCount,
			ExitPeriodTbs:   c.timeout.exitPeriodTbs,
			ExitPeriodTicks: c.timeout.exitPeriodTicks,
		})
	}
	return state
}
