package bridge

import (
	"sync"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/encoding"
	"github.com/wnxd/emubridge/internal/log"
)

type native struct {
	name string
	fn   bridge.NativeFunc
}

type nativeManager struct {
	mu      sync.Mutex
	next    uint64
	natives map[uint64]*native
}

func (nm *nativeManager) ctor() {
	nm.next = NATIVE_BASE + NATIVE_SLOT
	nm.natives = make(map[uint64]*native)
}

func (nm *nativeManager) dtor() {
	nm.mu.Lock()
	clear(nm.natives)
	nm.mu.Unlock()
}

func (nm *nativeManager) lookupNative(addr uint64) *native {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.natives[addr]
}

func (nm *nativeManager) addNative(name string, fn bridge.NativeFunc) (uint64, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.next >= NATIVE_BASE+NATIVE_SIZE {
		return 0, bridge.StatusOutOfResources
	}
	addr := nm.next
	nm.next += NATIVE_SLOT
	nm.natives[addr] = &native{name, fn}
	return addr, nil
}

// AddNative binds fn at a fresh address that no engine maps.
func (b *Brg) AddNative(name string, fn bridge.NativeFunc) (uint64, error) {
	if b.closed {
		return 0, bridge.ErrBridgeClosed
	} else if fn == nil {
		return 0, bridge.StatusInvalidParameter
	}
	return b.nativeManager.addNative(name, fn)
}

// BindNative binds fn at addr, which must not be emulated code or shared
// memory.
func (b *Brg) BindNative(addr uint64, name string, fn bridge.NativeFunc) error {
	if b.closed {
		return bridge.ErrBridgeClosed
	} else if fn == nil {
		return bridge.StatusInvalidParameter
	} else if addr < b.pageSize || addr == RETURN_MAGIC || b.memoryManager.find(addr) != nil {
		return bridge.ErrAddressInvalid
	}
	nm := &b.nativeManager
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if _, ok := nm.natives[addr]; ok {
		return bridge.ErrNativeBound
	}
	nm.natives[addr] = &native{name, fn}
	return nil
}

// IsNativeCall reports whether a native caller reaching pc is calling native
// code rather than an emulated image.
func (b *Brg) IsNativeCall(pc uint64) bool {
	if pc%b.host.InsnAlign() != 0 {
		return false
	} else if pc < b.pageSize {
		return true
	}
	return b.imageManager.findByAddr(pc) == nil
}

// validate substitutes the boot services emulated code may not call
// directly.
func (b *Brg) validate(pc uint64) uint64 {
	if pc < b.pageSize {
		return b.wrappers.unsupported
	} else if b.boot == nil {
		return pc
	}
	ep := b.boot.EntryPoints()
	switch pc {
	case ep.CreateEvent:
		return b.wrappers.createEvent
	case ep.CreateEventEx:
		return b.wrappers.createEventEx
	case ep.CloseEvent:
		return b.wrappers.closeEvent
	case ep.Exit:
		return b.wrappers.exitImage
	case ep.ExitBootServices:
		log.Error(log.ModuleBridge, "Unsupported emulated ExitBootServices")
		return b.wrappers.unsupported
	case ep.RegisterInterruptHandler:
		log.Error(log.ModuleBridge, "Unsupported emulated RegisterInterruptHandler")
		return b.wrappers.unsupported
	}
	return pc
}

func (b *Brg) resolve(c *cpu, target uint64) *native {
	if n := b.nativeManager.lookupNative(target); n != nil {
		return n
	}
	if r := b.imageManager.findByAddr(target); r != nil && r.cpu != c {
		return &native{"cross-call", func(ctx bridge.CallContext, args *bridge.Args) uint64 {
			ret, _ := b.RunFunc(r.cpu.machine, target, args)
			return ret
		}}
	}
	log.Error(log.ModuleBridge, "unknown native target", "machine", c.machine, "target", target)
	return b.nativeManager.lookupNative(b.wrappers.unsupported)
}

// callNative services an exit of c's engine at pc, a target it cannot run,
// and returns where emulation resumes.
func (b *Brg) callNative(h ctxHandle, c *cpu, pc uint64) (uint64, error) {
	var args bridge.Args
	err := c.abi.NativeArgs(c.emu, &args)
	if err != nil {
		return pc, err
	}
	ret, err := c.abi.ReturnAddress(c.emu)
	if err != nil {
		return pc, err
	}
	n := b.resolve(c, b.validate(pc))
	log.Trace(log.ModuleBridge, "native call", "machine", c.machine, "pc", pc, "native", n.name, "ret", ret)
	cc := &callContext{b: b, cpu: c, pc: pc, ret: ret}
	val := n.fn(cc, &args)
	if b.contextManager.top != h {
		b.compress(h, false)
	}
	next, err := c.abi.NativeReturn(c.emu, val)
	if err != nil {
		return pc, err
	}
	if len(cc.extra) > 0 {
		regs := c.abi.ReturnRegs()[1:]
		err = c.emu.RegWriteBatch(regs[:len(cc.extra)], cc.extra)
		if err != nil {
			return pc, err
		}
	}
	return next, nil
}

type callContext struct {
	b     *Brg
	cpu   *cpu
	pc    uint64
	ret   uint64
	extra []uint64
}

func (cc *callContext) Bridge() bridge.Bridge {
	return cc.b
}

func (cc *callContext) Machine() bridge.Machine {
	return cc.cpu.machine
}

func (cc *callContext) Emulator() emulator.Emulator {
	return cc.cpu.emu
}

func (cc *callContext) ProgramCounter() uint64 {
	return cc.pc
}

func (cc *callContext) ReturnAddress() uint64 {
	return cc.ret
}

func (cc *callContext) ToPointer(addr uint64) emulator.Pointer {
	return emulator.ToPointer(cc.cpu.emu, addr)
}

func (cc *callContext) ReturnValue(v any) (uint64, error) {
	size, err := encoding.Size(v)
	if err != nil {
		return 0, err
	}
	abi := cc.cpu.abi
	if size <= abi.MaxRegReturn() {
		words, err := encoding.Words(v)
		if err != nil {
			return 0, err
		} else if len(words) == 0 {
			return 0, nil
		}
		cc.extra = words[1:]
		return words[0], nil
	}
	ptr, err := abi.IndirectResult(cc.cpu.emu)
	if err != nil {
		return 0, err
	}
	data, err := encoding.Marshal(v)
	if err != nil {
		return 0, err
	}
	return ptr, cc.cpu.emu.MemWrite(ptr, data)
}
