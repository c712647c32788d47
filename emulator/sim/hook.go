package sim

import (
	"slices"

	"github.com/wnxd/emubridge/emulator"
)

type hook struct {
	e          *Engine
	typ        emulator.HookType
	callback   any
	data       any
	begin, end uint64
}

func (h *hook) Close() error {
	h.e.hooks = slices.DeleteFunc(h.e.hooks, func(o *hook) bool { return o == h })
	return nil
}

func (h *hook) Type() emulator.HookType {
	return h.typ
}

func (h *hook) match(typ emulator.HookType, addr uint64) bool {
	return h.typ&typ != 0 && emulator.HookInRange(h.begin, h.end, addr)
}

func (e *Engine) Hook(typ emulator.HookType, callback any, data any, begin, end uint64) (emulator.Hook, error) {
	var ok bool
	switch {
	case typ == emulator.HOOK_TYPE_INTR:
		_, ok = callback.(emulator.InterruptCallback)
	case typ == emulator.HOOK_TYPE_INSN_INVALID:
		_, ok = callback.(emulator.InvalidCallback)
	case typ&^(emulator.HOOK_TYPE_CODE|emulator.HOOK_TYPE_BLOCK) == 0:
		_, ok = callback.(emulator.CodeCallback)
	case typ&^(emulator.HOOK_TYPE_MEM_VALID|emulator.HOOK_TYPE_MEM_INVALID) == 0:
		_, ok = callback.(emulator.MemoryCallback)
	case typ == emulator.HOOK_TYPE_INSN_IN:
		_, ok = callback.(emulator.PortInCallback)
	case typ == emulator.HOOK_TYPE_INSN_OUT:
		_, ok = callback.(emulator.PortOutCallback)
	default:
		return nil, emulator.ErrHookUnsupported
	}
	if !ok {
		return nil, emulator.ErrHookCallbackType
	}
	h := &hook{e: e, typ: typ, callback: callback, data: data, begin: begin, end: end}
	e.hooks = append(e.hooks, h)
	return h, nil
}

// snapshot lets callbacks close hooks while the engine iterates.
func (e *Engine) snapshot() []*hook {
	return slices.Clone(e.hooks)
}

func (e *Engine) fireCode(pc uint64) {
	for _, h := range e.snapshot() {
		if h.match(emulator.HOOK_TYPE_CODE|emulator.HOOK_TYPE_BLOCK, pc) {
			h.callback.(emulator.CodeCallback)(pc, e.insnSize, h.data)
		}
	}
}

func (e *Engine) fireMem(typ emulator.HookType, addr, size, value uint64) {
	for _, h := range e.snapshot() {
		if h.match(typ, addr) {
			h.callback.(emulator.MemoryCallback)(typ, addr, size, value, h.data)
		}
	}
}

func (e *Engine) fireMemInvalid(typ emulator.HookType, addr, size, value uint64) bool {
	var handled bool
	for _, h := range e.snapshot() {
		if h.match(typ, addr) && h.callback.(emulator.MemoryCallback)(typ, addr, size, value, h.data) {
			handled = true
		}
	}
	return handled
}

// retryInvalid gives invalid-access hooks a chance to map the page, then
// reports whether the access may proceed.
func (e *Engine) retryInvalid(access emulator.HookType, err error, addr uint64, size int, value uint64) bool {
	var typ emulator.HookType
	switch {
	case access == emulator.HOOK_TYPE_MEM_READ && err == emulator.ErrMemUnmapped:
		typ = emulator.HOOK_TYPE_MEM_READ_UNMAPPED
	case access == emulator.HOOK_TYPE_MEM_READ:
		typ = emulator.HOOK_TYPE_MEM_READ_PROT
	case err == emulator.ErrMemUnmapped:
		typ = emulator.HOOK_TYPE_MEM_WRITE_UNMAPPED
	default:
		typ = emulator.HOOK_TYPE_MEM_WRITE_PROT
	}
	if !e.fireMemInvalid(typ, addr, uint64(size), value) {
		return false
	}
	want := emulator.MEM_PROT_READ
	if access == emulator.HOOK_TYPE_MEM_WRITE {
		want = emulator.MEM_PROT_WRITE
	}
	return e.mem.check(addr, size, want) == nil
}

func (e *Engine) fireInvalid() {
	for _, h := range e.snapshot() {
		if h.typ == emulator.HOOK_TYPE_INSN_INVALID {
			h.callback.(emulator.InvalidCallback)(h.data)
		}
	}
}

func (e *Engine) fireIntr(intno uint64) {
	pc := e.regs[e.pcReg]
	for _, h := range e.snapshot() {
		if h.match(emulator.HOOK_TYPE_INTR, pc) {
			h.callback.(emulator.InterruptCallback)(intno, h.data)
		}
	}
}

func (e *Engine) firePortIn(port uint32, size int) uint32 {
	for _, h := range e.snapshot() {
		if h.typ == emulator.HOOK_TYPE_INSN_IN {
			return h.callback.(emulator.PortInCallback)(port, size, h.data)
		}
	}
	return 0
}

func (e *Engine) firePortOut(port uint32, size int, val uint32) {
	for _, h := range e.snapshot() {
		if h.typ == emulator.HOOK_TYPE_INSN_OUT {
			h.callback.(emulator.PortOutCallback)(port, size, val, h.data)
		}
	}
}
