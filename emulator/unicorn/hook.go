//go:build unicorn

package unicorn

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/wnxd/emubridge/emulator"
)

type hook struct {
	e     *Engine
	typ   emulator.HookType
	hooks []uc.Hook
}

func (h *hook) Close() error {
	for _, hook := range h.hooks {
		h.e.mu.HookDel(hook)
	}
	h.hooks = nil
	return nil
}

func (h *hook) Type() emulator.HookType {
	return h.typ
}

var memHookTypes = []struct {
	typ    emulator.HookType
	ucType int
}{
	{emulator.HOOK_TYPE_MEM_READ, uc.HOOK_MEM_READ},
	{emulator.HOOK_TYPE_MEM_WRITE, uc.HOOK_MEM_WRITE},
	{emulator.HOOK_TYPE_MEM_FETCH, uc.HOOK_MEM_FETCH},
	{emulator.HOOK_TYPE_MEM_READ_UNMAPPED, uc.HOOK_MEM_READ_UNMAPPED},
	{emulator.HOOK_TYPE_MEM_WRITE_UNMAPPED, uc.HOOK_MEM_WRITE_UNMAPPED},
	{emulator.HOOK_TYPE_MEM_FETCH_UNMAPPED, uc.HOOK_MEM_FETCH_UNMAPPED},
	{emulator.HOOK_TYPE_MEM_READ_PROT, uc.HOOK_MEM_READ_PROT},
	{emulator.HOOK_TYPE_MEM_WRITE_PROT, uc.HOOK_MEM_WRITE_PROT},
	{emulator.HOOK_TYPE_MEM_FETCH_PROT, uc.HOOK_MEM_FETCH_PROT},
}

func (e *Engine) Hook(typ emulator.HookType, callback any, data any, begin, end uint64) (emulator.Hook, error) {
	h := &hook{e: e, typ: typ}
	add := func(ucType int, cb any, extra ...int) error {
		hk, err := e.mu.HookAdd(ucType, cb, begin, end, extra...)
		if err == nil {
			h.hooks = append(h.hooks, hk)
		}
		return err
	}
	var err error
	switch {
	case typ == emulator.HOOK_TYPE_INTR:
		cb, ok := callback.(emulator.InterruptCallback)
		if !ok {
			return nil, emulator.ErrHookCallbackType
		}
		err = add(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) { cb(uint64(intno), data) })
	case typ == emulator.HOOK_TYPE_INSN_INVALID:
		cb, ok := callback.(emulator.InvalidCallback)
		if !ok {
			return nil, emulator.ErrHookCallbackType
		}
		err = add(uc.HOOK_INSN_INVALID, func(mu uc.Unicorn) bool { return cb(data) })
	case typ == emulator.HOOK_TYPE_INSN_IN:
		cb, ok := callback.(emulator.PortInCallback)
		if !ok {
			return nil, emulator.ErrHookCallbackType
		} else if e.arch != emulator.ARCH_X86_64 {
			return nil, emulator.ErrHookUnsupported
		}
		err = add(uc.HOOK_INSN, func(mu uc.Unicorn, port, size uint32) uint32 {
			return cb(port, int(size), data)
		}, uc.X86_INS_IN)
	case typ == emulator.HOOK_TYPE_INSN_OUT:
		cb, ok := callback.(emulator.PortOutCallback)
		if !ok {
			return nil, emulator.ErrHookCallbackType
		} else if e.arch != emulator.ARCH_X86_64 {
			return nil, emulator.ErrHookUnsupported
		}
		err = add(uc.HOOK_INSN, func(mu uc.Unicorn, port, size, value uint32) {
			cb(port, int(size), value, data)
		}, uc.X86_INS_OUT)
	case typ&^(emulator.HOOK_TYPE_CODE|emulator.HOOK_TYPE_BLOCK) == 0:
		cb, ok := callback.(emulator.CodeCallback)
		if !ok {
			return nil, emulator.ErrHookCallbackType
		}
		fn := func(mu uc.Unicorn, addr uint64, size uint32) { cb(addr, uint64(size), data) }
		if typ&emulator.HOOK_TYPE_CODE != 0 {
			err = add(uc.HOOK_CODE, fn)
		}
		if err == nil && typ&emulator.HOOK_TYPE_BLOCK != 0 {
			err = add(uc.HOOK_BLOCK, fn)
		}
	case typ&^(emulator.HOOK_TYPE_MEM_VALID|emulator.HOOK_TYPE_MEM_INVALID) == 0:
		cb, ok := callback.(emulator.MemoryCallback)
		if !ok {
			return nil, emulator.ErrHookCallbackType
		}
		for _, m := range memHookTypes {
			if typ&m.typ == 0 || err != nil {
				continue
			}
			mtyp := m.typ
			if mtyp&emulator.HOOK_TYPE_MEM_INVALID != 0 {
				err = add(m.ucType, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
					return cb(mtyp, addr, uint64(size), uint64(value), data)
				})
			} else {
				err = add(m.ucType, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
					cb(mtyp, addr, uint64(size), uint64(value), data)
				})
			}
		}
	default:
		return nil, emulator.ErrHookUnsupported
	}
	if err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}
