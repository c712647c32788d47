//go:build unicorn

// Package unicorn adapts the unicorn engine Go bindings to emulator.Emulator.
// Build with -tags unicorn and a system libunicorn.
package unicorn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/wnxd/emubridge/emulator"
)

type ptrMapping struct {
	size uint64
	prot emulator.MemProt
	ptr  unsafe.Pointer
}

// ioMapping backs a MemMapIO range with plain memory that is refreshed from
// read before every emulated load.
type ioMapping struct {
	size  uint64
	read  emulator.MMIOReadCallback
	write emulator.MMIOWriteCallback
	data  any
	hooks []uc.Hook
}

type Engine struct {
	mu       uc.Unicorn
	arch     emulator.Arch
	regs     map[emulator.Reg]int
	pcReg    int
	ptrs     map[uint64]ptrMapping
	io       map[uint64]*ioMapping
	fetch    *emulator.FetchError
	fetchHks []uc.Hook
}

func init() {
	emulator.RegisterBackend("unicorn", func(arch emulator.Arch) (emulator.Emulator, error) {
		return New(arch)
	})
}

func New(arch emulator.Arch) (*Engine, error) {
	var ucArch, ucMode int
	e := &Engine{arch: arch, ptrs: make(map[uint64]ptrMapping), io: make(map[uint64]*ioMapping)}
	switch arch {
	case emulator.ARCH_X86_64:
		ucArch, ucMode = uc.ARCH_X86, uc.MODE_64
		e.regs, e.pcReg = x86Regs, uc.X86_REG_RIP
	case emulator.ARCH_ARM64:
		ucArch, ucMode = uc.ARCH_ARM64, uc.MODE_ARM
		e.regs, e.pcReg = arm64Regs, uc.ARM64_REG_PC
	default:
		return nil, emulator.ErrArchUnsupported
	}
	mu, err := uc.NewUnicorn(ucArch, ucMode)
	if err != nil {
		return nil, fmt.Errorf("open unicorn %s: %w", arch, err)
	}
	e.mu = mu
	hook, err := mu.HookAdd(uc.HOOK_MEM_FETCH_UNMAPPED|uc.HOOK_MEM_FETCH_PROT, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		e.fetch = &emulator.FetchError{Addr: addr, Prot: access == uc.MEM_FETCH_PROT}
		return false
	}, 1, 0)
	if err != nil {
		mu.Close()
		return nil, fmt.Errorf("install fetch hook: %w", err)
	}
	e.fetchHks = append(e.fetchHks, hook)
	return e, nil
}

func (e *Engine) Close() error {
	for _, hook := range e.fetchHks {
		e.mu.HookDel(hook)
	}
	return e.mu.Close()
}

func (e *Engine) Arch() emulator.Arch {
	return e.arch
}

func (e *Engine) ByteOrder() emulator.ByteOrder {
	return emulator.BO_LITTLE_ENDIAN
}

func (e *Engine) PageSize() uint64 {
	size, err := e.mu.Query(uc.QUERY_PAGE_SIZE)
	if err != nil || size == 0 {
		return 0x1000
	}
	return size
}

func toProt(prot emulator.MemProt) int {
	var p int
	if prot&emulator.MEM_PROT_READ != 0 {
		p |= uc.PROT_READ
	}
	if prot&emulator.MEM_PROT_WRITE != 0 {
		p |= uc.PROT_WRITE
	}
	if prot&emulator.MEM_PROT_EXEC != 0 {
		p |= uc.PROT_EXEC
	}
	return p
}

func fromProt(p int) emulator.MemProt {
	var prot emulator.MemProt
	if p&uc.PROT_READ != 0 {
		prot |= emulator.MEM_PROT_READ
	}
	if p&uc.PROT_WRITE != 0 {
		prot |= emulator.MEM_PROT_WRITE
	}
	if p&uc.PROT_EXEC != 0 {
		prot |= emulator.MEM_PROT_EXEC
	}
	return prot
}

func (e *Engine) MemMap(addr, size uint64, prot emulator.MemProt) error {
	return e.mu.MemMapProt(addr, size, toProt(prot))
}

func (e *Engine) MemMapPtr(addr, size uint64, prot emulator.MemProt, ptr unsafe.Pointer) error {
	if ptr == nil {
		return e.MemMap(addr, size, prot)
	}
	err := e.mu.MemMapPtr(addr, size, toProt(prot), ptr)
	if err == nil {
		e.ptrs[addr] = ptrMapping{size: size, prot: prot, ptr: ptr}
	}
	return err
}

func (e *Engine) MemMapIO(addr, size uint64, read emulator.MMIOReadCallback, write emulator.MMIOWriteCallback, data any) error {
	if err := e.mu.MemMapProt(addr, size, uc.PROT_READ|uc.PROT_WRITE); err != nil {
		return err
	}
	m := &ioMapping{size: size, read: read, write: write, data: data}
	end := addr + size - 1
	hook, err := e.mu.HookAdd(uc.HOOK_MEM_READ, func(mu uc.Unicorn, access int, at uint64, n int, value int64) {
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], m.load(at-addr, n))
		mu.MemWrite(at, word[:min(n, 8)])
	}, addr, end)
	if err == nil {
		m.hooks = append(m.hooks, hook)
		hook, err = e.mu.HookAdd(uc.HOOK_MEM_WRITE, func(mu uc.Unicorn, access int, at uint64, n int, value int64) {
			if m.write != nil {
				m.write(at-addr, n, uint64(value), m.data)
			}
		}, addr, end)
	}
	if err != nil {
		for _, hook := range m.hooks {
			e.mu.HookDel(hook)
		}
		e.mu.MemUnmap(addr, size)
		return fmt.Errorf("install io hooks: %w", err)
	}
	m.hooks = append(m.hooks, hook)
	e.io[addr] = m
	return nil
}

func (m *ioMapping) load(offset uint64, n int) uint64 {
	if m.read == nil {
		return 0
	}
	return m.read(offset, n, m.data)
}

// ioAt returns the io mapping containing [addr, addr+size).
func (e *Engine) ioAt(addr, size uint64) (uint64, *ioMapping) {
	for base, m := range e.io {
		if addr >= base && addr+size <= base+m.size {
			return base, m
		}
	}
	return 0, nil
}

func (e *Engine) MemUnmap(addr, size uint64) error {
	err := e.mu.MemUnmap(addr, size)
	if err == nil {
		delete(e.ptrs, addr)
		if m, ok := e.io[addr]; ok {
			for _, hook := range m.hooks {
				e.mu.HookDel(hook)
			}
			delete(e.io, addr)
		}
	}
	return err
}

func (e *Engine) MemProtect(addr, size uint64, prot emulator.MemProt) error {
	return e.mu.MemProtect(addr, size, toProt(prot))
}

func (e *Engine) MemRegions() ([]emulator.MemRegion, error) {
	regions, err := e.mu.MemRegions()
	if err != nil {
		return nil, err
	}
	result := make([]emulator.MemRegion, len(regions))
	for i, r := range regions {
		result[i] = emulator.MemRegion{Addr: r.Begin, Size: r.End - r.Begin + 1, Prot: fromProt(r.Prot)}
	}
	return result, nil
}

func (e *Engine) MemRead(addr, size uint64) ([]byte, error) {
	base, m := e.ioAt(addr, size)
	if m == nil {
		return e.mu.MemRead(addr, size)
	}
	buf := make([]byte, size)
	for off := uint64(0); off < size; off += 8 {
		n := min(size-off, 8)
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], m.load(addr+off-base, int(n)))
		copy(buf[off:], word[:n])
	}
	return buf, nil
}

func (e *Engine) MemWrite(addr uint64, data []byte) error {
	base, m := e.ioAt(addr, uint64(len(data)))
	if m == nil {
		return e.mu.MemWrite(addr, data)
	}
	for off := 0; off < len(data); off += 8 {
		n := min(len(data)-off, 8)
		var word [8]byte
		copy(word[:], data[off:off+n])
		if m.write != nil {
			m.write(addr+uint64(off)-base, n, binary.LittleEndian.Uint64(word[:]), m.data)
		}
	}
	return nil
}

func (e *Engine) Start(begin, until uint64) error {
	e.fetch = nil
	err := e.mu.Start(begin, until)
	if err == nil {
		return nil
	}
	var ucErr uc.UcError
	if errors.As(err, &ucErr) {
		switch ucErr {
		case uc.UcError(uc.ERR_FETCH_UNMAPPED), uc.UcError(uc.ERR_FETCH_PROT):
			fetch := e.fetch
			if fetch == nil {
				pc, _ := e.mu.RegRead(e.pcReg)
				fetch = &emulator.FetchError{Addr: pc, Prot: ucErr == uc.UcError(uc.ERR_FETCH_PROT)}
			}
			e.mu.RegWrite(e.pcReg, fetch.Addr)
			return fetch
		case uc.UcError(uc.ERR_INSN_INVALID):
			return fmt.Errorf("%w: %v", emulator.ErrInvalidInstruction, err)
		case uc.UcError(uc.ERR_READ_UNMAPPED), uc.UcError(uc.ERR_WRITE_UNMAPPED):
			return fmt.Errorf("%w: %v", emulator.ErrMemUnmapped, err)
		case uc.UcError(uc.ERR_READ_PROT), uc.UcError(uc.ERR_WRITE_PROT):
			return fmt.Errorf("%w: %v", emulator.ErrMemProtection, err)
		}
	}
	return err
}

func (e *Engine) Stop() error {
	return e.mu.Stop()
}

// InvalidateCache re-maps every mapping that intersects the range; unicorn
// drops the translation blocks of unmapped memory.
func (e *Engine) InvalidateCache(addr, size uint64) error {
	regions, err := e.mu.MemRegions()
	if err != nil {
		return err
	}
	end := addr + size
	for _, r := range regions {
		rsize := r.End - r.Begin + 1
		if r.End < addr || r.Begin >= end {
			continue
		}
		if m, ok := e.ptrs[r.Begin]; ok && m.size == rsize {
			if err = e.mu.MemUnmap(r.Begin, rsize); err != nil {
				return err
			}
			if err = e.mu.MemMapPtr(r.Begin, rsize, r.Prot, m.ptr); err != nil {
				return err
			}
			continue
		}
		data, err := e.mu.MemRead(r.Begin, rsize)
		if err != nil {
			return err
		}
		if err = e.mu.MemUnmap(r.Begin, rsize); err != nil {
			return err
		}
		if err = e.mu.MemMapProt(r.Begin, rsize, r.Prot); err != nil {
			return err
		}
		if err = e.mu.MemWrite(r.Begin, data); err != nil {
			return err
		}
	}
	return nil
}
