// Package sim is a deterministic block-level engine. Guest code is a set of
// Go blocks placed at guest addresses; each block runs to completion and
// returns the address of the next block, which keeps the exit semantics of a
// translating engine without generating any host code.
package sim

import (
	"errors"
	"fmt"

	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/emulator/arm64"
	"github.com/wnxd/emubridge/emulator/x86"
)

const (
	PAGE_SIZE = 0x1000
	REG_COUNT = 64
)

var ErrRegInvalid = errors.New("register invalid")

// Block executes guest code at the machine's current program counter and
// returns the next program counter.
type Block func(m *Machine) (uint64, error)

type Engine struct {
	arch     emulator.Arch
	pageSize uint64
	pcReg    emulator.Reg
	spReg    emulator.Reg
	insnSize uint64
	regs     [REG_COUNT]uint64
	mem      memory
	code     map[uint64]Block
	hooks    []*hook
	stop     bool
	closed   bool
	steps    uint64
	flushed  []emulator.MemRegion
}

type Option func(*Engine)

func WithPageSize(size uint64) Option {
	return func(e *Engine) {
		e.pageSize = size
	}
}

func init() {
	emulator.RegisterBackend("sim", func(arch emulator.Arch) (emulator.Emulator, error) {
		return New(arch)
	})
}

func New(arch emulator.Arch, opts ...Option) (*Engine, error) {
	e := &Engine{arch: arch, pageSize: PAGE_SIZE, code: make(map[uint64]Block)}
	switch arch {
	case emulator.ARCH_X86_64:
		e.pcReg, e.spReg, e.insnSize = x86.X86_REG_RIP, x86.X86_REG_RSP, 1
	case emulator.ARCH_ARM64:
		e.pcReg, e.spReg, e.insnSize = arm64.ARM64_REG_PC, arm64.ARM64_REG_SP, 4
	default:
		return nil, emulator.ErrArchUnsupported
	}
	for _, opt := range opts {
		opt(e)
	}
	e.mem.pageSize = e.pageSize
	return e, nil
}

func (e *Engine) Close() error {
	e.closed = true
	e.code = nil
	e.hooks = nil
	e.mem.regions = nil
	return nil
}

func (e *Engine) Arch() emulator.Arch {
	return e.arch
}

func (e *Engine) ByteOrder() emulator.ByteOrder {
	return emulator.BO_LITTLE_ENDIAN
}

func (e *Engine) PageSize() uint64 {
	return e.pageSize
}

// InsnSize is the distance between consecutive blocks placed by Define.
func (e *Engine) InsnSize() uint64 {
	return e.insnSize
}

// Steps is the number of blocks executed since the engine was created.
func (e *Engine) Steps() uint64 {
	return e.steps
}

// Define places blocks at consecutive instruction slots starting at addr.
func (e *Engine) Define(addr uint64, blocks ...Block) uint64 {
	for _, block := range blocks {
		e.code[addr] = block
		addr += e.insnSize
	}
	return addr
}

func (e *Engine) Undefine(addr uint64) {
	delete(e.code, addr)
}

func (e *Engine) RegRead(reg emulator.Reg) (uint64, error) {
	if reg <= 0 || reg >= REG_COUNT {
		return 0, ErrRegInvalid
	}
	return e.regs[reg], nil
}

func (e *Engine) RegWrite(reg emulator.Reg, value uint64) error {
	if reg <= 0 || reg >= REG_COUNT {
		return ErrRegInvalid
	}
	e.regs[reg] = value
	return nil
}

func (e *Engine) RegReadBatch(regs ...emulator.Reg) ([]uint64, error) {
	return regReadBatch(&e.regs, regs)
}

func (e *Engine) RegWriteBatch(regs []emulator.Reg, vals []uint64) error {
	return regWriteBatch(&e.regs, regs, vals)
}

func (e *Engine) Start(begin, until uint64) error {
	if e.closed {
		return emulator.ErrEmulatorClosed
	}
	e.stop = false
	m := &Machine{e: e}
	pc := begin
	for {
		e.regs[e.pcReg] = pc
		if pc == until {
			return nil
		}
		if err := e.fetch(pc); err != nil {
			return err
		}
		block, ok := e.code[pc]
		if !ok {
			e.fireInvalid()
			return fmt.Errorf("%w at %#x", emulator.ErrInvalidInstruction, pc)
		}
		e.fireCode(pc)
		if e.stop {
			e.stop = false
			return nil
		}
		m.pc, m.fault = pc, nil
		next, err := block(m)
		e.steps++
		if m.fault != nil {
			return m.fault
		} else if err != nil {
			return err
		}
		pc = next
		if e.stop {
			e.stop = false
			e.regs[e.pcReg] = pc
			return nil
		}
	}
}

func (e *Engine) Stop() error {
	e.stop = true
	return nil
}

func (e *Engine) InvalidateCache(addr, size uint64) error {
	e.flushed = append(e.flushed, emulator.MemRegion{Addr: addr, Size: size})
	return nil
}

// Invalidated lists the ranges passed to InvalidateCache.
func (e *Engine) Invalidated() []emulator.MemRegion {
	return e.flushed
}

func (e *Engine) fetch(pc uint64) error {
	prot, ok := e.mem.prot(pc)
	if !ok {
		e.fireMemInvalid(emulator.HOOK_TYPE_MEM_FETCH_UNMAPPED, pc, e.insnSize, 0)
		return &emulator.FetchError{Addr: pc}
	} else if prot&emulator.MEM_PROT_EXEC == 0 {
		e.fireMemInvalid(emulator.HOOK_TYPE_MEM_FETCH_PROT, pc, e.insnSize, 0)
		return &emulator.FetchError{Addr: pc, Prot: true}
	}
	return nil
}

func regReadBatch(file *[REG_COUNT]uint64, regs []emulator.Reg) ([]uint64, error) {
	vals := make([]uint64, len(regs))
	for i, reg := range regs {
		if reg <= 0 || reg >= REG_COUNT {
			return nil, ErrRegInvalid
		}
		vals[i] = file[reg]
	}
	return vals, nil
}

func regWriteBatch(file *[REG_COUNT]uint64, regs []emulator.Reg, vals []uint64) error {
	if len(regs) != len(vals) {
		return ErrRegInvalid
	}
	for i, reg := range regs {
		if reg <= 0 || reg >= REG_COUNT {
			return ErrRegInvalid
		}
		file[reg] = vals[i]
	}
	return nil
}
