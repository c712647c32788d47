package sim

import (
	"encoding/binary"

	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/emulator/arm64"
)

// Machine is the view a Block has of the engine. Memory accesses go through
// permission checks and hooks; the first fault is latched and ends the run
// once the block returns.
type Machine struct {
	e     *Engine
	pc    uint64
	fault error
}

func (m *Machine) Arch() emulator.Arch {
	return m.e.arch
}

func (m *Machine) PC() uint64 {
	return m.pc
}

// Next is the address of the slot following the current block.
func (m *Machine) Next() uint64 {
	return m.pc + m.e.insnSize
}

func (m *Machine) Fault() error {
	return m.fault
}

func (m *Machine) Reg(reg emulator.Reg) uint64 {
	val, err := m.e.RegRead(reg)
	m.latch(err)
	return val
}

func (m *Machine) SetReg(reg emulator.Reg, val uint64) {
	m.latch(m.e.RegWrite(reg, val))
}

func (m *Machine) SP() uint64 {
	return m.e.regs[m.e.spReg]
}

func (m *Machine) SetSP(val uint64) {
	m.e.regs[m.e.spReg] = val
}

func (m *Machine) latch(err error) {
	if err != nil && m.fault == nil {
		m.fault = err
	}
}

func (m *Machine) Load(addr uint64, size int) uint64 {
	if m.fault != nil {
		return 0
	}
	if err := m.e.mem.check(addr, size, emulator.MEM_PROT_READ); err != nil {
		if !m.e.retryInvalid(emulator.HOOK_TYPE_MEM_READ, err, addr, size, 0) {
			m.latch(&emulator.MemoryError{Type: emulator.HOOK_TYPE_MEM_READ, Addr: addr, Size: uint64(size), Err: err})
			return 0
		}
	}
	var buf [8]byte
	m.e.mem.read(addr, buf[:size])
	val := binary.LittleEndian.Uint64(buf[:])
	m.e.fireMem(emulator.HOOK_TYPE_MEM_READ, addr, uint64(size), val)
	return val
}

func (m *Machine) Store(addr uint64, size int, val uint64) {
	if m.fault != nil {
		return
	}
	if err := m.e.mem.check(addr, size, emulator.MEM_PROT_WRITE); err != nil {
		if !m.e.retryInvalid(emulator.HOOK_TYPE_MEM_WRITE, err, addr, size, val) {
			m.latch(&emulator.MemoryError{Type: emulator.HOOK_TYPE_MEM_WRITE, Addr: addr, Size: uint64(size), Err: err})
			return
		}
	}
	m.e.fireMem(emulator.HOOK_TYPE_MEM_WRITE, addr, uint64(size), val)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	m.e.mem.write(addr, buf[:size])
}

func (m *Machine) Load64(addr uint64) uint64 {
	return m.Load(addr, 8)
}

func (m *Machine) Store64(addr, val uint64) {
	m.Store(addr, 8, val)
}

func (m *Machine) Push(val uint64) {
	sp := m.SP() - 8
	m.Store64(sp, val)
	m.SetSP(sp)
}

func (m *Machine) Pop() uint64 {
	sp := m.SP()
	val := m.Load64(sp)
	m.SetSP(sp + 8)
	return val
}

// Call transfers control to target with ret as the return address, using
// the call convention of the engine's architecture.
func (m *Machine) Call(target, ret uint64) uint64 {
	if m.e.arch == emulator.ARCH_ARM64 {
		m.SetReg(arm64.ARM64_REG_LR, ret)
	} else {
		m.Push(ret)
	}
	return target
}

func (m *Machine) Ret() uint64 {
	if m.e.arch == emulator.ARCH_ARM64 {
		return m.Reg(arm64.ARM64_REG_LR)
	}
	return m.Pop()
}

func (m *Machine) In(port uint32, size int) uint32 {
	return m.e.firePortIn(port, size)
}

func (m *Machine) Out(port uint32, size int, val uint32) {
	m.e.firePortOut(port, size, val)
}

func (m *Machine) Interrupt(intno uint64) {
	m.e.fireIntr(intno)
}
