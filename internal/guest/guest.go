// Package guest provides the calling-convention glue that sim blocks use to
// behave like compiled x64 and AArch64 functions.
package guest

import (
	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/emulator/arm64"
	"github.com/wnxd/emubridge/emulator/sim"
	"github.com/wnxd/emubridge/emulator/x86"
)

const (
	x64Frame   = 0x88
	arm64Frame = 0x50
)

var (
	x64Args   = []emulator.Reg{x86.X86_REG_RCX, x86.X86_REG_RDX, x86.X86_REG_R8, x86.X86_REG_R9}
	arm64Args = []emulator.Reg{
		arm64.ARM64_REG_X0, arm64.ARM64_REG_X1, arm64.ARM64_REG_X2, arm64.ARM64_REG_X3,
		arm64.ARM64_REG_X4, arm64.ARM64_REG_X5, arm64.ARM64_REG_X6, arm64.ARM64_REG_X7,
	}
)

// Arg reads argument i on entry to a function, before its frame changes.
func Arg(m *sim.Machine, i int) uint64 {
	if m.Arch() == emulator.ARCH_ARM64 {
		if i < len(arm64Args) {
			return m.Reg(arm64Args[i])
		}
		return m.Load64(m.SP() + uint64(i-len(arm64Args))*8)
	}
	if i < len(x64Args) {
		return m.Reg(x64Args[i])
	}
	return m.Load64(m.SP() + 0x28 + uint64(i-len(x64Args))*8)
}

func Args(m *sim.Machine) *bridge.Args {
	var args bridge.Args
	for i := range args {
		args[i] = Arg(m, i)
	}
	return &args
}

// Call builds an outgoing call frame for args and jumps to target. The
// callee returns to the slot after the current block, which must finish the
// call with Result. A nil args passes zeros.
func Call(m *sim.Machine, target uint64, args *bridge.Args) uint64 {
	if args == nil {
		args = new(bridge.Args)
	}
	if m.Arch() == emulator.ARCH_ARM64 {
		sp := m.SP() - arm64Frame
		m.Store64(sp+0x40, m.Reg(arm64.ARM64_REG_LR))
		for i := len(arm64Args); i < bridge.MAX_ARGS; i++ {
			m.Store64(sp+uint64(i-len(arm64Args))*8, args[i])
		}
		m.SetSP(sp)
		for i, reg := range arm64Args {
			m.SetReg(reg, args[i])
		}
		return m.Call(target, m.Next())
	}
	sp := m.SP() - x64Frame
	for i := len(x64Args); i < bridge.MAX_ARGS; i++ {
		m.Store64(sp+0x20+uint64(i-len(x64Args))*8, args[i])
	}
	m.SetSP(sp)
	for i, reg := range x64Args {
		m.SetReg(reg, args[i])
	}
	return m.Call(target, m.Next())
}

// Result tears down the frame Call built and returns the callee's result.
func Result(m *sim.Machine) uint64 {
	if m.Arch() == emulator.ARCH_ARM64 {
		sp := m.SP()
		m.SetReg(arm64.ARM64_REG_LR, m.Load64(sp+0x40))
		m.SetSP(sp + arm64Frame)
		return m.Reg(arm64.ARM64_REG_X0)
	}
	m.SetSP(m.SP() + x64Frame)
	return m.Reg(x86.X86_REG_RAX)
}

// ResultPair is Result for callees that return two registers.
func ResultPair(m *sim.Machine) (uint64, uint64) {
	lo := Result(m)
	if m.Arch() == emulator.ARCH_ARM64 {
		return lo, m.Reg(arm64.ARM64_REG_X1)
	}
	return lo, 0
}

// Return leaves the current function with val.
func Return(m *sim.Machine, val uint64) uint64 {
	if m.Arch() == emulator.ARCH_ARM64 {
		m.SetReg(arm64.ARM64_REG_X0, val)
	} else {
		m.SetReg(x86.X86_REG_RAX, val)
	}
	return m.Ret()
}

func ReturnPair(m *sim.Machine, lo, hi uint64) uint64 {
	if m.Arch() == emulator.ARCH_ARM64 {
		m.SetReg(arm64.ARM64_REG_X1, hi)
	}
	return Return(m, lo)
}

// Scratch is a callee-saved register the caller may rely on across calls.
func Scratch(arch emulator.Arch) emulator.Reg {
	if arch == emulator.ARCH_ARM64 {
		return arm64.ARM64_REG_X19
	}
	return x86.X86_REG_RBX
}
