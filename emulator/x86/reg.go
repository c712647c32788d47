package x86

import "github.com/wnxd/emubridge/emulator"

const (
	X86_REG_INVALID emulator.Reg = iota
	X86_REG_RAX
	X86_REG_RCX
	X86_REG_RDX
	X86_REG_RBX
	X86_REG_RSP
	X86_REG_RBP
	X86_REG_RSI
	X86_REG_RDI
	X86_REG_R8
	X86_REG_R9
	X86_REG_R10
	X86_REG_R11
	X86_REG_R12
	X86_REG_R13
	X86_REG_R14
	X86_REG_R15
	X86_REG_RIP
	X86_REG_RFLAGS
	X86_REG_ENDING
)
