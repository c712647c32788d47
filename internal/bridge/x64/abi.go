package x64

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/emulator/x86"
	"github.com/wnxd/emubridge/internal/log"
)

const (
	POINTER_SIZE = 8
	STACK_ALIGN  = 16
	RED_ZONE     = 128
	REG_ARGS     = 4
	HOME_SLOTS   = 4
	INSN_MAX     = 15
)

var argRegs = []emulator.Reg{x86.X86_REG_RCX, x86.X86_REG_RDX, x86.X86_REG_R8, x86.X86_REG_R9}

var dumpRegs = []struct {
	name string
	reg  emulator.Reg
}{
	{"rax", x86.X86_REG_RAX}, {"rbx", x86.X86_REG_RBX}, {"rcx", x86.X86_REG_RCX}, {"rdx", x86.X86_REG_RDX},
	{"rsi", x86.X86_REG_RSI}, {"rdi", x86.X86_REG_RDI}, {"rbp", x86.X86_REG_RBP}, {"rsp", x86.X86_REG_RSP},
	{"r8", x86.X86_REG_R8}, {"r9", x86.X86_REG_R9}, {"r10", x86.X86_REG_R10}, {"r11", x86.X86_REG_R11},
	{"r12", x86.X86_REG_R12}, {"r13", x86.X86_REG_R13}, {"r14", x86.X86_REG_R14}, {"r15", x86.X86_REG_R15},
	{"rip", x86.X86_REG_RIP}, {"rflags", x86.X86_REG_RFLAGS},
}

// X64ABI is the Microsoft x64 calling convention used by UEFI.
type X64ABI struct{}

func NewX64ABI() bridge.ABI {
	return new(X64ABI)
}

func (X64ABI) Machine() bridge.Machine {
	return bridge.MACHINE_X64
}

func (X64ABI) Name() string {
	return "x64"
}

func (X64ABI) PC() emulator.Reg {
	return x86.X86_REG_RIP
}

func (X64ABI) SP() emulator.Reg {
	return x86.X86_REG_RSP
}

func (X64ABI) Ret() emulator.Reg {
	return x86.X86_REG_RAX
}

func (X64ABI) ReturnRegs() []emulator.Reg {
	return []emulator.Reg{x86.X86_REG_RAX}
}

func (X64ABI) MaxRegReturn() int {
	return POINTER_SIZE
}

func (X64ABI) StackAlign() uint64 {
	return STACK_ALIGN
}

func (X64ABI) RedZone() uint64 {
	return RED_ZONE
}

func (X64ABI) InsnMax() int {
	return INSN_MAX
}

// PreCall lays the stack out as a call instruction would leave it: the
// return address at [rsp], four home slots, then arguments 4 and up.
func (X64ABI) PreCall(emu emulator.Emulator, args *bridge.Args, ret uint64) error {
	err := emu.RegWriteBatch(argRegs, args[:REG_ARGS])
	if err != nil {
		return err
	}
	sp, err := emu.RegRead(x86.X86_REG_RSP)
	if err != nil {
		return err
	}
	sp = bridge.AlignDown(sp, STACK_ALIGN)
	buf := make([]byte, (1+HOME_SLOTS+bridge.MAX_ARGS-REG_ARGS)*POINTER_SIZE)
	binary.LittleEndian.PutUint64(buf, ret)
	for i := REG_ARGS; i < bridge.MAX_ARGS; i++ {
		binary.LittleEndian.PutUint64(buf[(1+HOME_SLOTS+i-REG_ARGS)*POINTER_SIZE:], args[i])
	}
	sp -= uint64(len(buf))
	err = emu.MemWrite(sp, buf)
	if err != nil {
		return err
	}
	return emu.RegWrite(x86.X86_REG_RSP, sp)
}

func (abi X64ABI) PostCall(emu emulator.Emulator, args *bridge.Args, check bool) error {
	sp, err := emu.RegRead(x86.X86_REG_RSP)
	if err != nil {
		return err
	}
	size := uint64(HOME_SLOTS+bridge.MAX_ARGS-REG_ARGS) * POINTER_SIZE
	if check {
		data, err := emu.MemRead(sp, size)
		if err != nil {
			return err
		}
		for i := REG_ARGS; i < bridge.MAX_ARGS; i++ {
			got := binary.LittleEndian.Uint64(data[(HOME_SLOTS+i-REG_ARGS)*POINTER_SIZE:])
			if got != args[i] {
				log.Warn(log.ModuleBridge, "possible arg mismatch", "machine", abi.Name(), "index", i, "got", got, "want", args[i])
			}
		}
	}
	return emu.RegWrite(x86.X86_REG_RSP, sp+size)
}

// NativeArgs spills the register arguments into the caller's home slots and
// collects the stack arguments that follow them.
func (X64ABI) NativeArgs(emu emulator.Emulator, args *bridge.Args) error {
	regs, err := emu.RegReadBatch(argRegs...)
	if err != nil {
		return err
	}
	copy(args[:REG_ARGS], regs)
	sp, err := emu.RegRead(x86.X86_REG_RSP)
	if err != nil {
		return err
	}
	home := emulator.ToPointer(emu, sp+POINTER_SIZE)
	for i, v := range regs {
		if home.Add(uint64(i)*POINTER_SIZE).SetUint64(v) != nil {
			break
		}
	}
	stack := home.Add(HOME_SLOTS * POINTER_SIZE)
	for i := REG_ARGS; i < bridge.MAX_ARGS; i++ {
		v, err := stack.Add(uint64(i-REG_ARGS) * POINTER_SIZE).Uint64()
		if err != nil {
			break
		}
		args[i] = v
	}
	return nil
}

func (X64ABI) ReturnAddress(emu emulator.Emulator) (uint64, error) {
	sp, err := emu.RegRead(x86.X86_REG_RSP)
	if err != nil {
		return 0, err
	}
	return emulator.ToPointer(emu, sp).Uint64()
}

func (abi X64ABI) NativeReturn(emu emulator.Emulator, val uint64) (uint64, error) {
	err := emu.RegWrite(x86.X86_REG_RAX, val)
	if err != nil {
		return 0, err
	}
	ret, err := abi.ReturnAddress(emu)
	if err != nil {
		return 0, err
	}
	sp, _ := emu.RegRead(x86.X86_REG_RSP)
	return ret, emu.RegWrite(x86.X86_REG_RSP, sp+POINTER_SIZE)
}

// IndirectResult is the hidden result pointer, passed as the first argument.
func (X64ABI) IndirectResult(emu emulator.Emulator) (uint64, error) {
	return emu.RegRead(x86.X86_REG_RCX)
}

func (X64ABI) Registers(emu emulator.Emulator) ([]any, error) {
	regs := make([]emulator.Reg, len(dumpRegs))
	for i, r := range dumpRegs {
		regs[i] = r.reg
	}
	vals, err := emu.RegReadBatch(regs...)
	if err != nil {
		return nil, err
	}
	kv := make([]any, 0, len(vals)*2)
	for i, r := range dumpRegs {
		kv = append(kv, r.name, fmt.Sprintf("%016X", vals[i]))
	}
	return kv, nil
}

func (X64ABI) Disassemble(code []byte, pc uint64) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "(bad)"
	}
	return x86asm.GNUSyntax(inst, pc, nil)
}
