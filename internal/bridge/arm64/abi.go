package arm64

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	emu_arm64 "github.com/wnxd/emubridge/emulator/arm64"
	"github.com/wnxd/emubridge/internal/log"
)

const (
	POINTER_SIZE = 8
	STACK_ALIGN  = 16
	RED_ZONE     = 128
	REG_ARGS     = 8
	INSN_SIZE    = 4
)

var argRegs = []emulator.Reg{
	emu_arm64.ARM64_REG_X0, emu_arm64.ARM64_REG_X1, emu_arm64.ARM64_REG_X2, emu_arm64.ARM64_REG_X3,
	emu_arm64.ARM64_REG_X4, emu_arm64.ARM64_REG_X5, emu_arm64.ARM64_REG_X6, emu_arm64.ARM64_REG_X7,
}

// Arm64ABI is the AAPCS64 procedure call standard.
type Arm64ABI struct{}

func NewArm64ABI() bridge.ABI {
	return new(Arm64ABI)
}

func (Arm64ABI) Machine() bridge.Machine {
	return bridge.MACHINE_AARCH64
}

func (Arm64ABI) Name() string {
	return "AArch64"
}

func (Arm64ABI) PC() emulator.Reg {
	return emu_arm64.ARM64_REG_PC
}

func (Arm64ABI) SP() emulator.Reg {
	return emu_arm64.ARM64_REG_SP
}

func (Arm64ABI) Ret() emulator.Reg {
	return emu_arm64.ARM64_REG_X0
}

func (Arm64ABI) ReturnRegs() []emulator.Reg {
	return []emulator.Reg{emu_arm64.ARM64_REG_X0, emu_arm64.ARM64_REG_X1}
}

func (Arm64ABI) MaxRegReturn() int {
	return 2 * POINTER_SIZE
}

func (Arm64ABI) StackAlign() uint64 {
	return STACK_ALIGN
}

func (Arm64ABI) RedZone() uint64 {
	return RED_ZONE
}

func (Arm64ABI) InsnMax() int {
	return INSN_SIZE
}

func (Arm64ABI) PreCall(emu emulator.Emulator, args *bridge.Args, ret uint64) error {
	err := emu.RegWriteBatch(argRegs, args[:REG_ARGS])
	if err != nil {
		return err
	}
	sp, err := emu.RegRead(emu_arm64.ARM64_REG_SP)
	if err != nil {
		return err
	}
	buf := make([]byte, (bridge.MAX_ARGS-REG_ARGS)*POINTER_SIZE)
	for i := REG_ARGS; i < bridge.MAX_ARGS; i++ {
		binary.LittleEndian.PutUint64(buf[(i-REG_ARGS)*POINTER_SIZE:], args[i])
	}
	sp = bridge.AlignDown(sp, STACK_ALIGN) - uint64(len(buf))
	err = emu.MemWrite(sp, buf)
	if err != nil {
		return err
	}
	return emu.RegWriteBatch([]emulator.Reg{emu_arm64.ARM64_REG_SP, emu_arm64.ARM64_REG_LR}, []uint64{sp, ret})
}

func (abi Arm64ABI) PostCall(emu emulator.Emulator, args *bridge.Args, check bool) error {
	sp, err := emu.RegRead(emu_arm64.ARM64_REG_SP)
	if err != nil {
		return err
	}
	size := uint64(bridge.MAX_ARGS-REG_ARGS) * POINTER_SIZE
	if check {
		data, err := emu.MemRead(sp, size)
		if err != nil {
			return err
		}
		for i := REG_ARGS; i < bridge.MAX_ARGS; i++ {
			got := binary.LittleEndian.Uint64(data[(i-REG_ARGS)*POINTER_SIZE:])
			if got != args[i] {
				log.Warn(log.ModuleBridge, "possible arg mismatch", "machine", abi.Name(), "index", i, "got", got, "want", args[i])
			}
		}
	}
	return emu.RegWrite(emu_arm64.ARM64_REG_SP, sp+size)
}

func (Arm64ABI) NativeArgs(emu emulator.Emulator, args *bridge.Args) error {
	regs, err := emu.RegReadBatch(argRegs...)
	if err != nil {
		return err
	}
	copy(args[:REG_ARGS], regs)
	sp, err := emu.RegRead(emu_arm64.ARM64_REG_SP)
	if err != nil {
		return err
	}
	stack := emulator.ToPointer(emu, sp)
	for i := REG_ARGS; i < bridge.MAX_ARGS; i++ {
		v, err := stack.Add(uint64(i-REG_ARGS) * POINTER_SIZE).Uint64()
		if err != nil {
			break
		}
		args[i] = v
	}
	return nil
}

func (Arm64ABI) ReturnAddress(emu emulator.Emulator) (uint64, error) {
	return emu.RegRead(emu_arm64.ARM64_REG_LR)
}

func (Arm64ABI) NativeReturn(emu emulator.Emulator, val uint64) (uint64, error) {
	err := emu.RegWrite(emu_arm64.ARM64_REG_X0, val)
	if err != nil {
		return 0, err
	}
	return emu.RegRead(emu_arm64.ARM64_REG_LR)
}

// IndirectResult is x8, the indirect result location register.
func (Arm64ABI) IndirectResult(emu emulator.Emulator) (uint64, error) {
	return emu.RegRead(emu_arm64.ARM64_REG_X8)
}

func (Arm64ABI) Registers(emu emulator.Emulator) ([]any, error) {
	regs := make([]emulator.Reg, 0, 34)
	for i := range 31 {
		regs = append(regs, emu_arm64.ARM64_REG_X0+emulator.Reg(i))
	}
	regs = append(regs, emu_arm64.ARM64_REG_SP, emu_arm64.ARM64_REG_PC, emu_arm64.ARM64_REG_NZCV)
	vals, err := emu.RegReadBatch(regs...)
	if err != nil {
		return nil, err
	}
	kv := make([]any, 0, len(vals)*2)
	for i, v := range vals {
		var name string
		switch regs[i] {
		case emu_arm64.ARM64_REG_SP:
			name = "sp"
		case emu_arm64.ARM64_REG_PC:
			name = "pc"
		case emu_arm64.ARM64_REG_NZCV:
			name = "nzcv"
		default:
			name = fmt.Sprintf("x%d", i)
		}
		kv = append(kv, name, fmt.Sprintf("%016X", v))
	}
	return kv, nil
}

func (Arm64ABI) Disassemble(code []byte, pc uint64) string {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return "(bad)"
	}
	return arm64asm.GNUSyntax(inst)
}
