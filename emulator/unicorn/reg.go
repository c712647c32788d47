//go:build unicorn

package unicorn

import (
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/emulator/arm64"
	"github.com/wnxd/emubridge/emulator/x86"
)

var x86Regs = map[emulator.Reg]int{
	x86.X86_REG_RAX:    uc.X86_REG_RAX,
	x86.X86_REG_RCX:    uc.X86_REG_RCX,
	x86.X86_REG_RDX:    uc.X86_REG_RDX,
	x86.X86_REG_RBX:    uc.X86_REG_RBX,
	x86.X86_REG_RSP:    uc.X86_REG_RSP,
	x86.X86_REG_RBP:    uc.X86_REG_RBP,
	x86.X86_REG_RSI:    uc.X86_REG_RSI,
	x86.X86_REG_RDI:    uc.X86_REG_RDI,
	x86.X86_REG_R8:     uc.X86_REG_R8,
	x86.X86_REG_R9:     uc.X86_REG_R9,
	x86.X86_REG_R10:    uc.X86_REG_R10,
	x86.X86_REG_R11:    uc.X86_REG_R11,
	x86.X86_REG_R12:    uc.X86_REG_R12,
	x86.X86_REG_R13:    uc.X86_REG_R13,
	x86.X86_REG_R14:    uc.X86_REG_R14,
	x86.X86_REG_R15:    uc.X86_REG_R15,
	x86.X86_REG_RIP:    uc.X86_REG_RIP,
	x86.X86_REG_RFLAGS: uc.X86_REG_RFLAGS,
}

var arm64Regs = func() map[emulator.Reg]int {
	regs := map[emulator.Reg]int{
		arm64.ARM64_REG_X29:  uc.ARM64_REG_X29,
		arm64.ARM64_REG_X30:  uc.ARM64_REG_X30,
		arm64.ARM64_REG_SP:   uc.ARM64_REG_SP,
		arm64.ARM64_REG_PC:   uc.ARM64_REG_PC,
		arm64.ARM64_REG_NZCV: uc.ARM64_REG_NZCV,
	}
	for i := 0; i <= 28; i++ {
		regs[arm64.ARM64_REG_X0+emulator.Reg(i)] = uc.ARM64_REG_X0 + i
	}
	return regs
}()

func (e *Engine) ucReg(reg emulator.Reg) (int, error) {
	if r, ok := e.regs[reg]; ok {
		return r, nil
	}
	return 0, ErrRegInvalid
}

func (e *Engine) RegRead(reg emulator.Reg) (uint64, error) {
	r, err := e.ucReg(reg)
	if err != nil {
		return 0, err
	}
	return e.mu.RegRead(r)
}

func (e *Engine) RegWrite(reg emulator.Reg, value uint64) error {
	r, err := e.ucReg(reg)
	if err != nil {
		return err
	}
	return e.mu.RegWrite(r, value)
}

func (e *Engine) ucRegs(regs []emulator.Reg) ([]int, error) {
	ids := make([]int, len(regs))
	for i, reg := range regs {
		r, err := e.ucReg(reg)
		if err != nil {
			return nil, err
		}
		ids[i] = r
	}
	return ids, nil
}

func (e *Engine) RegReadBatch(regs ...emulator.Reg) ([]uint64, error) {
	ids, err := e.ucRegs(regs)
	if err != nil {
		return nil, err
	}
	return e.mu.RegReadBatch(ids)
}

func (e *Engine) RegWriteBatch(regs []emulator.Reg, vals []uint64) error {
	ids, err := e.ucRegs(regs)
	if err != nil {
		return err
	}
	return e.mu.RegWriteBatch(ids, vals)
}
