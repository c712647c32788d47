package trap

import (
	"encoding/binary"

	"golang.org/x/arch/riscv64/riscv64asm"

	"github.com/wnxd/emubridge/internal/log"
)

const (
	EXCEPT_RISCV_INST_ADDR_MISALIGNED    = 0
	EXCEPT_RISCV_ILLEGAL_INST            = 2
	EXCEPT_RISCV_INST_ACCESS_PAGE_FAULT  = 12
	EXCEPT_RISCV_LOAD_ACCESS_PAGE_FAULT  = 13
	EXCEPT_RISCV_STORE_ACCESS_PAGE_FAULT = 15
)

// RiscV64Context is the register state saved by a trap. X[0] reads as zero,
// X[1] is the return address and X[2] the stack pointer.
type RiscV64Context struct {
	X      [32]uint64
	SEPC   uint64
	SCAUSE uint64
	STVAL  uint64
}

func (b *Bridge) supportedRiscV64(vector int) bool {
	switch vector {
	case EXCEPT_RISCV_INST_ACCESS_PAGE_FAULT:
		return true
	case EXCEPT_RISCV_ILLEGAL_INST, EXCEPT_RISCV_INST_ADDR_MISALIGNED:
		return b.opts.NoMMU
	}
	return false
}

// recoverTarget rebuilds the exact call target from the jalr or c.jalr that
// precedes the return address. SEPC has its low bits cleared, so it only
// identifies the target up to instruction alignment.
func (b *Bridge) recoverTarget(ctx *RiscV64Context) (uint64, error) {
	ra := ctx.X[1]
	inst, err := b.decodeRiscV64(ra - 4)
	if err != nil || inst.Len != 4 {
		inst, err = b.decodeRiscV64(ra - 2)
		if err == nil && inst.Len != 2 {
			log.Error(log.ModuleTrap, "could not find call before return address", "ra", ra)
			return 0, ErrNoCall
		}
	}
	if err != nil {
		log.Error(log.ModuleTrap, "unknown call instruction", "addr", ra-2, "err", err)
		return 0, ErrNoCall
	}
	addr := ra - uint64(inst.Len)
	link, _ := inst.Args[0].(riscv64asm.Reg)
	mem, ok := inst.Args[1].(riscv64asm.RegOffset)
	if inst.Op != riscv64asm.JALR || link != riscv64asm.X1 || !ok {
		log.Error(log.ModuleTrap, "unknown call instruction", "insn", inst.Enc, "addr", addr)
		return 0, ErrNoCall
	}
	target := ctx.X[mem.OfsReg-riscv64asm.X0] + uint64(int64(mem.Ofs.Imm))
	match := target&^1 == ctx.SEPC
	if inst.Len == 4 {
		match = match || target&^3 == ctx.SEPC
	}
	if !match {
		log.Error(log.ModuleTrap, "call target does not match SEPC", "target", target, "sepc", ctx.SEPC, "insn", inst.Enc, "ra", ra)
		return 0, ErrTargetMismatch
	}
	return target, nil
}

func (b *Bridge) decodeRiscV64(addr uint64) (riscv64asm.Inst, error) {
	word, err := b.read(addr, 4)
	if err != nil {
		return riscv64asm.Inst{}, err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(word))
	return riscv64asm.Decode(buf[:])
}

func (b *Bridge) handleRiscV64(vector int, v any) {
	ctx, ok := v.(*RiscV64Context)
	if !ok {
		log.Error(log.ModuleTrap, "unexpected exception context", "vector", vector)
		return
	}
	img := b.find(ctx.SEPC)
	if img != nil && b.supportedRiscV64(vector) {
		target, err := b.recoverTarget(ctx)
		if err == nil {
			log.Trace(log.ModuleTrap, "redirecting native call", "machine", img.Machine(), "target", target)
			ctx.X[5] = target
			ctx.X[6] = img.Base()
			ctx.SEPC = b.opts.Trampoline
			return
		}
		img = nil
	}
	if img != nil {
		log.Error(log.ModuleTrap, "executed emulated code as RISC-V code, host MMU is not configured", "machine", img.Machine(), "sepc", ctx.SEPC)
	}
	b.unhandled(vector, ctx, ctx.SEPC, ctx.X[1])
}
