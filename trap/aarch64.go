package trap

import "github.com/wnxd/emubridge/internal/log"

const EXCEPT_AARCH64_SYNCHRONOUS_EXCEPTIONS = 0

const (
	ESR_EC_SHIFT    = 26
	ESR_EC_IABT_EL  = 0x21
	ESR_EC_PC_ALIGN = 0x22
	ESR_IFSC_MASK   = 0x3c
	ESR_IFSC_PERM   = 0xc
)

// AArch64Context is the register state saved by a synchronous exception.
// X[30] is the link register.
type AArch64Context struct {
	X   [31]uint64
	SP  uint64
	ELR uint64
	ESR uint64
	FAR uint64
}

// handleAArch64 takes instruction permission faults and PC alignment faults
// whose ELR lies in an emulated image.
func (b *Bridge) handleAArch64(vector int, v any) {
	ctx, ok := v.(*AArch64Context)
	if !ok {
		log.Error(log.ModuleTrap, "unexpected exception context", "vector", vector)
		return
	}
	ec := ctx.ESR >> ESR_EC_SHIFT
	if (ec == ESR_EC_IABT_EL && ctx.ESR&ESR_IFSC_MASK == ESR_IFSC_PERM) || ec == ESR_EC_PC_ALIGN {
		if img := b.find(ctx.ELR); img != nil {
			log.Trace(log.ModuleTrap, "redirecting native call", "machine", img.Machine(), "target", ctx.ELR)
			ctx.X[16] = ctx.ELR
			ctx.X[17] = img.Base()
			ctx.ELR = b.opts.Trampoline
			return
		}
	}
	b.unhandled(vector, ctx, ctx.ELR, ctx.X[30])
}
