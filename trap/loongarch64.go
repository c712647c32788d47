package trap

import "github.com/wnxd/emubridge/internal/log"

const (
	EXCEPT_LOONGARCH_PNX = 6
	EXCEPT_LOONGARCH_ADE = 8
	CSR_ESTAT_EXC_SHIFT  = 16
)

// LoongArch64Context is the register state saved by an exception. R[1] is
// the return address and R[3] the stack pointer.
type LoongArch64Context struct {
	R     [32]uint64
	ERA   uint64
	ESTAT uint64
	BADV  uint64
}

// handleLoongArch64 only runs for the page-not-executable and address
// error vectors, so an ERA inside an image is enough to redirect.
func (b *Bridge) handleLoongArch64(vector int, v any) {
	ctx, ok := v.(*LoongArch64Context)
	if !ok {
		log.Error(log.ModuleTrap, "unexpected exception context", "vector", vector)
		return
	}
	if img := b.find(ctx.ERA); img != nil {
		log.Trace(log.ModuleTrap, "redirecting native call", "machine", img.Machine(), "target", ctx.ERA)
		ctx.R[12] = ctx.ERA
		ctx.R[13] = img.Base()
		ctx.ERA = b.opts.Trampoline
		return
	}
	b.unhandled(vector, ctx, ctx.ERA, ctx.R[1])
}
