// Package trap redirects native attempts to execute emulated code. The
// firmware raises a synchronous exception when native code branches into an
// image that is not executable on the host; the handlers here recognise the
// fault, stash the call target and send the exception return to the
// trampoline, which runs the target through the bridge.
package trap

import (
	"encoding/binary"
	"errors"
	"io"
	"slices"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/firmware"
	"github.com/wnxd/emubridge/internal/log"
)

var (
	ErrMachineUnsupported = errors.New("trap machine unsupported")
	ErrContextType        = errors.New("trap context type mismatch")
	ErrNoCall             = errors.New("no call before return address")
	ErrTargetMismatch     = errors.New("call target does not match trap pc")
)

// Resolver is the part of the bridge the trap handlers need.
type Resolver interface {
	FindImage(addr uint64) (bridge.Image, error)
	RunFunc(machine bridge.Machine, pc uint64, args *bridge.Args) (uint64, error)
	Dump()
}

type Range struct {
	Base, Size uint64
}

func (r Range) Contains(addr uint64) bool {
	return r.Size != 0 && addr >= r.Base && addr-r.Base < r.Size
}

type Options struct {
	// Machine is the host architecture whose exceptions are handled.
	Machine  bridge.Machine
	Resolver Resolver
	// Memory reads host instructions and stack words.
	Memory     io.ReaderAt
	Trampoline uint64
	// CodeGen and Driver only feed diagnostics.
	CodeGen Range
	Driver  Range
	// NoMMU also takes the illegal-instruction and misaligned-fetch traps
	// that a host without page protection raises instead.
	NoMMU    bool
	Fallback firmware.ExceptionHandler
}

type Bridge struct {
	opts      Options
	installed []int
}

func New(opts Options) (*Bridge, error) {
	switch opts.Machine {
	case bridge.MACHINE_AARCH64, bridge.MACHINE_RISCV64, bridge.MACHINE_LOONGARCH64:
	default:
		return nil, ErrMachineUnsupported
	}
	return &Bridge{opts: opts}, nil
}

// Vectors lists the exception vectors Install registers.
func (b *Bridge) Vectors() []int {
	switch b.opts.Machine {
	case bridge.MACHINE_AARCH64:
		return []int{EXCEPT_AARCH64_SYNCHRONOUS_EXCEPTIONS}
	case bridge.MACHINE_RISCV64:
		vectors := []int{
			EXCEPT_RISCV_STORE_ACCESS_PAGE_FAULT,
			EXCEPT_RISCV_LOAD_ACCESS_PAGE_FAULT,
			EXCEPT_RISCV_INST_ACCESS_PAGE_FAULT,
			EXCEPT_RISCV_ILLEGAL_INST,
		}
		if b.opts.NoMMU {
			vectors = append(vectors, EXCEPT_RISCV_INST_ADDR_MISALIGNED)
		}
		return vectors
	case bridge.MACHINE_LOONGARCH64:
		return []int{
			EXCEPT_LOONGARCH_PNX << CSR_ESTAT_EXC_SHIFT,
			EXCEPT_LOONGARCH_ADE << CSR_ESTAT_EXC_SHIFT,
		}
	}
	return nil
}

// Handler is the exception handler for the host machine.
func (b *Bridge) Handler() firmware.ExceptionHandler {
	switch b.opts.Machine {
	case bridge.MACHINE_AARCH64:
		return b.handleAArch64
	case bridge.MACHINE_RISCV64:
		return b.handleRiscV64
	}
	return b.handleLoongArch64
}

// Install registers the handler on every vector. A failed registration
// undoes the ones before it.
func (b *Bridge) Install(reg firmware.ExceptionRegistrar) error {
	handler := b.Handler()
	for _, vector := range b.Vectors() {
		err := reg.RegisterInterruptHandler(vector, handler)
		if err != nil {
			log.Error(log.ModuleTrap, "RegisterInterruptHandler failed", "vector", vector, "err", err)
			b.Uninstall(reg)
			return err
		}
		b.installed = append(b.installed, vector)
	}
	return nil
}

func (b *Bridge) Uninstall(reg firmware.ExceptionRegistrar) error {
	var errs []error
	for _, vector := range slices.Backward(b.installed) {
		errs = append(errs, reg.RegisterInterruptHandler(vector, nil))
	}
	b.installed = nil
	return errors.Join(errs...)
}

func (b *Bridge) find(addr uint64) bridge.Image {
	img, err := b.opts.Resolver.FindImage(addr)
	if err != nil {
		return nil
	}
	return img
}

// unhandled logs what is known about pc and passes the exception on.
func (b *Bridge) unhandled(vector int, ctx any, pc, ret uint64) {
	if b.opts.CodeGen.Contains(pc) {
		log.Error(log.ModuleTrap, "Exception occurred in translated code", "vector", vector, "pc", pc)
	}
	if b.opts.Driver.Contains(pc) {
		log.Error(log.ModuleTrap, "Exception occurred in driver", "vector", vector, "pc", pc-b.opts.Driver.Base, "ret", ret-b.opts.Driver.Base)
	}
	b.opts.Resolver.Dump()
	if b.opts.Fallback != nil {
		b.opts.Fallback(vector, ctx)
	}
}

func (b *Bridge) read(addr uint64, size int) (uint64, error) {
	if b.opts.Memory == nil {
		return 0, io.ErrUnexpectedEOF
	}
	var buf [8]byte
	_, err := b.opts.Memory.ReadAt(buf[:size], int64(addr))
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// nativeArgs collects the arguments of a redirected call: regs hold the
// first ones and the rest are read from the stack at sp.
func (b *Bridge) nativeArgs(regs []uint64, sp uint64) *bridge.Args {
	var args bridge.Args
	n := copy(args[:], regs)
	for i := n; i < bridge.MAX_ARGS; i++ {
		v, err := b.read(sp+uint64(i-n)*8, 8)
		if err != nil {
			log.Warn(log.ModuleTrap, "failed to read stack argument", "index", i, "sp", sp, "err", err)
			break
		}
		args[i] = v
	}
	return &args
}

// call runs the redirected target on the machine of the image it belongs to.
func (b *Bridge) call(target uint64, regs []uint64, sp uint64) uint64 {
	img := b.find(target)
	if img == nil {
		log.Error(log.ModuleTrap, "trampoline target is not emulated code", "target", target)
		return uint64(bridge.StatusInvalidParameter)
	}
	ret, err := b.opts.Resolver.RunFunc(img.Machine(), target, b.nativeArgs(regs, sp))
	if err != nil {
		log.Error(log.ModuleTrap, "redirected call failed", "machine", img.Machine(), "target", target, "err", err)
	}
	return ret
}

// Trampoline completes a call redirected by the exception handler: it runs
// the stashed target and returns to the native caller with the result.
func (b *Bridge) Trampoline(ctx any) error {
	switch ctx := ctx.(type) {
	case *AArch64Context:
		ctx.X[0] = b.call(ctx.X[16], ctx.X[:8], ctx.SP)
		ctx.ELR = ctx.X[30]
	case *RiscV64Context:
		ctx.X[10] = b.call(ctx.X[5], ctx.X[10:18], ctx.X[2])
		ctx.SEPC = ctx.X[1]
	case *LoongArch64Context:
		ctx.R[4] = b.call(ctx.R[12], ctx.R[4:12], ctx.R[3])
		ctx.ERA = ctx.R[1]
	default:
		return ErrContextType
	}
	return nil
}
