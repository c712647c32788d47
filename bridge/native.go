package bridge

import "github.com/wnxd/emubridge/emulator"

// CallContext describes a call from emulated code into a native function.
type CallContext interface {
	Bridge() Bridge
	Machine() Machine
	Emulator() emulator.Emulator
	// ProgramCounter is the address the emulated code called.
	ProgramCounter() uint64
	ReturnAddress() uint64
	ToPointer(addr uint64) emulator.Pointer
	// ReturnValue encodes v as the call's result. Values that fit the
	// machine's return registers are placed there; larger ones are written
	// to the caller's indirect result buffer. The returned word is what the
	// native function should return.
	ReturnValue(v any) (uint64, error)
}

// NativeFunc implements a function that emulated code calls by address.
type NativeFunc func(ctx CallContext, args *Args) uint64
