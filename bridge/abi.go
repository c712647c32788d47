package bridge

import (
	"slices"

	"github.com/wnxd/emubridge/emulator"
)

// ABI is the calling-convention bundle of one emulated machine.
type ABI interface {
	Machine() Machine
	Name() string
	PC() emulator.Reg
	SP() emulator.Reg
	Ret() emulator.Reg
	ReturnRegs() []emulator.Reg
	// MaxRegReturn is the largest return value, in bytes, passed back in
	// ReturnRegs. Larger values go through an indirect result buffer.
	MaxRegReturn() int
	StackAlign() uint64
	RedZone() uint64
	// PreCall loads args into the engine and plants ret as the return
	// address of the call about to start.
	PreCall(emu emulator.Emulator, args *Args, ret uint64) error
	// PostCall releases the stack PreCall consumed. With check set it
	// compares the stack arguments with args and logs the differences.
	PostCall(emu emulator.Emulator, args *Args, check bool) error
	// NativeArgs reads the arguments of a call that left emulated code.
	NativeArgs(emu emulator.Emulator, args *Args) error
	ReturnAddress(emu emulator.Emulator) (uint64, error)
	// NativeReturn completes a call that left emulated code and returns the
	// address to resume at.
	NativeReturn(emu emulator.Emulator, val uint64) (uint64, error)
	IndirectResult(emu emulator.Emulator) (uint64, error)
	Registers(emu emulator.Emulator) ([]any, error)
	InsnMax() int
	Disassemble(code []byte, pc uint64) string
}

type ABICtor func() ABI

var abiMap = make(map[Machine]ABICtor)

func Register(machine Machine, ctor ABICtor) bool {
	if _, ok := abiMap[machine]; ok {
		return false
	}
	abiMap[machine] = ctor
	return true
}

func LookupABI(machine Machine) (ABICtor, bool) {
	ctor, ok := abiMap[machine]
	return ctor, ok
}

// Machines lists the machines with a registered ABI bundle.
func Machines() []Machine {
	machines := make([]Machine, 0, len(abiMap))
	for m := range abiMap {
		machines = append(machines, m)
	}
	slices.Sort(machines)
	return machines
}
