package bridge

import (
	"io"

	"github.com/wnxd/emubridge/emulator"
)

type Image interface {
	Machine() Machine
	Base() uint64
	Size() uint64
	Entry() uint64
	Handle() uint64
}

// Memory addresses every shared mapping of a bridge by absolute address.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

type Bridge interface {
	io.Closer
	HostMachine() Machine
	Machines() []Machine
	Emulator(machine Machine) (emulator.Emulator, error)

	Supported(machine Machine, subsystem uint16) bool
	Register(base, size uint64, machine Machine, handle uint64, entry *uint64) (Image, error)
	Unregister(base uint64) error
	FindImage(addr uint64) (Image, error)
	FindImageByHandle(handle uint64) (Image, error)

	IsNativeCall(pc uint64) bool
	RunFunc(machine Machine, pc uint64, args *Args) (uint64, error)
	RunFuncWords(machine Machine, pc uint64, args *Args) ([]uint64, error)
	RunImage(handle, systemTable uint64) Status

	AddNative(name string, fn NativeFunc) (uint64, error)
	BindNative(addr uint64, name string, fn NativeFunc) error
	MapShared(size uint64) (uint64, error)
	Memory() Memory

	ContextCount() int
	DebugState() DebugState
	Dump()
}

type CpuState struct {
	Machine         Machine
	Contexts        int
	StackBase       uint64
	StackTop        uint64
	TbCount         uint64
	ExitPeriodTbs   uint64
	ExitPeriodTicks uint64
}

type DebugState struct {
	HostMachine   Machine
	CallerMachine Machine
	Contexts      int
	Images        int
	Events        int
	Cpus          []CpuState
}

func (s DebugState) Cpu(machine Machine) (CpuState, bool) {
	for _, c := range s.Cpus {
		if c.Machine == machine {
			return c, true
		}
	}
	return CpuState{}, false
}
