package bridge

import (
	"fmt"
	"runtime"

	"github.com/wnxd/emubridge/emulator"
)

// Machine is a PE/COFF machine type.
type Machine uint16

const (
	MACHINE_UNKNOWN     Machine = 0
	MACHINE_X64         Machine = 0x8664
	MACHINE_AARCH64     Machine = 0xAA64
	MACHINE_RISCV64     Machine = 0x5064
	MACHINE_LOONGARCH64 Machine = 0x6264
)

const (
	SUBSYSTEM_EFI_APPLICATION         = 10
	SUBSYSTEM_EFI_BOOT_SERVICE_DRIVER = 11
)

func (m Machine) Arch() emulator.Arch {
	switch m {
	case MACHINE_X64:
		return emulator.ARCH_X86_64
	case MACHINE_AARCH64:
		return emulator.ARCH_ARM64
	case MACHINE_RISCV64:
		return emulator.ARCH_RISCV64
	case MACHINE_LOONGARCH64:
		return emulator.ARCH_LOONGARCH64
	}
	return emulator.ARCH_UNKNOWN
}

func (m Machine) String() string {
	switch m {
	case MACHINE_X64:
		return "X64"
	case MACHINE_AARCH64:
		return "AArch64"
	case MACHINE_RISCV64:
		return "RISCV64"
	case MACHINE_LOONGARCH64:
		return "LoongArch64"
	}
	return fmt.Sprintf("Machine(%#x)", uint16(m))
}

// InsnAlign is the instruction alignment native code of machine m requires.
func (m Machine) InsnAlign() uint64 {
	switch m {
	case MACHINE_AARCH64, MACHINE_LOONGARCH64:
		return 4
	case MACHINE_RISCV64:
		return 2
	}
	return 1
}

func MachineOf(arch emulator.Arch) Machine {
	switch arch {
	case emulator.ARCH_X86_64:
		return MACHINE_X64
	case emulator.ARCH_ARM64:
		return MACHINE_AARCH64
	case emulator.ARCH_RISCV64:
		return MACHINE_RISCV64
	case emulator.ARCH_LOONGARCH64:
		return MACHINE_LOONGARCH64
	}
	return MACHINE_UNKNOWN
}

// HostMachine is the machine type the running binary was built for.
func HostMachine() Machine {
	switch runtime.GOARCH {
	case "amd64":
		return MACHINE_X64
	case "arm64":
		return MACHINE_AARCH64
	case "riscv64":
		return MACHINE_RISCV64
	case "loong64":
		return MACHINE_LOONGARCH64
	}
	return MACHINE_UNKNOWN
}
