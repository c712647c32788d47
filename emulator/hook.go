package emulator

import (
	"io"
	"strings"
)

type HookType int

const (
	HOOK_TYPE_INTR HookType = 1 << iota
	HOOK_TYPE_INSN_INVALID
	HOOK_TYPE_CODE
	HOOK_TYPE_BLOCK
	HOOK_TYPE_MEM_READ_UNMAPPED
	HOOK_TYPE_MEM_WRITE_UNMAPPED
	HOOK_TYPE_MEM_FETCH_UNMAPPED
	HOOK_TYPE_MEM_READ_PROT
	HOOK_TYPE_MEM_WRITE_PROT
	HOOK_TYPE_MEM_FETCH_PROT
	HOOK_TYPE_MEM_READ
	HOOK_TYPE_MEM_WRITE
	HOOK_TYPE_MEM_FETCH
	HOOK_TYPE_INSN_IN
	HOOK_TYPE_INSN_OUT

	HOOK_TYPE_MEM_UNMAPPED = HOOK_TYPE_MEM_READ_UNMAPPED | HOOK_TYPE_MEM_WRITE_UNMAPPED | HOOK_TYPE_MEM_FETCH_UNMAPPED
	HOOK_TYPE_MEM_PROT     = HOOK_TYPE_MEM_READ_PROT | HOOK_TYPE_MEM_WRITE_PROT | HOOK_TYPE_MEM_FETCH_PROT
	HOOK_TYPE_MEM_INVALID  = HOOK_TYPE_MEM_UNMAPPED | HOOK_TYPE_MEM_PROT
	HOOK_TYPE_MEM_VALID    = HOOK_TYPE_MEM_READ | HOOK_TYPE_MEM_WRITE | HOOK_TYPE_MEM_FETCH
)

var hookNames = [...]string{
	"intr", "insn_invalid", "code", "block",
	"mem_read_unmapped", "mem_write_unmapped", "mem_fetch_unmapped",
	"mem_read_prot", "mem_write_prot", "mem_fetch_prot",
	"mem_read", "mem_write", "mem_fetch",
	"insn_in", "insn_out",
}

func (t HookType) String() string {
	var names []string
	for i, name := range hookNames {
		if t&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

type (
	InterruptCallback func(intno uint64, data any)
	InvalidCallback   func(data any) bool
	CodeCallback      func(addr, size uint64, data any)
	MemoryCallback    func(typ HookType, addr, size, value uint64, data any) bool
	PortInCallback    func(port uint32, size int, data any) uint32
	PortOutCallback   func(port uint32, size int, value uint32, data any)
)

type Hook interface {
	io.Closer
	Type() HookType
}

// HookInRange follows the engine convention that begin > end covers every address.
func HookInRange(begin, end, addr uint64) bool {
	if begin > end {
		return true
	}
	return addr >= begin && addr <= end
}
