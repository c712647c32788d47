package emulator

import (
	"io"
	"unsafe"
)

type Emulator interface {
	io.Closer
	Arch() Arch
	ByteOrder() ByteOrder
	PageSize() uint64
	MemMap(addr, size uint64, prot MemProt) error
	MemMapPtr(addr, size uint64, prot MemProt, ptr unsafe.Pointer) error
	// MemMapIO maps a readable and writable range with no backing memory:
	// every access from emulated code goes to read or write.
	MemMapIO(addr, size uint64, read MMIOReadCallback, write MMIOWriteCallback, data any) error
	MemUnmap(addr, size uint64) error
	MemProtect(addr, size uint64, prot MemProt) error
	MemRegions() ([]MemRegion, error)
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
	RegisterContext
	// Start runs translated code from begin until it reaches until, Stop is
	// called, or an exit occurs. A target the engine cannot translate is
	// reported as a *FetchError with the program counter left at the target.
	Start(begin, until uint64) error
	Stop() error
	InvalidateCache(addr, size uint64) error
	ContextAlloc() (Context, error)
	Hook(typ HookType, callback any, data any, begin, end uint64) (Hook, error)
}
