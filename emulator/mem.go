package emulator

type ByteOrder int

const (
	BO_LITTLE_ENDIAN ByteOrder = iota
	BO_BIG_ENDIAN
)

type MemProt int

const (
	MEM_PROT_NONE MemProt = 0
	MEM_PROT_READ MemProt = 1 << (iota - 1)
	MEM_PROT_WRITE
	MEM_PROT_EXEC

	MEM_PROT_ALL = MEM_PROT_READ | MEM_PROT_WRITE | MEM_PROT_EXEC
)

func (p MemProt) String() string {
	b := []byte("---")
	if p&MEM_PROT_READ != 0 {
		b[0] = 'r'
	}
	if p&MEM_PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if p&MEM_PROT_EXEC != 0 {
		b[2] = 'x'
	}
	return string(b)
}

type MemRegion struct {
	Addr, Size uint64
	Prot       MemProt
}

func (r MemRegion) Contains(addr uint64) bool {
	return addr >= r.Addr && addr-r.Addr < r.Size
}

// MMIOReadCallback returns the value of a size-byte read at offset into an
// I/O mapping.
type MMIOReadCallback func(offset uint64, size int, data any) uint64

type MMIOWriteCallback func(offset uint64, size int, value uint64, data any)
