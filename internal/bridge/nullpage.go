package bridge

import (
	"github.com/wnxd/emubridge/internal/log"
)

const NULL_POISON = 0xAFAFAFAFAFAFAFAF

// mapNullPage maps page zero in c's engine as an I/O range so that null
// dereferences are logged instead of faulting. Every read returns the poison
// pattern and writes are dropped.
func mapNullPage(c *cpu, size uint64) error {
	return c.emu.MemMapIO(0, size, nullRead, nullWrite, c)
}

func nullRead(offset uint64, size int, data any) uint64 {
	c := data.(*cpu)
	log.Warn(log.ModuleEmulator, "null page read", "machine", c.machine, "pc", c.pc(), "addr", offset, "size", size)
	return NULL_POISON
}

func nullWrite(offset uint64, size int, value uint64, data any) {
	c := data.(*cpu)
	log.Warn(log.ModuleEmulator, "null page write", "machine", c.machine, "pc", c.pc(), "addr", offset, "size", size, "value", value)
}
