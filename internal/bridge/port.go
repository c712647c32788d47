package bridge

import (
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/internal/log"
)

func (b *Brg) hookPorts(c *cpu) error {
	in, err := c.emu.Hook(emulator.HOOK_TYPE_INSN_IN, emulator.PortInCallback(b.portIn), c, 1, 0)
	if err != nil {
		return err
	}
	c.appendRelease(in.Close)
	out, err := c.emu.Hook(emulator.HOOK_TYPE_INSN_OUT, emulator.PortOutCallback(b.portOut), c, 1, 0)
	if err != nil {
		return err
	}
	c.appendRelease(out.Close)
	return nil
}

func (b *Brg) portIn(port uint32, size int, data any) uint32 {
	c := data.(*cpu)
	switch size {
	case 1, 2, 4:
	default:
		log.Warn(log.ModuleEmulator, "unsupported port read size", "machine", c.machine, "port", port, "size", size)
		return 0
	}
	if b.io == nil {
		log.Debug(log.ModuleEmulator, "port read without CpuIo", "port", port, "size", size)
		return 0
	}
	val, err := b.io.IoRead(size, uint64(port))
	if err != nil {
		log.Warn(log.ModuleEmulator, "port read failed", "port", port, "size", size, "err", err)
		return 0
	}
	return val
}

func (b *Brg) portOut(port uint32, size int, value uint32, data any) {
	c := data.(*cpu)
	switch size {
	case 1, 2, 4:
	default:
		log.Warn(log.ModuleEmulator, "unsupported port write size", "machine", c.machine, "port", port, "size", size)
		return
	}
	if b.io == nil {
		log.Debug(log.ModuleEmulator, "port write without CpuIo", "port", port, "size", size, "value", value)
		return
	}
	err := b.io.IoWrite(size, uint64(port), value)
	if err != nil {
		log.Warn(log.ModuleEmulator, "port write failed", "port", port, "size", size, "err", err)
	}
}
