package emulator

import "encoding/binary"

type Pointer struct {
	emu  Emulator
	addr uint64
}

func ToPointer(emu Emulator, addr uint64) Pointer {
	return Pointer{emu, addr}
}

func (p Pointer) IsNil() bool {
	return p.addr == 0
}

func (p Pointer) Address() uint64 {
	return p.addr
}

func (p Pointer) Add(offset uint64) Pointer {
	return Pointer{p.emu, p.addr + offset}
}

func (p Pointer) Sub(offset uint64) Pointer {
	return Pointer{p.emu, p.addr - offset}
}

func (p Pointer) MemRead(size uint64) ([]byte, error) {
	return p.emu.MemRead(p.addr, size)
}

func (p Pointer) MemWrite(data []byte) error {
	return p.emu.MemWrite(p.addr, data)
}

func (p Pointer) order() binary.ByteOrder {
	if p.emu.ByteOrder() == BO_BIG_ENDIAN {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (p Pointer) Uint64() (uint64, error) {
	data, err := p.emu.MemRead(p.addr, 8)
	if err != nil {
		return 0, err
	}
	return p.order().Uint64(data), nil
}

func (p Pointer) SetUint64(val uint64) error {
	var buf [8]byte
	p.order().PutUint64(buf[:], val)
	return p.emu.MemWrite(p.addr, buf[:])
}

func (p Pointer) Uint32() (uint32, error) {
	data, err := p.emu.MemRead(p.addr, 4)
	if err != nil {
		return 0, err
	}
	return p.order().Uint32(data), nil
}

func (p Pointer) MemReadPointer() (ptr Pointer, err error) {
	var addr uint64
	switch p.emu.Arch().PointerSize() {
	case 4:
		var v uint32
		v, err = p.Uint32()
		addr = uint64(v)
	case 8:
		addr, err = p.Uint64()
	default:
		err = ErrArchUnsupported
	}
	if err != nil {
		return
	}
	return Pointer{p.emu, addr}, nil
}

func (p Pointer) ReadAt(b []byte, off int64) (n int, err error) {
	data, err := p.emu.MemRead(p.addr+uint64(off), uint64(len(b)))
	if err != nil {
		return 0, err
	}
	return copy(b, data), nil
}

func (p Pointer) WriteAt(b []byte, off int64) (n int, err error) {
	err = p.emu.MemWrite(p.addr+uint64(off), b)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
