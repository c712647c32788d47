package sim

import (
	"encoding/binary"
	"slices"
	"unsafe"

	"github.com/wnxd/emubridge/emulator"
)

type region struct {
	addr, size uint64
	data       []byte
	io         *ioHandler
	prot       []emulator.MemProt
}

// ioHandler serves a MemMapIO range. Offsets are relative to base, the
// address the range was mapped at, so split regions keep sharing it.
type ioHandler struct {
	base  uint64
	read  emulator.MMIOReadCallback
	write emulator.MMIOWriteCallback
	data  any
}

func (h *ioHandler) load(addr uint64, buf []byte) {
	for len(buf) > 0 {
		n := min(len(buf), 8)
		var val uint64
		if h.read != nil {
			val = h.read(addr-h.base, n, h.data)
		}
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], val)
		copy(buf, word[:n])
		buf, addr = buf[n:], addr+uint64(n)
	}
}

func (h *ioHandler) store(addr uint64, buf []byte) {
	for len(buf) > 0 {
		n := min(len(buf), 8)
		var word [8]byte
		copy(word[:], buf[:n])
		if h.write != nil {
			h.write(addr-h.base, n, binary.LittleEndian.Uint64(word[:]), h.data)
		}
		buf, addr = buf[n:], addr+uint64(n)
	}
}

func (m *memory) slice(r *region, start, end uint64) *region {
	sub := &region{addr: r.addr + start, size: end - start, io: r.io, prot: r.prot[start/m.pageSize : end/m.pageSize]}
	if r.data != nil {
		sub.data = r.data[start:end]
	}
	return sub
}

type memory struct {
	pageSize uint64
	regions  []*region
}

func (r *region) contains(addr uint64) bool {
	return addr >= r.addr && addr-r.addr < r.size
}

func (m *memory) find(addr uint64) *region {
	i, found := slices.BinarySearchFunc(m.regions, addr, func(r *region, addr uint64) int {
		switch {
		case r.contains(addr):
			return 0
		case r.addr < addr:
			return -1
		default:
			return 1
		}
	})
	if !found {
		return nil
	}
	return m.regions[i]
}

func (m *memory) prot(addr uint64) (emulator.MemProt, bool) {
	r := m.find(addr)
	if r == nil {
		return emulator.MEM_PROT_NONE, false
	}
	return r.prot[(addr-r.addr)/m.pageSize], true
}

func (m *memory) overlaps(addr, size uint64) bool {
	for _, r := range m.regions {
		if addr < r.addr+r.size && r.addr < addr+size {
			return true
		}
	}
	return false
}

func (m *memory) insert(r *region) {
	i, _ := slices.BinarySearchFunc(m.regions, r.addr, func(r *region, addr uint64) int {
		if r.addr < addr {
			return -1
		} else if r.addr > addr {
			return 1
		}
		return 0
	})
	m.regions = slices.Insert(m.regions, i, r)
}

func (m *memory) aligned(addr, size uint64) bool {
	return size != 0 && addr%m.pageSize == 0 && size%m.pageSize == 0
}

func (m *memory) mapRegion(addr, size uint64, prot emulator.MemProt, data []byte, io *ioHandler) error {
	if !m.aligned(addr, size) {
		return emulator.ErrMemUnmapped
	} else if m.overlaps(addr, size) {
		return emulator.ErrMemMapped
	}
	r := &region{addr: addr, size: size, data: data, io: io, prot: make([]emulator.MemProt, size/m.pageSize)}
	for i := range r.prot {
		r.prot[i] = prot
	}
	m.insert(r)
	return nil
}

// unmap removes [addr, addr+size), splitting regions that straddle the range.
func (m *memory) unmap(addr, size uint64) error {
	if !m.aligned(addr, size) {
		return emulator.ErrMemUnmapped
	}
	end := addr + size
	for page := addr; page < end; page += m.pageSize {
		if m.find(page) == nil {
			return emulator.ErrMemUnmapped
		}
	}
	var kept []*region
	for _, r := range m.regions {
		rend := r.addr + r.size
		if rend <= addr || r.addr >= end {
			kept = append(kept, r)
			continue
		}
		if r.addr < addr {
			kept = append(kept, m.slice(r, 0, addr-r.addr))
		}
		if rend > end {
			kept = append(kept, m.slice(r, end-r.addr, r.size))
		}
	}
	m.regions = kept
	return nil
}

func (m *memory) protect(addr, size uint64, prot emulator.MemProt) error {
	if addr%m.pageSize != 0 {
		return emulator.ErrMemUnmapped
	}
	for page := addr; page < addr+size; page += m.pageSize {
		r := m.find(page)
		if r == nil {
			return emulator.ErrMemUnmapped
		}
		r.prot[(page-r.addr)/m.pageSize] = prot
	}
	return nil
}

// access walks [addr, addr+n) across regions without permission checks,
// calling fn with each region, the address of the chunk in it, and the
// chunk's offset and size within the access.
func (m *memory) access(addr uint64, n int, fn func(r *region, at uint64, off, size int)) error {
	off := 0
	for off < n {
		at := addr + uint64(off)
		r := m.find(at)
		if r == nil {
			return emulator.ErrMemUnmapped
		}
		c := int(min(uint64(n-off), r.size-(at-r.addr)))
		fn(r, at, off, c)
		off += c
	}
	return nil
}

func (m *memory) read(addr uint64, buf []byte) error {
	return m.access(addr, len(buf), func(r *region, at uint64, off, size int) {
		if r.io != nil {
			r.io.load(at, buf[off:off+size])
			return
		}
		copy(buf[off:off+size], r.data[at-r.addr:])
	})
}

func (m *memory) write(addr uint64, buf []byte) error {
	return m.access(addr, len(buf), func(r *region, at uint64, off, size int) {
		if r.io != nil {
			r.io.store(at, buf[off:off+size])
			return
		}
		copy(r.data[at-r.addr:], buf[off:off+size])
	})
}

func (m *memory) check(addr uint64, n int, want emulator.MemProt) error {
	for page := addr &^ (m.pageSize - 1); page < addr+uint64(n); page += m.pageSize {
		prot, ok := m.prot(page)
		if !ok {
			return emulator.ErrMemUnmapped
		} else if prot&want == 0 {
			return emulator.ErrMemProtection
		}
	}
	return nil
}

func (e *Engine) MemMap(addr, size uint64, prot emulator.MemProt) error {
	return e.mem.mapRegion(addr, size, prot, make([]byte, size), nil)
}

func (e *Engine) MemMapPtr(addr, size uint64, prot emulator.MemProt, ptr unsafe.Pointer) error {
	if ptr == nil {
		return e.MemMap(addr, size, prot)
	}
	return e.mem.mapRegion(addr, size, prot, unsafe.Slice((*byte)(ptr), size), nil)
}

func (e *Engine) MemMapIO(addr, size uint64, read emulator.MMIOReadCallback, write emulator.MMIOWriteCallback, data any) error {
	io := &ioHandler{base: addr, read: read, write: write, data: data}
	return e.mem.mapRegion(addr, size, emulator.MEM_PROT_READ|emulator.MEM_PROT_WRITE, nil, io)
}

func (e *Engine) MemUnmap(addr, size uint64) error {
	return e.mem.unmap(addr, size)
}

func (e *Engine) MemProtect(addr, size uint64, prot emulator.MemProt) error {
	return e.mem.protect(addr, size, prot)
}

func (e *Engine) MemRegions() ([]emulator.MemRegion, error) {
	var regions []emulator.MemRegion
	for _, r := range e.mem.regions {
		for i, prot := range r.prot {
			addr := r.addr + uint64(i)*e.pageSize
			if n := len(regions); n > 0 && regions[n-1].Prot == prot && regions[n-1].Addr+regions[n-1].Size == addr {
				regions[n-1].Size += e.pageSize
				continue
			}
			regions = append(regions, emulator.MemRegion{Addr: addr, Size: e.pageSize, Prot: prot})
		}
	}
	return regions, nil
}

func (e *Engine) MemRead(addr, size uint64) ([]byte, error) {
	data := make([]byte, size)
	err := e.mem.read(addr, data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (e *Engine) MemWrite(addr uint64, data []byte) error {
	return e.mem.write(addr, data)
}
