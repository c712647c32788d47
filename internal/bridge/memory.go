package bridge

import (
	"slices"
	"sync"
	"unsafe"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
)

// hostMapping is host memory that is mapped at the same address in every
// engine, so pointers into it mean the same thing to every machine.
type hostMapping struct {
	addr uint64
	size uint64
	buf  []byte
	free func() error
}

func (m *hostMapping) contains(addr uint64) bool {
	return addr >= m.addr && addr-m.addr < m.size
}

func (m *hostMapping) ptr() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(m.buf))
}

type memoryManager struct {
	mu       sync.Mutex
	next     uint64
	mappings []*hostMapping
}

func (mm *memoryManager) ctor() {
	mm.next = SHARED_BASE
}

func (mm *memoryManager) dtor() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, m := range mm.mappings {
		if m.free != nil {
			m.free()
		}
	}
	mm.mappings = nil
}

func (mm *memoryManager) reserve(size, guard uint64) uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	addr := mm.next
	mm.next += size + guard
	return addr
}

func (mm *memoryManager) insert(m *hostMapping) {
	mm.mu.Lock()
	i, _ := slices.BinarySearchFunc(mm.mappings, m.addr, func(e *hostMapping, addr uint64) int {
		return cmpAddr(e.addr, addr)
	})
	mm.mappings = slices.Insert(mm.mappings, i, m)
	mm.mu.Unlock()
}

func (mm *memoryManager) remove(m *hostMapping) {
	mm.mu.Lock()
	mm.mappings = slices.DeleteFunc(mm.mappings, func(e *hostMapping) bool { return e == m })
	mm.mu.Unlock()
}

func (mm *memoryManager) find(addr uint64) *hostMapping {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	i, found := slices.BinarySearchFunc(mm.mappings, addr, func(e *hostMapping, addr uint64) int {
		return cmpAddr(e.addr, addr)
	})
	if found {
		return mm.mappings[i]
	} else if i > 0 && mm.mappings[i-1].contains(addr) {
		return mm.mappings[i-1]
	}
	return nil
}

func (mm *memoryManager) overlaps(addr, size uint64) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, m := range mm.mappings {
		if addr < m.addr+m.size && m.addr < addr+size {
			return true
		}
	}
	return false
}

func (mm *memoryManager) ReadAt(p []byte, off int64) (int, error) {
	m := mm.find(uint64(off))
	if m == nil || uint64(off)+uint64(len(p)) > m.addr+m.size {
		return 0, emulator.ErrMemUnmapped
	}
	return copy(p, m.buf[uint64(off)-m.addr:]), nil
}

func (mm *memoryManager) WriteAt(p []byte, off int64) (int, error) {
	m := mm.find(uint64(off))
	if m == nil || uint64(off)+uint64(len(p)) > m.addr+m.size {
		return 0, emulator.ErrMemUnmapped
	}
	return copy(m.buf[uint64(off)-m.addr:], p), nil
}

func cmpAddr(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (b *Brg) Memory() bridge.Memory {
	return &b.memoryManager
}

// mapHost backs [addr, addr+size) with host memory and maps it into every
// engine. prot selects the permissions each engine gets.
func (b *Brg) mapHost(addr, size uint64, prot func(*cpu) emulator.MemProt) (*hostMapping, error) {
	buf, free, err := hostAlloc(size)
	if err != nil {
		return nil, err
	}
	m := &hostMapping{addr: addr, size: size, buf: buf, free: free}
	for i, c := range b.cpus {
		err = c.emu.MemMapPtr(addr, size, prot(c), m.ptr())
		if err != nil {
			for _, mapped := range b.cpus[:i] {
				mapped.emu.MemUnmap(addr, size)
			}
			if free != nil {
				free()
			}
			return nil, err
		}
	}
	b.memoryManager.insert(m)
	return m, nil
}

func (b *Brg) unmapHost(m *hostMapping) {
	for _, c := range b.cpus {
		c.emu.MemUnmap(m.addr, m.size)
	}
	b.memoryManager.remove(m)
	if m.free != nil {
		m.free()
	}
}

func (b *Brg) mapShared(size uint64) (uint64, error) {
	size = bridge.Align(size, b.pageSize)
	addr := b.memoryManager.reserve(size, b.pageSize)
	if addr+size > NATIVE_BASE {
		return 0, bridge.StatusOutOfResources
	}
	_, err := b.mapHost(addr, size, func(*cpu) emulator.MemProt {
		return emulator.MEM_PROT_READ | emulator.MEM_PROT_WRITE
	})
	if err != nil {
		return 0, err
	}
	return addr, nil
}

// MapShared allocates zeroed memory visible to native code and to every
// emulated machine at the same address.
func (b *Brg) MapShared(size uint64) (uint64, error) {
	if b.closed {
		return 0, bridge.ErrBridgeClosed
	} else if size == 0 {
		return 0, bridge.StatusInvalidParameter
	}
	return b.mapShared(size)
}
