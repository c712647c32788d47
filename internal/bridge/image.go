package bridge

import (
	"slices"
	"sync"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/firmware"
	"github.com/wnxd/emubridge/internal/log"
)

type imageRecord struct {
	base   uint64
	size   uint64
	entry  uint64
	handle uint64
	cpu    *cpu
	mem    *hostMapping

	exit         bridge.JumpBuffer
	exitStatus   bridge.Status
	exitDataSize uint64
	exitData     uint64
}

func (r *imageRecord) Machine() bridge.Machine {
	return r.cpu.machine
}

func (r *imageRecord) Base() uint64 {
	return r.base
}

func (r *imageRecord) Size() uint64 {
	return r.size
}

func (r *imageRecord) Entry() uint64 {
	return r.entry
}

func (r *imageRecord) Handle() uint64 {
	return r.handle
}

func (r *imageRecord) contains(addr uint64) bool {
	return addr >= r.base && addr-r.base < r.size
}

type imageManager struct {
	mu     sync.Mutex
	images []*imageRecord
}

func (im *imageManager) ctor() {
}

func (im *imageManager) dtor() {
	im.mu.Lock()
	im.images = nil
	im.mu.Unlock()
}

func (im *imageManager) add(r *imageRecord) {
	im.mu.Lock()
	im.images = append(im.images, r)
	im.mu.Unlock()
}

func (im *imageManager) remove(r *imageRecord) {
	im.mu.Lock()
	im.images = slices.DeleteFunc(im.images, func(o *imageRecord) bool { return o == r })
	im.mu.Unlock()
}

func (im *imageManager) findByAddr(addr uint64) *imageRecord {
	im.mu.Lock()
	defer im.mu.Unlock()
	for _, r := range im.images {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

func (im *imageManager) findByHandle(handle uint64) *imageRecord {
	im.mu.Lock()
	defer im.mu.Unlock()
	for _, r := range im.images {
		if r.handle == handle {
			return r
		}
	}
	return nil
}

func (im *imageManager) list() []*imageRecord {
	im.mu.Lock()
	defer im.mu.Unlock()
	return slices.Clone(im.images)
}

func (b *Brg) inReserved(addr, size uint64) bool {
	return addr < b.pageSize || addr+size > SHARED_BASE || addr+size < addr
}

// Register makes [base, base+size) an image of machine. The range becomes
// executable only to the owning engine; every other engine and native code
// see it as data, so calls into it from anywhere else leave through the
// bridge. *entry is replaced with the address that starts the image through
// RunImage.
func (b *Brg) Register(base, size uint64, machine bridge.Machine, handle uint64, entry *uint64) (bridge.Image, error) {
	c, err := b.cpuOf(machine)
	if err != nil {
		return nil, err
	}
	if entry == nil || base%b.pageSize != 0 || size == 0 {
		return nil, bridge.StatusInvalidParameter
	}
	size = bridge.Align(size, b.pageSize)
	if *entry < base || *entry-base >= size {
		return nil, bridge.StatusInvalidParameter
	}
	if b.inReserved(base, size) || b.memoryManager.overlaps(base, size) {
		return nil, bridge.ErrImageOverlap
	}
	if b.findByHandle(handle) != nil {
		return nil, bridge.StatusInvalidParameter
	}
	state := b.criticalBegin()
	defer b.criticalEnd(state)
	mem, err := b.mapHost(base, size, func(o *cpu) emulator.MemProt {
		if o == c {
			return emulator.MEM_PROT_ALL
		}
		return emulator.MEM_PROT_READ | emulator.MEM_PROT_WRITE
	})
	if err != nil {
		return nil, err
	}
	if b.attrs != nil {
		err = b.attrs.SetMemoryAttributes(base, size, firmware.MEMORY_XP)
		if err != nil {
			log.Warn(log.ModuleBridge, "failed to set XP on image", "base", base, "size", size, "err", err)
		}
	}
	r := &imageRecord{base: base, size: size, entry: *entry, handle: handle, cpu: c, mem: mem}
	b.imageManager.add(r)
	*entry = b.wrappers.imageEntry
	log.Debug(log.ModuleBridge, "image registered", "machine", machine, "base", base, "size", size, "entry", r.entry)
	return r, nil
}

func (b *Brg) Unregister(base uint64) error {
	r := b.imageManager.findByAddr(base)
	if r == nil || r.base != base {
		return bridge.ErrImageNotFound
	}
	state := b.criticalBegin()
	defer b.criticalEnd(state)
	err := r.cpu.emu.MemProtect(r.base, r.size, emulator.MEM_PROT_READ|emulator.MEM_PROT_WRITE)
	if err != nil {
		return err
	}
	err = r.cpu.emu.InvalidateCache(r.base, r.size)
	if err != nil {
		return err
	}
	if b.attrs != nil {
		b.attrs.ClearMemoryAttributes(r.base, r.size, firmware.MEMORY_XP)
	}
	b.imageManager.remove(r)
	b.unmapHost(r.mem)
	return nil
}

func (b *Brg) FindImage(addr uint64) (bridge.Image, error) {
	if r := b.imageManager.findByAddr(addr); r != nil {
		return r, nil
	}
	return nil, bridge.ErrImageNotFound
}

func (b *Brg) FindImageByHandle(handle uint64) (bridge.Image, error) {
	if r := b.imageManager.findByHandle(handle); r != nil {
		return r, nil
	}
	return nil, bridge.ErrImageNotFound
}
