package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/firmware"
)

type attrCall struct {
	base, size, attrs uint64
}

// fakeAttrs records attribute changes and whether intr was unmasked while
// they were made.
type fakeAttrs struct {
	set, cleared []attrCall
	intr         *firmware.InterruptController
	unmasked     int
}

func (fa *fakeAttrs) SetMemoryAttributes(base, size, attrs uint64) error {
	fa.set = append(fa.set, attrCall{base, size, attrs})
	fa.check()
	return nil
}

func (fa *fakeAttrs) ClearMemoryAttributes(base, size, attrs uint64) error {
	fa.cleared = append(fa.cleared, attrCall{base, size, attrs})
	fa.check()
	return nil
}

func (fa *fakeAttrs) check() {
	if fa.intr != nil && fa.intr.Enabled() {
		fa.unmasked++
	}
}

func TestRegister(t *testing.T) {
	attrs := new(fakeAttrs)
	f := newFixture(t, func(opts *bridge.Options) {
		opts.MemoryAttributes = attrs
	})
	entry := uint64(x64Base + 0x40)
	img, err := f.b.Register(x64Base, imageSize-0x10, bridge.MACHINE_X64, 0xAAAA, &entry)
	require.NoError(t, err)
	assert.Equal(t, f.b.wrappers.imageEntry, entry)
	assert.Equal(t, bridge.MACHINE_X64, img.Machine())
	assert.Equal(t, uint64(x64Base), img.Base())
	assert.Equal(t, uint64(imageSize), img.Size())
	assert.Equal(t, uint64(x64Base+0x40), img.Entry())
	assert.Equal(t, uint64(0xAAAA), img.Handle())
	assert.Equal(t, []attrCall{{x64Base, imageSize, firmware.MEMORY_XP}}, attrs.set)

	found, err := f.b.FindImage(x64Base + 0x10)
	require.NoError(t, err)
	assert.Equal(t, img, found)
	found, err = f.b.FindImageByHandle(0xAAAA)
	require.NoError(t, err)
	assert.Equal(t, img, found)
	_, err = f.b.FindImage(x64Base + imageSize)
	assert.ErrorIs(t, err, bridge.ErrImageNotFound)

	r, ok := regionAt(t, f.engine(t, bridge.MACHINE_X64), x64Base)
	require.True(t, ok)
	assert.Equal(t, emulator.MEM_PROT_ALL, r.Prot)
	r, ok = regionAt(t, f.engine(t, bridge.MACHINE_AARCH64), x64Base)
	require.True(t, ok)
	assert.Equal(t, emulator.MEM_PROT_READ|emulator.MEM_PROT_WRITE, r.Prot)

	_, err = f.b.Memory().WriteAt([]byte{0xC3}, x64Base)
	require.NoError(t, err)
	data, err := f.engine(t, bridge.MACHINE_AARCH64).MemRead(x64Base, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC3}, data)
}

func TestRegisterRejects(t *testing.T) {
	f := newFixture(t, nil)
	f.image(t, bridge.MACHINE_X64, x64Base, 1)
	for _, tc := range []struct {
		name    string
		base    uint64
		size    uint64
		machine bridge.Machine
		handle  uint64
		entry   uint64
		err     error
	}{
		{"overlap", x64Base + imageSize - 0x1000, 0x2000, bridge.MACHINE_AARCH64, 2, x64Base + imageSize - 0x1000, bridge.ErrImageOverlap},
		{"null page", 0, 0x2000, bridge.MACHINE_X64, 2, 0, bridge.ErrImageOverlap},
		{"shared window", SHARED_BASE, 0x1000, bridge.MACHINE_X64, 2, SHARED_BASE, bridge.ErrImageOverlap},
		{"machine", arm64Base, 0x1000, bridge.MACHINE_RISCV64, 2, arm64Base, bridge.ErrMachineUnsupported},
		{"unaligned", arm64Base + 8, 0x1000, bridge.MACHINE_AARCH64, 2, arm64Base + 8, bridge.StatusInvalidParameter},
		{"entry", arm64Base, 0x1000, bridge.MACHINE_AARCH64, 2, arm64Base + 0x1000, bridge.StatusInvalidParameter},
		{"handle", arm64Base, 0x1000, bridge.MACHINE_AARCH64, 1, arm64Base, bridge.StatusInvalidParameter},
	} {
		t.Run(tc.name, func(t *testing.T) {
			entry := tc.entry
			_, err := f.b.Register(tc.base, tc.size, tc.machine, tc.handle, &entry)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.entry, entry)
		})
	}
}

func TestUnregister(t *testing.T) {
	attrs := new(fakeAttrs)
	f := newFixture(t, func(opts *bridge.Options) {
		opts.MemoryAttributes = attrs
	})
	e := f.image(t, bridge.MACHINE_X64, x64Base, 1)
	assert.ErrorIs(t, f.b.Unregister(x64Base+0x1000), bridge.ErrImageNotFound)
	require.NoError(t, f.b.Unregister(x64Base))

	assert.Equal(t, []emulator.MemRegion{{Addr: x64Base, Size: imageSize}}, e.Invalidated())
	assert.Equal(t, []attrCall{{x64Base, imageSize, firmware.MEMORY_XP}}, attrs.cleared)
	_, err := f.b.FindImage(x64Base)
	assert.ErrorIs(t, err, bridge.ErrImageNotFound)
	for _, machine := range f.b.Machines() {
		_, ok := regionAt(t, f.engine(t, machine), x64Base)
		assert.False(t, ok)
	}
	assert.ErrorIs(t, f.b.Unregister(x64Base), bridge.ErrImageNotFound)

	entry := uint64(x64Base)
	_, err = f.b.Register(x64Base, imageSize, bridge.MACHINE_AARCH64, 1, &entry)
	assert.NoError(t, err)
}

func TestRegisterMasksInterrupts(t *testing.T) {
	attrs := new(fakeAttrs)
	f := newFixture(t, func(opts *bridge.Options) {
		opts.MemoryAttributes = attrs
	})
	attrs.intr = f.intr
	f.image(t, bridge.MACHINE_X64, x64Base, 1)
	require.NoError(t, f.b.Unregister(x64Base))

	assert.Len(t, attrs.set, 1)
	assert.Len(t, attrs.cleared, 1)
	assert.Zero(t, attrs.unmasked)
	assert.True(t, f.intr.Enabled())
}

func TestIsNativeCall(t *testing.T) {
	f := newFixture(t, func(opts *bridge.Options) {
		opts.HostMachine = bridge.MACHINE_AARCH64
	})
	f.image(t, bridge.MACHINE_X64, x64Base, 1)
	assert.False(t, f.b.IsNativeCall(x64Base+0x10))
	assert.True(t, f.b.IsNativeCall(unmapped))
	assert.True(t, f.b.IsNativeCall(0))
	assert.False(t, f.b.IsNativeCall(unmapped+2))
	assert.Equal(t, bridge.MACHINE_AARCH64, f.b.HostMachine())
	assert.Equal(t, bridge.MACHINE_AARCH64, f.b.DebugState().HostMachine)
}
