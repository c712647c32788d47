package bridge

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/emubridge/bridge"
	_ "github.com/wnxd/emubridge/bridge/arm64"
	_ "github.com/wnxd/emubridge/bridge/x64"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/emulator/sim"
	"github.com/wnxd/emubridge/firmware"
	"github.com/wnxd/emubridge/internal/log"
)

const (
	x64Base   = 0x100000
	arm64Base = 0x200000
	imageSize = 0x10000
	unmapped  = 0x5000_0000_0000
)

var entries = firmware.EntryPoints{
	CreateEvent:              0x6000_0000_0000,
	CreateEventEx:            0x6000_0000_0010,
	CloseEvent:               0x6000_0000_0020,
	Exit:                     0x6000_0000_0030,
	ExitBootServices:         0x6000_0000_0040,
	RegisterInterruptHandler: 0x6000_0000_0050,
}

type fixture struct {
	b    *Brg
	intr *firmware.InterruptController
	boot *firmware.SoftBootServices
	logs *log.Recorder
}

func newFixture(t *testing.T, mutate func(*bridge.Options)) *fixture {
	t.Helper()
	f := &fixture{logs: log.NewRecorder(log.LevelTrace)}
	prev := log.Root()
	log.SetDefault(log.NewLogger(f.logs))
	t.Cleanup(func() { log.SetDefault(prev) })

	f.intr = firmware.NewInterruptController()
	f.boot = firmware.NewSoftBootServices(entries, f.intr)
	opts := bridge.DefaultOptions()
	opts.Machines = []bridge.Machine{bridge.MACHINE_X64, bridge.MACHINE_AARCH64}
	opts.Timeout = false
	opts.CheckArgs = true
	opts.Interrupts = f.intr
	opts.BootServices = f.boot
	if mutate != nil {
		mutate(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	f.b = b
	return f
}

func (f *fixture) engine(t *testing.T, machine bridge.Machine) *sim.Engine {
	t.Helper()
	emu, err := f.b.Emulator(machine)
	require.NoError(t, err)
	return emu.(*sim.Engine)
}

// image registers an image whose entry point is its base and returns the
// engine that runs it.
func (f *fixture) image(t *testing.T, machine bridge.Machine, base, handle uint64) *sim.Engine {
	t.Helper()
	entry := base
	_, err := f.b.Register(base, imageSize, machine, handle, &entry)
	require.NoError(t, err)
	return f.engine(t, machine)
}

func (f *fixture) logged(msg string) bool {
	return slices.Contains(f.logs.Messages(log.LevelTrace), msg)
}

func cpuContexts(t *testing.T, state bridge.DebugState, machine bridge.Machine) int {
	t.Helper()
	cpu, ok := state.Cpu(machine)
	require.True(t, ok)
	return cpu.Contexts
}

func argVals() *bridge.Args {
	var args bridge.Args
	for i := range args {
		x := uint64(i + 1)
		args[i] = x<<56 | x
	}
	return &args
}

func regionAt(t *testing.T, emu emulator.Emulator, addr uint64) (emulator.MemRegion, bool) {
	t.Helper()
	regions, err := emu.MemRegions()
	require.NoError(t, err)
	for _, r := range regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return emulator.MemRegion{}, false
}

func TestNewUnsupportedMachine(t *testing.T) {
	opts := bridge.DefaultOptions()
	opts.Machines = []bridge.Machine{bridge.MACHINE_RISCV64}
	_, err := New(opts)
	assert.ErrorIs(t, err, bridge.ErrMachineUnsupported)

	opts.Machines = []bridge.Machine{bridge.MACHINE_X64}
	opts.Backend = "missing"
	_, err = New(opts)
	assert.ErrorIs(t, err, emulator.ErrBackendNotFound)
}

func TestMachines(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, []bridge.Machine{bridge.MACHINE_X64, bridge.MACHINE_AARCH64}, f.b.Machines())
	_, err := f.b.Emulator(bridge.MACHINE_RISCV64)
	assert.ErrorIs(t, err, bridge.ErrMachineUnsupported)
	assert.True(t, f.b.Supported(bridge.MACHINE_AARCH64, bridge.SUBSYSTEM_EFI_APPLICATION))
	assert.True(t, f.b.Supported(bridge.MACHINE_X64, bridge.SUBSYSTEM_EFI_BOOT_SERVICE_DRIVER))
	assert.False(t, f.b.Supported(bridge.MACHINE_X64, 12))
	assert.False(t, f.b.Supported(bridge.MACHINE_LOONGARCH64, bridge.SUBSYSTEM_EFI_APPLICATION))
}

func TestCloseRejectsCalls(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.b.Close())
	require.NoError(t, f.b.Close())
	_, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base, nil)
	assert.ErrorIs(t, err, bridge.ErrBridgeClosed)
	_, err = f.b.AddNative("late", func(bridge.CallContext, *bridge.Args) uint64 { return 0 })
	assert.ErrorIs(t, err, bridge.ErrBridgeClosed)
}

func TestMapShared(t *testing.T) {
	f := newFixture(t, nil)
	addr, err := f.b.MapShared(100)
	require.NoError(t, err)
	_, err = f.b.Memory().WriteAt([]byte("shared"), int64(addr))
	require.NoError(t, err)
	for _, machine := range f.b.Machines() {
		e := f.engine(t, machine)
		data, err := e.MemRead(addr, 6)
		require.NoError(t, err)
		assert.Equal(t, "shared", string(data))
		r, ok := regionAt(t, e, addr)
		require.True(t, ok)
		assert.Equal(t, emulator.MEM_PROT_READ|emulator.MEM_PROT_WRITE, r.Prot)
	}
	_, err = f.b.Memory().ReadAt(make([]byte, 8), unmapped)
	assert.ErrorIs(t, err, emulator.ErrMemUnmapped)
	_, err = f.b.MapShared(0)
	assert.ErrorIs(t, err, bridge.StatusInvalidParameter)
}

func TestBindNative(t *testing.T) {
	f := newFixture(t, nil)
	f.image(t, bridge.MACHINE_X64, x64Base, 1)
	fn := func(bridge.CallContext, *bridge.Args) uint64 { return 0 }
	require.NoError(t, f.b.BindNative(unmapped, "fixed", fn))
	assert.ErrorIs(t, f.b.BindNative(unmapped, "again", fn), bridge.ErrNativeBound)
	assert.ErrorIs(t, f.b.BindNative(x64Base+8, "image", fn), bridge.ErrAddressInvalid)
	assert.ErrorIs(t, f.b.BindNative(8, "null", fn), bridge.ErrAddressInvalid)
	assert.ErrorIs(t, f.b.BindNative(RETURN_MAGIC, "magic", fn), bridge.ErrAddressInvalid)
	a, err := f.b.AddNative("first", fn)
	require.NoError(t, err)
	b, err := f.b.AddNative("second", fn)
	require.NoError(t, err)
	assert.Equal(t, uint64(NATIVE_SLOT), b-a)
	assert.Greater(t, a, uint64(RETURN_MAGIC))
}
