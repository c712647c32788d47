package bridge

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator/sim"
	"github.com/wnxd/emubridge/firmware"
	"github.com/wnxd/emubridge/internal/guest"
)

const TPL_CALLBACK = 8

func readWord(t *testing.T, f *fixture, addr uint64) uint64 {
	t.Helper()
	buf := make([]byte, 8)
	_, err := f.b.Memory().ReadAt(buf, int64(addr))
	require.NoError(t, err)
	return binary.LittleEndian.Uint64(buf)
}

func writeWord(t *testing.T, f *fixture, addr, val uint64) {
	t.Helper()
	buf := binary.LittleEndian.AppendUint64(nil, val)
	_, err := f.b.Memory().WriteAt(buf, int64(addr))
	require.NoError(t, err)
}

func TestEvents(t *testing.T) {
	f := newFixture(t, nil)
	shared, err := f.b.MapShared(0x100)
	require.NoError(t, err)
	e := f.image(t, bridge.MACHINE_X64, x64Base, 1)
	e.Define(x64Base+0x200, func(m *sim.Machine) (uint64, error) {
		m.Store64(shared+8, guest.Arg(m, 0))
		m.Store64(shared+16, guest.Arg(m, 1))
		return guest.Return(m, 0), nil
	})
	// create(type, notify, out) and close(event) forward to the boot services.
	e.Define(x64Base, func(m *sim.Machine) (uint64, error) {
		args := bridge.ArgsOf(guest.Arg(m, 0), TPL_CALLBACK, guest.Arg(m, 1), 0xC0C0, guest.Arg(m, 2))
		return guest.Call(m, entries.CreateEvent, args), nil
	}, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, guest.Result(m)), nil
	})
	e.Define(x64Base+0x100, func(m *sim.Machine) (uint64, error) {
		return guest.Call(m, entries.CloseEvent, bridge.ArgsOf(guest.Arg(m, 0))), nil
	}, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, guest.Result(m)), nil
	})

	ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base, bridge.ArgsOf(firmware.EVT_NOTIFY_SIGNAL, x64Base+0x200, shared))
	require.NoError(t, err)
	require.Equal(t, uint64(bridge.StatusSuccess), ret)
	event := readWord(t, f, shared)
	assert.NotZero(t, event)
	assert.Equal(t, 1, f.b.DebugState().Events)
	assert.Equal(t, 1, f.boot.EventCount())

	require.NoError(t, f.boot.SignalEvent(event))
	assert.Equal(t, event, readWord(t, f, shared+8))
	assert.Equal(t, uint64(0xC0C0), readWord(t, f, shared+16))
	assert.Zero(t, f.b.ContextCount())

	ret, err = f.b.RunFunc(bridge.MACHINE_X64, x64Base+0x100, bridge.ArgsOf(event))
	require.NoError(t, err)
	assert.Equal(t, uint64(bridge.StatusSuccess), ret)
	assert.Zero(t, f.b.DebugState().Events)
	assert.Zero(t, f.boot.EventCount())

	ret, err = f.b.RunFunc(bridge.MACHINE_X64, x64Base+0x100, bridge.ArgsOf(event))
	require.NoError(t, err)
	assert.Equal(t, uint64(bridge.StatusInvalidParameter), ret)

	writeWord(t, f, shared+0x20, 0xFFFF)
	ret, err = f.b.RunFunc(bridge.MACHINE_X64, x64Base, bridge.ArgsOf(firmware.EVT_NOTIFY_SIGNAL, 0, shared+0x20))
	require.NoError(t, err)
	assert.Equal(t, uint64(bridge.StatusInvalidParameter), ret)
	assert.Zero(t, readWord(t, f, shared+0x20))
	assert.Zero(t, f.b.DebugState().Events)
}

func TestCreateEventEx(t *testing.T) {
	f := newFixture(t, nil)
	shared, err := f.b.MapShared(0x100)
	require.NoError(t, err)
	a := f.image(t, bridge.MACHINE_AARCH64, arm64Base, 1)
	var notified []uint64
	a.Define(arm64Base+0x200, func(m *sim.Machine) (uint64, error) {
		notified = append(notified, guest.Arg(m, 1))
		return guest.Return(m, 0), nil
	})
	a.Define(arm64Base, func(m *sim.Machine) (uint64, error) {
		args := bridge.ArgsOf(firmware.EVT_NOTIFY_SIGNAL, TPL_CALLBACK, arm64Base+0x200, guest.Arg(m, 0), 0x9999, guest.Arg(m, 1))
		return guest.Call(m, entries.CreateEventEx, args), nil
	}, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, guest.Result(m)), nil
	})
	for i, ctx := range []uint64{0x11, 0x22} {
		ret, err := f.b.RunFunc(bridge.MACHINE_AARCH64, arm64Base, bridge.ArgsOf(ctx, shared+uint64(i)*8))
		require.NoError(t, err)
		require.Equal(t, uint64(bridge.StatusSuccess), ret)
	}
	require.NoError(t, f.boot.SignalEvent(readWord(t, f, shared)))
	assert.ElementsMatch(t, []uint64{0x11, 0x22}, notified)
	assert.Equal(t, 2, f.b.DebugState().Events)
}

func TestEventNotifyDeferredWhileMasked(t *testing.T) {
	f := newFixture(t, nil)
	shared, err := f.b.MapShared(0x100)
	require.NoError(t, err)
	e := f.image(t, bridge.MACHINE_X64, x64Base, 1)
	var event uint64
	var during, notified int
	e.Define(x64Base+0x200, func(m *sim.Machine) (uint64, error) {
		notified++
		return guest.Return(m, 0), nil
	})
	e.Define(x64Base, func(m *sim.Machine) (uint64, error) {
		args := bridge.ArgsOf(firmware.EVT_NOTIFY_SIGNAL, TPL_CALLBACK, x64Base+0x200, 0, shared)
		return guest.Call(m, entries.CreateEvent, args), nil
	}, func(m *sim.Machine) (uint64, error) {
		event = m.Load64(shared)
		f.boot.SignalEvent(event)
		during = notified
		guest.Result(m)
		return guest.Return(m, 0), nil
	})
	_, err = f.b.RunFunc(bridge.MACHINE_X64, x64Base, nil)
	require.NoError(t, err)
	assert.Zero(t, during)
	assert.Equal(t, 1, notified)
	assert.Zero(t, f.intr.Pending())
}
