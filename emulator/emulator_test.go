package emulator_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/emulator/sim"
)

func TestHookInRange(t *testing.T) {
	assert.True(t, emulator.HookInRange(1, 0, 0xffff))
	assert.True(t, emulator.HookInRange(0x10, 0x20, 0x20))
	assert.False(t, emulator.HookInRange(0x10, 0x20, 0x21))
}

func TestHookTypeString(t *testing.T) {
	assert.Equal(t, "mem_read|mem_write", (emulator.HOOK_TYPE_MEM_READ | emulator.HOOK_TYPE_MEM_WRITE).String())
	assert.Equal(t, "none", emulator.HookType(0).String())
}

func TestFetchErrorIsNoTranslation(t *testing.T) {
	var err error = &emulator.FetchError{Addr: 0x1000}
	assert.True(t, errors.Is(err, emulator.ErrNoTranslation))
	assert.False(t, errors.Is(errors.New("other"), emulator.ErrNoTranslation))
}

func TestPointer(t *testing.T) {
	emu, err := sim.New(emulator.ARCH_X86_64)
	require.NoError(t, err)
	require.NoError(t, emu.MemMap(0x1000, 0x1000, emulator.MEM_PROT_READ|emulator.MEM_PROT_WRITE))

	ptr := emulator.ToPointer(emu, 0x1000)
	require.NoError(t, ptr.Add(8).SetUint64(0x2000))
	val, err := ptr.Add(8).Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), val)

	next, err := ptr.Add(8).MemReadPointer()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), next.Address())

	n, err := ptr.WriteAt([]byte{1, 2, 3}, 0x10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	buf := make([]byte, 3)
	_, err = ptr.Add(0x10).ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf)
}

func TestMemProtString(t *testing.T) {
	assert.Equal(t, "r-x", (emulator.MEM_PROT_READ | emulator.MEM_PROT_EXEC).String())
	assert.Equal(t, "rwx", emulator.MEM_PROT_ALL.String())
}
