package x64

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/emulator/sim"
	"github.com/wnxd/emubridge/emulator/x86"
)

const (
	stackBase = 0x10000
	stackTop  = 0x20000
	magic     = 0xdead0000
)

func newEngine(t *testing.T) *sim.Engine {
	emu, err := sim.New(emulator.ARCH_X86_64)
	require.NoError(t, err)
	require.NoError(t, emu.MemMap(stackBase, stackTop-stackBase, emulator.MEM_PROT_READ|emulator.MEM_PROT_WRITE))
	require.NoError(t, emu.RegWrite(x86.X86_REG_RSP, stackTop-8))
	return emu
}

func testArgs() *bridge.Args {
	var args bridge.Args
	for i := range args {
		args[i] = uint64(i+1) << 56
	}
	return &args
}

func TestPreCallLayout(t *testing.T) {
	emu := newEngine(t)
	abi := NewX64ABI()
	args := testArgs()
	require.NoError(t, abi.PreCall(emu, args, magic))

	regs, err := emu.RegReadBatch(argRegs...)
	require.NoError(t, err)
	assert.Equal(t, args[:REG_ARGS], regs)

	sp, _ := emu.RegRead(x86.X86_REG_RSP)
	assert.Equal(t, uint64(8), sp%STACK_ALIGN, "entry rsp is 8 mod 16")
	stack := emulator.ToPointer(emu, sp)
	ret, _ := stack.Uint64()
	assert.Equal(t, uint64(magic), ret)
	for i := range HOME_SLOTS {
		v, _ := stack.Add(uint64(1+i) * 8).Uint64()
		assert.Zero(t, v)
	}
	for i := REG_ARGS; i < bridge.MAX_ARGS; i++ {
		v, _ := stack.Add(uint64(1+HOME_SLOTS+i-REG_ARGS) * 8).Uint64()
		assert.Equal(t, args[i], v, "arg %d", i)
	}
}

func TestNativeArgsAndReturn(t *testing.T) {
	emu := newEngine(t)
	abi := NewX64ABI()
	args := testArgs()
	require.NoError(t, abi.PreCall(emu, args, magic))

	var got bridge.Args
	require.NoError(t, abi.NativeArgs(emu, &got))
	assert.Equal(t, *args, got)

	sp, _ := emu.RegRead(x86.X86_REG_RSP)
	home, _ := emulator.ToPointer(emu, sp+8).Uint64()
	assert.Equal(t, args[0], home, "rcx spilled to its home slot")

	ret, err := abi.ReturnAddress(emu)
	require.NoError(t, err)
	assert.Equal(t, uint64(magic), ret)

	next, err := abi.NativeReturn(emu, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, uint64(magic), next)
	rax, _ := emu.RegRead(x86.X86_REG_RAX)
	assert.Equal(t, uint64(0x1234), rax)
	after, _ := emu.RegRead(x86.X86_REG_RSP)
	assert.Equal(t, sp+8, after)

	require.NoError(t, abi.PostCall(emu, args, true))
	final, _ := emu.RegRead(x86.X86_REG_RSP)
	assert.Equal(t, uint64(stackTop-16), final)
}

func TestDisassemble(t *testing.T) {
	abi := NewX64ABI()
	assert.Contains(t, abi.Disassemble([]byte{0xc3}, 0x1000), "ret")
	assert.Equal(t, "(bad)", abi.Disassemble(nil, 0))
}

func TestRegisters(t *testing.T) {
	emu := newEngine(t)
	require.NoError(t, emu.RegWrite(x86.X86_REG_RAX, 0xabc))
	kv, err := NewX64ABI().Registers(emu)
	require.NoError(t, err)
	require.Len(t, kv, len(dumpRegs)*2)
	assert.Equal(t, "rax", kv[0])
	assert.Equal(t, "0000000000000ABC", kv[1])
}
