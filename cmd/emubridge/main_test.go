package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/emubridge/bridge"
)

func TestParseMachine(t *testing.T) {
	for name, want := range map[string]bridge.Machine{
		"x64":         bridge.MACHINE_X64,
		"AMD64":       bridge.MACHINE_X64,
		"aarch64":     bridge.MACHINE_AARCH64,
		"arm64":       bridge.MACHINE_AARCH64,
		"riscv64":     bridge.MACHINE_RISCV64,
		"LoongArch64": bridge.MACHINE_LOONGARCH64,
	} {
		got, err := parseMachine(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := parseMachine("ia32")
	assert.Error(t, err)
}

func TestOpenAndPrintState(t *testing.T) {
	f := flags{
		backend:    "sim",
		machines:   []string{"x64", "aarch64"},
		host:       "aarch64",
		logLevel:   "error",
		exitPeriod: bridge.DEFAULT_EXIT_PERIOD,
		stackSize:  bridge.DEFAULT_STACK_SIZE,
	}
	var stderr bytes.Buffer
	b, sys, err := f.open(&stderr)
	require.NoError(t, err)
	defer b.Close()
	assert.NotNil(t, sys.boot)
	assert.Equal(t, bridge.MACHINE_AARCH64, b.HostMachine())

	var out bytes.Buffer
	printState(&out, b.DebugState())
	assert.Contains(t, out.String(), "Host machine:   AArch64")
	assert.Contains(t, out.String(), "X64:")
	assert.Contains(t, out.String(), "Exit period:")
}

func TestOpenRejectsMachine(t *testing.T) {
	f := flags{backend: "sim", machines: []string{"mips"}, logLevel: "info"}
	_, _, err := f.open(&bytes.Buffer{})
	assert.Error(t, err)
}
