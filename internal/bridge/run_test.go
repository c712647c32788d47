package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/emulator/sim"
	"github.com/wnxd/emubridge/firmware"
	"github.com/wnxd/emubridge/internal/guest"
)

var machines = []struct {
	machine bridge.Machine
	base    uint64
}{
	{bridge.MACHINE_X64, x64Base},
	{bridge.MACHINE_AARCH64, arm64Base},
}

func TestRunFuncArgs(t *testing.T) {
	f := newFixture(t, nil)
	for _, tc := range machines {
		t.Run(tc.machine.String(), func(t *testing.T) {
			e := f.image(t, tc.machine, tc.base, tc.base)
			var got *bridge.Args
			var enabled bool
			e.Define(tc.base, func(m *sim.Machine) (uint64, error) {
				got = guest.Args(m)
				enabled = f.intr.Enabled()
				return guest.Return(m, guest.Arg(m, 15)-guest.Arg(m, 0)), nil
			})
			want := argVals()
			ret, err := f.b.RunFunc(tc.machine, tc.base, want)
			require.NoError(t, err)
			assert.Equal(t, want[15]-want[0], ret)
			assert.Equal(t, want, got)
			assert.False(t, enabled)
			assert.True(t, f.intr.Enabled())
			assert.Zero(t, f.b.ContextCount())
			assert.NotContains(t, f.logs.Messages(0), "possible arg mismatch")
		})
	}
}

func TestRunFuncUnknownMachine(t *testing.T) {
	f := newFixture(t, nil)
	ret, err := f.b.RunFunc(bridge.MACHINE_RISCV64, 0x1000, nil)
	assert.ErrorIs(t, err, bridge.ErrMachineUnsupported)
	assert.Equal(t, uint64(bridge.StatusUnsupported), ret)
}

func TestNativeCall(t *testing.T) {
	f := newFixture(t, nil)
	for _, tc := range machines {
		t.Run(tc.machine.String(), func(t *testing.T) {
			e := f.image(t, tc.machine, tc.base, tc.base)
			var seen bridge.Args
			var pc, ret uint64
			var caller bridge.Machine
			addr, err := f.b.AddNative("seen", func(ctx bridge.CallContext, args *bridge.Args) uint64 {
				seen = *args
				pc, ret, caller = ctx.ProgramCounter(), ctx.ReturnAddress(), ctx.Machine()
				return 0x99
			})
			require.NoError(t, err)
			want := argVals()
			e.Define(tc.base, func(m *sim.Machine) (uint64, error) {
				return guest.Call(m, addr, want), nil
			}, func(m *sim.Machine) (uint64, error) {
				return guest.Return(m, guest.Result(m)+1), nil
			})
			val, err := f.b.RunFunc(tc.machine, tc.base, nil)
			require.NoError(t, err)
			assert.Equal(t, uint64(0x9a), val)
			assert.Equal(t, *want, seen)
			assert.Equal(t, addr, pc)
			assert.Equal(t, tc.base+e.InsnSize(), ret)
			assert.Equal(t, tc.machine, caller)
		})
	}
}

func TestCrossMachineCall(t *testing.T) {
	f := newFixture(t, nil)
	x := f.image(t, bridge.MACHINE_X64, x64Base, 1)
	a := f.image(t, bridge.MACHINE_AARCH64, arm64Base, 2)
	var state bridge.DebugState
	a.Define(arm64Base+0x100, func(m *sim.Machine) (uint64, error) {
		state = f.b.DebugState()
		return guest.Return(m, guest.Arg(m, 0)+guest.Arg(m, 15)), nil
	})
	want := argVals()
	x.Define(x64Base, func(m *sim.Machine) (uint64, error) {
		return guest.Call(m, arm64Base+0x100, want), nil
	}, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, guest.Result(m)+1), nil
	})

	ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base, nil)
	require.NoError(t, err)
	assert.Equal(t, want[0]+want[15]+1, ret)
	assert.Equal(t, bridge.MACHINE_AARCH64, state.CallerMachine)
	assert.Equal(t, 2, state.Contexts)
	assert.Equal(t, 1, cpuContexts(t, state, bridge.MACHINE_X64))
	assert.Equal(t, 1, cpuContexts(t, state, bridge.MACHINE_AARCH64))
	assert.Zero(t, f.b.ContextCount())
}

func TestNestedCallPreservesCaller(t *testing.T) {
	f := newFixture(t, nil)
	for _, tc := range machines {
		t.Run(tc.machine.String(), func(t *testing.T) {
			e := f.image(t, tc.machine, tc.base, tc.base)
			scratch := guest.Scratch(tc.machine.Arch())
			var nested int
			e.Define(tc.base+0x100, func(m *sim.Machine) (uint64, error) {
				nested = cpuContexts(t, f.b.DebugState(), tc.machine)
				m.SetReg(scratch, 0xdead)
				return guest.Return(m, guest.Arg(m, 0)*2), nil
			})
			cb, err := f.b.AddNative("callback", func(ctx bridge.CallContext, args *bridge.Args) uint64 {
				ret, err := ctx.Bridge().RunFunc(ctx.Machine(), tc.base+0x100, bridge.ArgsOf(args[0]))
				assert.NoError(t, err)
				return ret
			})
			require.NoError(t, err)
			e.Define(tc.base, func(m *sim.Machine) (uint64, error) {
				m.SetReg(scratch, 0x1111)
				return guest.Call(m, cb, bridge.ArgsOf(5)), nil
			}, func(m *sim.Machine) (uint64, error) {
				return guest.Return(m, guest.Result(m)+m.Reg(scratch)), nil
			})

			ret, err := f.b.RunFunc(tc.machine, tc.base, nil)
			require.NoError(t, err)
			assert.Equal(t, uint64(10+0x1111), ret)
			assert.Equal(t, 2, nested)
			assert.Zero(t, f.b.ContextCount())
		})
	}
}

func TestUnwindCompressesOrphans(t *testing.T) {
	for _, strict := range []bool{false, true} {
		name := "lazy"
		if strict {
			name = "strict"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, func(opts *bridge.Options) {
				opts.StrictOrphans = strict
			})
			e := f.image(t, bridge.MACHINE_X64, x64Base, 1)
			scratch := guest.Scratch(emulator.ARCH_X86_64)
			jb := new(bridge.JumpBuffer)
			lj, err := f.b.AddNative("lj", func(ctx bridge.CallContext, args *bridge.Args) uint64 {
				jb.Unwind(args[0])
				return 0
			})
			require.NoError(t, err)
			e.Define(x64Base+0x100, func(m *sim.Machine) (uint64, error) {
				m.SetReg(scratch, 0xdead)
				return guest.Call(m, lj, bridge.ArgsOf(42)), nil
			}, func(m *sim.Machine) (uint64, error) {
				return 0, errors.New("returned from lj")
			})
			e.Define(x64Base+0x200, func(m *sim.Machine) (uint64, error) {
				return guest.Return(m, 7), nil
			})
			var leaked, after int
			sj, err := f.b.AddNative("sj", func(ctx bridge.CallContext, args *bridge.Args) uint64 {
				val, unwound := bridge.Unwindable(jb, func() uint64 {
					ret, _ := f.b.RunFunc(bridge.MACHINE_X64, x64Base+0x100, nil)
					return ret
				})
				assert.True(t, unwound)
				leaked = f.b.ContextCount()
				ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base+0x200, nil)
				assert.NoError(t, err)
				assert.Equal(t, uint64(7), ret)
				after = f.b.ContextCount()
				return val + 1
			})
			require.NoError(t, err)
			e.Define(x64Base, func(m *sim.Machine) (uint64, error) {
				m.SetReg(scratch, 0x1111)
				return guest.Call(m, sj, nil), nil
			}, func(m *sim.Machine) (uint64, error) {
				return guest.Return(m, guest.Result(m)+m.Reg(scratch)), nil
			})

			ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base, nil)
			require.NoError(t, err)
			assert.Equal(t, uint64(43+0x1111), ret)
			assert.Equal(t, 2, leaked)
			if strict {
				assert.Equal(t, 1, after)
			} else {
				assert.Equal(t, 2, after)
			}
			assert.Zero(t, f.b.ContextCount())
			assert.Zero(t, cpuContexts(t, f.b.DebugState(), bridge.MACHINE_X64))
		})
	}
}

func TestRunImage(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(t, bridge.MACHINE_X64)
	entry := uint64(x64Base + 0x40)
	img, err := f.b.Register(x64Base, imageSize, bridge.MACHINE_X64, 0xAAAA, &entry)
	require.NoError(t, err)
	var got []uint64
	e.Define(img.Entry(), func(m *sim.Machine) (uint64, error) {
		got = []uint64{guest.Arg(m, 0), guest.Arg(m, 1)}
		return guest.Return(m, uint64(bridge.StatusSuccess)), nil
	})

	assert.Equal(t, bridge.StatusSuccess, f.b.RunImage(0xAAAA, 0x5555))
	assert.Equal(t, []uint64{0xAAAA, 0x5555}, got)
	assert.Equal(t, bridge.StatusInvalidParameter, f.b.RunImage(0xBBBB, 0))

	a := f.image(t, bridge.MACHINE_AARCH64, arm64Base, 2)
	a.Define(arm64Base, func(m *sim.Machine) (uint64, error) {
		return guest.Call(m, entry, bridge.ArgsOf(0xAAAA, 0x6666)), nil
	}, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, guest.Result(m)), nil
	})
	ret, err := f.b.RunFunc(bridge.MACHINE_AARCH64, arm64Base, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(bridge.StatusSuccess), ret)
	assert.Equal(t, []uint64{0xAAAA, 0x6666}, got)
	assert.Zero(t, f.b.ContextCount())
}

func TestRunImageExit(t *testing.T) {
	f := newFixture(t, nil)
	e := f.image(t, bridge.MACHINE_X64, x64Base, 0xAAAA)
	deep, err := f.b.AddNative("deep", func(ctx bridge.CallContext, args *bridge.Args) uint64 {
		ret, _ := f.b.RunFunc(bridge.MACHINE_X64, x64Base+0x100, bridge.ArgsOf(args[0]))
		return ret
	})
	require.NoError(t, err)
	e.Define(x64Base, func(m *sim.Machine) (uint64, error) {
		return guest.Call(m, deep, bridge.ArgsOf(guest.Arg(m, 0))), nil
	}, func(m *sim.Machine) (uint64, error) {
		return 0, errors.New("returned from exit")
	})
	e.Define(x64Base+0x100, func(m *sim.Machine) (uint64, error) {
		return guest.Call(m, entries.Exit, bridge.ArgsOf(guest.Arg(m, 0), uint64(bridge.StatusAborted), 4, 0x1234)), nil
	}, func(m *sim.Machine) (uint64, error) {
		return 0, errors.New("returned from exit")
	})

	status := f.b.RunImage(0xAAAA, 0)
	assert.Equal(t, bridge.StatusAborted, status)
	assert.Equal(t, []firmware.ExitCall{{Handle: 0xAAAA, Status: bridge.StatusAborted, DataSize: 4, Data: 0x1234}}, f.boot.Exits())
	assert.Zero(t, f.b.ContextCount())
	assert.Zero(t, cpuContexts(t, f.b.DebugState(), bridge.MACHINE_X64))
	assert.True(t, f.intr.Enabled())
}

func TestExitImageNotRunning(t *testing.T) {
	f := newFixture(t, nil)
	e := f.image(t, bridge.MACHINE_X64, x64Base, 0xAAAA)
	e.Define(x64Base, func(m *sim.Machine) (uint64, error) {
		return guest.Call(m, entries.Exit, bridge.ArgsOf(guest.Arg(m, 0), 0, 0, 0)), nil
	}, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, guest.Result(m)), nil
	})
	for _, handle := range []uint64{0xAAAA, 0xBBBB} {
		ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base, bridge.ArgsOf(handle))
		require.NoError(t, err)
		assert.Equal(t, uint64(bridge.StatusInvalidParameter), ret)
	}
	assert.Empty(t, f.boot.Exits())
}

func TestRejectedTargets(t *testing.T) {
	f := newFixture(t, nil)
	e := f.image(t, bridge.MACHINE_X64, x64Base, 1)
	e.Define(x64Base, func(m *sim.Machine) (uint64, error) {
		return guest.Call(m, guest.Arg(m, 0), nil), nil
	}, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, guest.Result(m)), nil
	})
	for _, tc := range []struct {
		target uint64
		msg    string
	}{
		{entries.ExitBootServices, "Unsupported emulated ExitBootServices"},
		{entries.RegisterInterruptHandler, "Unsupported emulated RegisterInterruptHandler"},
		{0x10, "unsupported native call"},
		{unmapped, "unknown native target"},
	} {
		f.logs.Reset()
		ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base, bridge.ArgsOf(tc.target))
		require.NoError(t, err)
		assert.Equal(t, uint64(bridge.StatusUnsupported), ret)
		assert.True(t, f.logged(tc.msg), tc.msg)
	}
}

func TestEmulationFailure(t *testing.T) {
	f := newFixture(t, nil)
	e := f.image(t, bridge.MACHINE_X64, x64Base, 1)
	e.Define(x64Base, func(m *sim.Machine) (uint64, error) {
		return x64Base + 0x500, nil
	})
	ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base, nil)
	require.Error(t, err)
	assert.Equal(t, uint64(bridge.StatusUnsupported), ret)
	assert.ErrorIs(t, err, emulator.ErrInvalidInstruction)
	assert.ErrorIs(t, err, bridge.StatusUnsupported)
	var ee *bridge.EmulationError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, uint64(x64Base+0x500), ee.PC)
	assert.Equal(t, bridge.MACHINE_X64, ee.Machine)
	assert.True(t, f.logged("emulation failed"))
	assert.True(t, f.logged("registers"))
	assert.Zero(t, f.b.ContextCount())
	assert.True(t, f.intr.Enabled())

	e.Define(x64Base+0x100, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, m.Load64(unmapped)), nil
	})
	_, err = f.b.RunFunc(bridge.MACHINE_X64, x64Base+0x100, nil)
	assert.ErrorIs(t, err, emulator.ErrMemUnmapped)
}

func TestOutOfContexts(t *testing.T) {
	f := newFixture(t, func(opts *bridge.Options) {
		opts.MaxContexts = 1
	})
	e := f.image(t, bridge.MACHINE_X64, x64Base, 1)
	var nestedErr error
	nest, err := f.b.AddNative("nest", func(ctx bridge.CallContext, args *bridge.Args) uint64 {
		ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base+0x100, nil)
		nestedErr = err
		return ret
	})
	require.NoError(t, err)
	e.Define(x64Base+0x100, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, 0), nil
	})
	e.Define(x64Base, func(m *sim.Machine) (uint64, error) {
		return guest.Call(m, nest, nil), nil
	}, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, guest.Result(m)), nil
	})
	ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(bridge.StatusOutOfResources), ret)
	assert.ErrorIs(t, nestedErr, bridge.StatusOutOfResources)
	assert.True(t, f.logged("out of run contexts"))
	assert.Zero(t, f.b.ContextCount())
}

func TestNullPage(t *testing.T) {
	f := newFixture(t, nil)
	e := f.image(t, bridge.MACHINE_X64, x64Base, 1)
	e.Define(x64Base, func(m *sim.Machine) (uint64, error) {
		val := m.Load64(0x10)
		m.Store64(0x20, 1)
		m.Store64(0x30, 0x1234)
		if m.Load64(0x30) != NULL_POISON {
			return guest.Return(m, 0), nil
		}
		return guest.Return(m, val), nil
	})
	ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAFAFAFAFAFAFAFAF), ret)
	assert.True(t, f.logged("null page read"))
	assert.True(t, f.logged("null page write"))
	data, err := e.MemRead(0x20, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAF, 0xAF, 0xAF, 0xAF, 0xAF, 0xAF, 0xAF, 0xAF}, data)
	_, ok := regionAt(t, f.engine(t, bridge.MACHINE_AARCH64), 0)
	assert.True(t, ok)
}

func TestPortIO(t *testing.T) {
	ports := firmware.NewPortSpace()
	f := newFixture(t, func(opts *bridge.Options) {
		opts.CpuIo = ports
	})
	e := f.image(t, bridge.MACHINE_X64, x64Base, 1)
	e.Define(x64Base, func(m *sim.Machine) (uint64, error) {
		m.Out(0x80, 1, 0x1ff)
		val := m.In(0x80, 2)
		m.In(0x70, 8)
		return guest.Return(m, uint64(val)), nil
	})
	ret, err := f.b.RunFunc(bridge.MACHINE_X64, x64Base, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xff), ret)
	val, err := ports.IoRead(4, 0x80)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xff), val)
	assert.True(t, f.logged("unsupported port read size"))
}
