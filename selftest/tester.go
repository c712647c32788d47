package selftest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator/arm64"
	"github.com/wnxd/emubridge/emulator/sim"
	"github.com/wnxd/emubridge/encoding"
	"github.com/wnxd/emubridge/firmware"
	"github.com/wnxd/emubridge/internal/guest"
	"github.com/wnxd/emubridge/internal/log"
	"github.com/wnxd/emubridge/trap"
)

const (
	DEFAULT_BASE = 0x10000000
	IMAGE_SIZE   = 0x10000

	cbArgsOffset = 0x100
	cbLjOffset   = 0x200
	exitOffset   = 0x300

	slotSize    = 0x200
	hiddenOff   = 0x00
	recordOff   = 0x40
	stackArgOff = 0x100

	nullPoison = 0xAFAFAFAFAFAFAFAF

	// hostTrampoline stands in for the native trampoline the trap handler
	// resumes at.
	hostTrampoline = 0x7FFE_0000_0000
)

var ErrNotSim = errors.New("self test needs the sim backend")

type Config struct {
	// Base is where the first test image is registered. Zero means
	// DEFAULT_BASE.
	Base uint64
	// Exit is the firmware Exit entry point. When set, every image ends its
	// run by calling it from a nested callback.
	Exit uint64
}

type Result struct {
	Machine bridge.Machine
	Name    string
	Passed  bool
}

type Report struct {
	Results []Result
	Begin   bridge.DebugState
	End     bridge.DebugState
}

func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if !res.Passed {
			failed = append(failed, res)
		}
	}
	return failed
}

func (r *Report) Log() {
	for _, res := range r.Results {
		if res.Passed {
			log.Info(log.ModuleSelfTest, res.Name, "machine", res.Machine, "result", "PASS")
		} else {
			log.Error(log.ModuleSelfTest, res.Name, "machine", res.Machine, "result", "FAIL")
		}
	}
	log.Info(log.ModuleSelfTest, "Tests complete", "total", len(r.Results), "failed", len(r.Failed()))
}

type testImage struct {
	machine bridge.Machine
	emu     *sim.Engine
	base    uint64
	slot    uint64
}

func (img *testImage) cbArgs() uint64 { return img.base + cbArgsOffset }

type tester struct {
	b      bridge.Bridge
	cfg    Config
	proto  *Protocol
	report *Report
	images []*testImage
}

func (t *tester) record(machine bridge.Machine, name string, passed bool) {
	t.report.Results = append(t.report.Results, Result{machine, name, passed})
}

// Run registers a test image for every machine of b, runs each one and
// reports what passed.
func Run(b bridge.Bridge, cfg Config) (*Report, error) {
	if cfg.Base == 0 {
		cfg.Base = DEFAULT_BASE
	}
	proto, err := Install(b)
	if err != nil {
		return nil, err
	}
	machines := b.Machines()
	shared, err := b.MapShared(uint64(len(machines)) * slotSize)
	if err != nil {
		return nil, err
	}
	t := &tester{b: b, cfg: cfg, proto: proto, report: &Report{Begin: b.DebugState()}}
	defer t.close()
	for i, machine := range machines {
		emu, err := b.Emulator(machine)
		if err != nil {
			return nil, err
		}
		engine, ok := emu.(*sim.Engine)
		if !ok {
			return nil, ErrNotSim
		}
		img := &testImage{
			machine: machine,
			emu:     engine,
			base:    cfg.Base + uint64(i)*IMAGE_SIZE,
			slot:    shared + uint64(i)*slotSize,
		}
		entry := img.base
		_, err = b.Register(img.base, IMAGE_SIZE, machine, img.base, &entry)
		if err != nil {
			return nil, fmt.Errorf("register %s test image: %w", machine, err)
		}
		t.images = append(t.images, img)
	}
	for _, img := range t.images {
		t.define(img)
	}
	for _, img := range t.images {
		t.runImage(img)
		t.trapCall(img)
	}
	return t.report, nil
}

func (t *tester) close() {
	for _, img := range t.images {
		err := t.b.Unregister(img.base)
		if err != nil {
			log.Warn(log.ModuleSelfTest, "failed to unregister test image", "machine", img.machine, "err", err)
		}
	}
	t.report.End = t.b.DebugState()
}

func (t *tester) runImage(img *testImage) {
	log.Info(log.ModuleSelfTest, "Running test image", "machine", img.machine, "base", img.base)
	status := t.b.RunImage(img.base, 0)
	if t.cfg.Exit != 0 {
		t.record(img.machine, "Exit from nested callback", status == firmware.StatusAborted)
	} else {
		t.record(img.machine, "Image returned", status == bridge.StatusSuccess)
	}
	t.record(img.machine, "No leaked contexts", t.b.ContextCount() == 0)
}

// trapCall enters the image's callback the way an AArch64 host does when it
// branches into emulated code: through the exception handler and trampoline.
func (t *tester) trapCall(img *testImage) {
	exceptions := firmware.NewSoftExceptions()
	tb, err := trap.New(trap.Options{
		Machine:    bridge.MACHINE_AARCH64,
		Resolver:   t.b,
		Memory:     t.b.Memory(),
		Trampoline: hostTrampoline,
	})
	if err == nil {
		err = tb.Install(exceptions)
	}
	if err != nil {
		log.Error(log.ModuleSelfTest, "failed to install trap handler", "err", err)
		t.record(img.machine, "Native call through trap", false)
		return
	}
	defer tb.Uninstall(exceptions)

	ctx := &trap.AArch64Context{
		ELR: img.cbArgs(),
		ESR: trap.ESR_EC_IABT_EL<<trap.ESR_EC_SHIFT | trap.ESR_IFSC_PERM,
		SP:  img.slot + stackArgOff,
	}
	ctx.X[30] = 0x1234
	for i := range 8 {
		ctx.X[i] = ArgVal(uint64(i + 1))
	}
	var stack [8 * 8]byte
	for i := range 8 {
		binary.LittleEndian.PutUint64(stack[i*8:], ArgVal(uint64(i+9)))
	}
	_, err = t.b.Memory().WriteAt(stack[:], int64(ctx.SP))
	if err == nil && exceptions.Raise(trap.EXCEPT_AARCH64_SYNCHRONOUS_EXCEPTIONS, ctx) && ctx.ELR == hostTrampoline {
		err = tb.Trampoline(ctx)
	}
	passed := err == nil && ctx.X[0] == uint64(bridge.StatusSuccess) && ctx.ELR == 0x1234
	t.record(img.machine, "Native call through trap", passed)
}

type step struct {
	name string
	// call returns the target and arguments of the call the step makes. A
	// step without one only runs check.
	call  func(m *sim.Machine) (uint64, *bridge.Args)
	check func(m *sim.Machine, ret uint64) bool
}

func allArgs() *bridge.Args {
	var args bridge.Args
	for i := range args {
		args[i] = ArgVal(uint64(i + 1))
	}
	return &args
}

func to(target uint64, args *bridge.Args) func(m *sim.Machine) (uint64, *bridge.Args) {
	return func(m *sim.Machine) (uint64, *bridge.Args) {
		return target, args
	}
}

func returns(want uint64) func(m *sim.Machine, ret uint64) bool {
	return func(m *sim.Machine, ret uint64) bool {
		return ret == want
	}
}

func loadWords(m *sim.Machine, addr uint64, n int) []uint64 {
	words := make([]uint64, n)
	for i := range words {
		words[i] = m.Load64(addr + uint64(i)*8)
	}
	return words
}

func fields(n int) []uint64 {
	words := make([]uint64, n)
	for i := range words {
		words[i] = FieldVal(uint64(i + 1))
	}
	return words
}

func equal(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *tester) steps(img *testImage) []step {
	p := t.proto
	success := uint64(bridge.StatusSuccess)
	hidden := img.slot + hiddenOff
	steps := []step{
		{name: "TestRet", call: to(p.TestRet, nil), check: returns(RET_VAL)},
		{name: "TestArgs", call: to(p.TestArgs, allArgs()), check: returns(success)},
		{name: "Callback", call: to(p.TestCbArgs, bridge.ArgsOf(img.cbArgs())), check: returns(success)},
	}
	for _, other := range t.images {
		if other == img {
			continue
		}
		steps = append(steps,
			step{name: "Callback to " + other.machine.String(), call: to(p.TestCbArgs, bridge.ArgsOf(other.cbArgs())), check: returns(success)},
			step{name: "Direct call to " + other.machine.String(), call: to(other.cbArgs(), allArgs()), check: returns(success)},
		)
	}
	steps = append(steps,
		step{name: "Unwind", call: to(p.TestSj, bridge.ArgsOf(img.base+cbLjOffset)), check: returns(success)},
		step{name: "TestRet16", call: to(p.TestRet16, bridge.ArgsOf(hidden)), check: func(m *sim.Machine, ret uint64) bool {
			want := fields(2)
			if img.machine == bridge.MACHINE_AARCH64 {
				return equal([]uint64{ret, m.Reg(arm64.ARM64_REG_X1)}, want)
			}
			return ret == hidden && equal(loadWords(m, hidden, 2), want)
		}},
		step{name: "TestRetLarge", call: func(m *sim.Machine) (uint64, *bridge.Args) {
			if img.machine == bridge.MACHINE_AARCH64 {
				m.SetReg(arm64.ARM64_REG_X8, hidden)
				return p.TestRetLarge, nil
			}
			return p.TestRetLarge, bridge.ArgsOf(hidden)
		}, check: func(m *sim.Machine, ret uint64) bool {
			return ret == hidden && equal(loadWords(m, hidden, 4), fields(4))
		}},
		step{name: "GetDebugState", call: to(p.GetDebugState, bridge.ArgsOf(img.slot+recordOff)), check: func(m *sim.Machine, ret uint64) bool {
			var rec DebugStateRecord
			size, _ := encoding.Size(rec)
			if ret != success || encoding.FromWords(loadWords(m, img.slot+recordOff, size/8), &rec) != nil {
				return false
			}
			return rec.CallerMachine == uint64(img.machine) &&
				rec.HostMachine == uint64(t.b.HostMachine()) &&
				rec.Contexts > 0 &&
				rec.Contexts == rec.X64Contexts+rec.AArch64Contexts
		}},
		step{name: "Call to NULL", call: to(0, nil), check: returns(uint64(bridge.StatusUnsupported))},
		step{name: "Call into NULL page", call: to(8, nil), check: returns(uint64(bridge.StatusUnsupported))},
		step{name: "NULL dereference", check: func(m *sim.Machine, ret uint64) bool {
			return m.Load64(0) == nullPoison
		}},
	)
	if t.cfg.Exit != 0 {
		steps = append(steps, step{name: "Exit", call: to(p.TestCbArgs, bridge.ArgsOf(img.base+exitOffset)), check: func(*sim.Machine, uint64) bool {
			return false
		}})
	}
	return steps
}

// define writes the guest programs of img: the entry point runs every step
// in order, and the callbacks at fixed offsets serve the steps that call
// back into emulated code.
func (t *tester) define(img *testImage) {
	var blocks []sim.Block
	for _, s := range t.steps(img) {
		if s.call == nil {
			blocks = append(blocks, func(m *sim.Machine) (uint64, error) {
				t.record(img.machine, s.name, s.check(m, 0))
				return m.Next(), nil
			})
			continue
		}
		blocks = append(blocks, func(m *sim.Machine) (uint64, error) {
			target, args := s.call(m)
			return guest.Call(m, target, args), nil
		}, func(m *sim.Machine) (uint64, error) {
			ret := guest.Result(m)
			t.record(img.machine, s.name, s.check(m, ret))
			return m.Next(), nil
		})
	}
	blocks = append(blocks, func(m *sim.Machine) (uint64, error) {
		return guest.Return(m, uint64(bridge.StatusSuccess)), nil
	})
	img.emu.Define(img.base, blocks...)

	img.emu.Define(img.cbArgs(), func(m *sim.Machine) (uint64, error) {
		args := guest.Args(m)
		if *args != *allArgs() {
			log.Warn(log.ModuleSelfTest, "callback got unexpected arguments", "machine", img.machine)
			return guest.Return(m, uint64(bridge.StatusInvalidParameter)), nil
		}
		return guest.Return(m, uint64(bridge.StatusSuccess)), nil
	})
	img.emu.Define(img.base+cbLjOffset, func(m *sim.Machine) (uint64, error) {
		return guest.Call(m, t.proto.TestLj, bridge.ArgsOf(guest.Arg(m, 0))), nil
	}, func(m *sim.Machine) (uint64, error) {
		return 0, errors.New("returned from TestLj")
	})
	img.emu.Define(img.base+exitOffset, func(m *sim.Machine) (uint64, error) {
		return guest.Call(m, t.cfg.Exit, bridge.ArgsOf(img.base, uint64(firmware.StatusAborted), 0, 0)), nil
	}, func(m *sim.Machine) (uint64, error) {
		return 0, errors.New("returned from Exit")
	})
}
