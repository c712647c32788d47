// Package selftest exercises a bridge the way an emulated test image does:
// it publishes a protocol of native functions and runs guest programs on
// every emulated machine that call them, call back into emulated code and
// unwind across the bridge.
package selftest

import (
	"math"
	"sync"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/encoding"
	"github.com/wnxd/emubridge/internal/log"
)

const RET_VAL = 0xFF<<56 | 0xFF

func ArgVal(x uint64) uint64 {
	return x<<56 | x
}

func FieldVal(x uint64) uint64 {
	return 1<<63 | x<<56 | x
}

// Ret16 fits the AArch64 return registers but not the x64 one.
type Ret16 struct {
	A, B uint64
}

// RetLarge never fits in registers.
type RetLarge struct {
	A, B, C, D uint64
}

// DebugStateRecord is the layout GetDebugState writes to guest memory.
type DebugStateRecord struct {
	HostMachine            uint64
	CallerMachine          uint64
	Contexts               uint64
	X64Contexts            uint64
	AArch64Contexts        uint64
	X64ExitPeriodTicks     uint64
	X64ExitPeriodTbs       uint64
	AArch64ExitPeriodTicks uint64
	AArch64ExitPeriodTbs   uint64
}

func recordOf(state bridge.DebugState) DebugStateRecord {
	rec := DebugStateRecord{
		HostMachine:   uint64(state.HostMachine),
		CallerMachine: uint64(state.CallerMachine),
		Contexts:      uint64(state.Contexts),
	}
	if cpu, ok := state.Cpu(bridge.MACHINE_X64); ok {
		rec.X64Contexts = uint64(cpu.Contexts)
		rec.X64ExitPeriodTicks = cpu.ExitPeriodTicks
		rec.X64ExitPeriodTbs = cpu.ExitPeriodTbs
	}
	if cpu, ok := state.Cpu(bridge.MACHINE_AARCH64); ok {
		rec.AArch64Contexts = uint64(cpu.Contexts)
		rec.AArch64ExitPeriodTicks = cpu.ExitPeriodTicks
		rec.AArch64ExitPeriodTbs = cpu.ExitPeriodTbs
	}
	return rec
}

// Protocol holds the native addresses of the test functions.
type Protocol struct {
	TestRet       uint64
	TestArgs      uint64
	TestRet16     uint64
	TestRetLarge  uint64
	TestCbArgs    uint64
	GetDebugState uint64
	TestSj        uint64
	TestLj        uint64

	mu      sync.Mutex
	nextJmp uint64
	jmps    map[uint64]*bridge.JumpBuffer
}

func Install(b bridge.Bridge) (*Protocol, error) {
	p := &Protocol{jmps: make(map[uint64]*bridge.JumpBuffer)}
	for _, fn := range []struct {
		name string
		addr *uint64
		fn   bridge.NativeFunc
	}{
		{"TestRet", &p.TestRet, testRet},
		{"TestArgs", &p.TestArgs, testArgs},
		{"TestRet16", &p.TestRet16, testRet16},
		{"TestRetLarge", &p.TestRetLarge, testRetLarge},
		{"TestCbArgs", &p.TestCbArgs, testCbArgs},
		{"GetDebugState", &p.GetDebugState, getDebugState},
		{"TestSj", &p.TestSj, p.testSj},
		{"TestLj", &p.TestLj, p.testLj},
	} {
		addr, err := b.AddNative(fn.name, fn.fn)
		if err != nil {
			return nil, err
		}
		*fn.addr = addr
	}
	return p, nil
}

func testRet(ctx bridge.CallContext, args *bridge.Args) uint64 {
	return RET_VAL
}

func testArgs(ctx bridge.CallContext, args *bridge.Args) uint64 {
	for i, arg := range args {
		if arg != ArgVal(uint64(i+1)) {
			log.Warn(log.ModuleSelfTest, "unexpected argument", "index", i, "got", arg)
			return uint64(bridge.StatusInvalidParameter)
		}
	}
	return uint64(bridge.StatusSuccess)
}

func testRet16(ctx bridge.CallContext, args *bridge.Args) uint64 {
	val, err := ctx.ReturnValue(Ret16{FieldVal(1), FieldVal(2)})
	if err != nil {
		log.Error(log.ModuleSelfTest, "failed to return Ret16", "err", err)
	}
	return val
}

func testRetLarge(ctx bridge.CallContext, args *bridge.Args) uint64 {
	val, err := ctx.ReturnValue(RetLarge{FieldVal(1), FieldVal(2), FieldVal(3), FieldVal(4)})
	if err != nil {
		log.Error(log.ModuleSelfTest, "failed to return RetLarge", "err", err)
	}
	return val
}

// runCallback calls emulated code at cb on the machine that owns it.
func runCallback(ctx bridge.CallContext, cb uint64, args *bridge.Args) uint64 {
	b := ctx.Bridge()
	img, err := b.FindImage(cb)
	if err != nil {
		log.Warn(log.ModuleSelfTest, "callback is not emulated code", "cb", cb)
		return uint64(bridge.StatusInvalidParameter)
	}
	ret, _ := b.RunFunc(img.Machine(), cb, args)
	return ret
}

func testCbArgs(ctx bridge.CallContext, args *bridge.Args) uint64 {
	var cbArgs bridge.Args
	for i := range cbArgs {
		cbArgs[i] = ArgVal(uint64(i + 1))
	}
	return runCallback(ctx, args[0], &cbArgs)
}

func getDebugState(ctx bridge.CallContext, args *bridge.Args) uint64 {
	data, err := encoding.Marshal(recordOf(ctx.Bridge().DebugState()))
	if err != nil {
		return uint64(bridge.StatusOf(err))
	}
	err = ctx.ToPointer(args[0]).MemWrite(data)
	if err != nil {
		return uint64(bridge.StatusInvalidParameter)
	}
	return uint64(bridge.StatusSuccess)
}

// testSj calls cb with a jump buffer id and expects it to come back through
// TestLj instead of returning.
func (p *Protocol) testSj(ctx bridge.CallContext, args *bridge.Args) uint64 {
	jb := new(bridge.JumpBuffer)
	p.mu.Lock()
	p.nextJmp++
	id := p.nextJmp
	p.jmps[id] = jb
	p.mu.Unlock()
	_, unwound := bridge.Unwindable(jb, func() uint64 {
		return runCallback(ctx, args[0], bridge.ArgsOf(id))
	})
	p.mu.Lock()
	delete(p.jmps, id)
	p.mu.Unlock()
	if !unwound {
		return uint64(bridge.StatusInvalidParameter)
	}
	log.Debug(log.ModuleSelfTest, "Back to TestSj")
	return uint64(bridge.StatusSuccess)
}

func (p *Protocol) testLj(ctx bridge.CallContext, args *bridge.Args) uint64 {
	p.mu.Lock()
	jb := p.jmps[args[0]]
	p.mu.Unlock()
	if jb == nil {
		return uint64(bridge.StatusInvalidParameter)
	}
	jb.Unwind(math.MaxUint64)
	return 0
}
