package bridge

import (
	"slices"

	"github.com/wnxd/emubridge/bridge"
	"github.com/wnxd/emubridge/emulator"
	"github.com/wnxd/emubridge/firmware"
	"github.com/wnxd/emubridge/internal/log"
)

// Address space reserved by the bridge. Shared mappings (stacks and
// MapShared) are carved from the shared window; native functions get
// addresses in the native window, which no engine maps.
const (
	SHARED_BASE  = 0x7F00_0000_0000
	NATIVE_BASE  = 0x7FFF_0000_0000
	NATIVE_SIZE  = 0x1_0000_0000
	NATIVE_SLOT  = 0x10
	RETURN_MAGIC = NATIVE_BASE
)

type Brg struct {
	opts     bridge.Options
	host     bridge.Machine
	pageSize uint64
	cpus     []*cpu
	intr     firmware.Interrupts
	timer    firmware.Timer
	boot     firmware.BootServices
	io       firmware.CpuIo
	attrs    firmware.MemoryAttributes
	closed   bool
	wrappers wrappers
	memoryManager
	imageManager
	nativeManager
	contextManager
	eventManager
}

func New(opts bridge.Options) (*Brg, error) {
	def := bridge.DefaultOptions()
	if opts.Backend == "" {
		opts.Backend = def.Backend
	}
	if opts.HostMachine == bridge.MACHINE_UNKNOWN {
		opts.HostMachine = def.HostMachine
	}
	if opts.StackSize == 0 {
		opts.StackSize = def.StackSize
	}
	if opts.ExitPeriod <= 0 {
		opts.ExitPeriod = def.ExitPeriod
	}
	if opts.MaxContexts <= 0 {
		opts.MaxContexts = def.MaxContexts
	}
	machines := opts.Machines
	if len(machines) == 0 {
		machines = bridge.Machines()
	}
	if len(machines) == 0 {
		return nil, bridge.ErrMachineUnsupported
	}

	b := &Brg{opts: opts, host: opts.HostMachine}
	b.intr = opts.Interrupts
	if b.intr == nil {
		b.intr = firmware.NewInterruptController()
	}
	b.timer = opts.Timer
	if b.timer == nil {
		b.timer = firmware.NewMonotonicTimer()
	}
	b.boot = opts.BootServices
	b.io = opts.CpuIo
	b.attrs = opts.MemoryAttributes
	b.memoryManager.ctor()
	b.imageManager.ctor()
	b.nativeManager.ctor()
	b.contextManager.ctor(opts.MaxContexts, opts.StrictOrphans)
	b.eventManager.ctor()

	for _, machine := range machines {
		ctor, ok := bridge.LookupABI(machine)
		if !ok {
			b.Close()
			return nil, bridge.ErrMachineUnsupported
		}
		abi := ctor()
		emu, err := emulator.Open(opts.Backend, machine.Arch())
		if err != nil {
			b.Close()
			return nil, err
		}
		b.cpus = append(b.cpus, &cpu{machine: machine, abi: abi, emu: emu})
		if b.pageSize == 0 {
			b.pageSize = emu.PageSize()
		}
	}
	for _, c := range b.cpus {
		err := c.init(b)
		if err != nil {
			b.Close()
			return nil, err
		}
	}
	b.initWrappers()
	log.Debug(log.ModuleBridge, "bridge ready", "host", b.host, "machines", machines, "backend", opts.Backend)
	return b, nil
}

func (b *Brg) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.eventManager.dtor()
	b.contextManager.dtor()
	b.nativeManager.dtor()
	b.imageManager.dtor()
	for i := len(b.cpus) - 1; i >= 0; i-- {
		b.cpus[i].close()
	}
	b.memoryManager.dtor()
	return nil
}

func (b *Brg) HostMachine() bridge.Machine {
	return b.host
}

func (b *Brg) Machines() []bridge.Machine {
	machines := make([]bridge.Machine, len(b.cpus))
	for i, c := range b.cpus {
		machines[i] = c.machine
	}
	return machines
}

func (b *Brg) Emulator(machine bridge.Machine) (emulator.Emulator, error) {
	c, err := b.cpuOf(machine)
	if err != nil {
		return nil, err
	}
	return c.emu, nil
}

func (b *Brg) cpuOf(machine bridge.Machine) (*cpu, error) {
	if b.closed {
		return nil, bridge.ErrBridgeClosed
	}
	i := slices.IndexFunc(b.cpus, func(c *cpu) bool { return c.machine == machine })
	if i < 0 {
		return nil, bridge.ErrMachineUnsupported
	}
	return b.cpus[i], nil
}

func (b *Brg) Supported(machine bridge.Machine, subsystem uint16) bool {
	if subsystem != bridge.SUBSYSTEM_EFI_APPLICATION && subsystem != bridge.SUBSYSTEM_EFI_BOOT_SERVICE_DRIVER {
		return false
	}
	_, err := b.cpuOf(machine)
	return err == nil
}

// criticalBegin masks interrupts and returns whether they were enabled.
func (b *Brg) criticalBegin() bool {
	return b.intr.Disable()
}

func (b *Brg) criticalEnd(enabled bool) {
	if enabled {
		b.intr.Enable()
	}
}
