// emubridge runs the bridge self test and reports the bridge state.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wnxd/emubridge"
	"github.com/wnxd/emubridge/bridge"
	_ "github.com/wnxd/emubridge/bridge/arm64"
	_ "github.com/wnxd/emubridge/bridge/x64"
	_ "github.com/wnxd/emubridge/emulator/sim"
	"github.com/wnxd/emubridge/firmware"
	"github.com/wnxd/emubridge/selftest"
)

var (
	Version = "dev"
	Commit  = "none"
)

// Entry points of the boot services the soft firmware publishes. Nothing
// maps them, so every call reaches the bridge as a native call.
var entries = firmware.EntryPoints{
	CreateEvent:              0x6000_0000_0000,
	CreateEventEx:            0x6000_0000_0010,
	CloseEvent:               0x6000_0000_0020,
	Exit:                     0x6000_0000_0030,
	ExitBootServices:         0x6000_0000_0040,
	RegisterInterruptHandler: 0x6000_0000_0050,
}

func parseMachine(name string) (bridge.Machine, error) {
	switch strings.ToLower(name) {
	case "x64", "x86_64", "amd64":
		return bridge.MACHINE_X64, nil
	case "aarch64", "arm64":
		return bridge.MACHINE_AARCH64, nil
	case "riscv64":
		return bridge.MACHINE_RISCV64, nil
	case "loongarch64":
		return bridge.MACHINE_LOONGARCH64, nil
	}
	return bridge.MACHINE_UNKNOWN, fmt.Errorf("unknown machine %q", name)
}

type flags struct {
	backend       string
	machines      []string
	host          string
	logLevel      string
	exitPeriod    time.Duration
	stackSize     uint64
	timeout       bool
	strictOrphans bool
	checkArgs     bool
}

func (f *flags) register(cmd *cobra.Command) {
	opts := bridge.OptionsFromEnv()
	fs := cmd.Flags()
	fs.StringVar(&f.backend, "backend", opts.Backend, "emulator backend")
	fs.StringSliceVar(&f.machines, "machine", nil, "emulated machines (default: all registered)")
	fs.StringVar(&f.host, "host", "", "host machine reported to emulated code")
	fs.StringVar(&f.logLevel, "log-level", opts.LogLevel, "log level")
	fs.DurationVar(&f.exitPeriod, "exit-period", opts.ExitPeriod, "emulation time slice")
	fs.Uint64Var(&f.stackSize, "stack-size", opts.StackSize, "emulated stack size per machine")
	fs.BoolVar(&f.timeout, "timeout", opts.Timeout, "bound each emulation slice by time")
	fs.BoolVar(&f.strictOrphans, "strict-orphans", opts.StrictOrphans, "compress orphaned contexts using stack depth")
	fs.BoolVar(&f.checkArgs, "check-args", opts.CheckArgs, "verify callee-saved state after emulated calls")
}

type system struct {
	intr *firmware.InterruptController
	boot *firmware.SoftBootServices
}

func (f *flags) open(stderr io.Writer) (bridge.Bridge, *system, error) {
	err := emubridge.SetupLogging(stderr, f.logLevel)
	if err != nil {
		return nil, nil, err
	}
	sys := &system{intr: firmware.NewInterruptController()}
	sys.boot = firmware.NewSoftBootServices(entries, sys.intr)

	opts := bridge.OptionsFromEnv()
	opts.Backend = f.backend
	opts.LogLevel = f.logLevel
	opts.ExitPeriod = f.exitPeriod
	opts.StackSize = f.stackSize
	opts.Timeout = f.timeout
	opts.StrictOrphans = f.strictOrphans
	opts.CheckArgs = f.checkArgs
	for _, name := range f.machines {
		machine, err := parseMachine(name)
		if err != nil {
			return nil, nil, err
		}
		opts.Machines = append(opts.Machines, machine)
	}
	if f.host != "" {
		opts.HostMachine, err = parseMachine(f.host)
		if err != nil {
			return nil, nil, err
		}
	}
	opts.Interrupts = sys.intr
	opts.Timer = firmware.NewMonotonicTimer()
	opts.BootServices = sys.boot
	opts.CpuIo = firmware.NewPortSpace()
	b, err := emubridge.New(opts)
	if err != nil {
		return nil, nil, err
	}
	return b, sys, nil
}

func printState(w io.Writer, state bridge.DebugState) {
	fmt.Fprintf(w, "Host machine:   %s\n", state.HostMachine)
	fmt.Fprintf(w, "Contexts:       %d\n", state.Contexts)
	fmt.Fprintf(w, "Images:         %d\n", state.Images)
	fmt.Fprintf(w, "Events:         %d\n", state.Events)
	for _, cpu := range state.Cpus {
		fmt.Fprintf(w, "%s:\n", cpu.Machine)
		fmt.Fprintf(w, "  Stack:        %#x-%#x\n", cpu.StackBase, cpu.StackTop)
		fmt.Fprintf(w, "  Contexts:     %d\n", cpu.Contexts)
		fmt.Fprintf(w, "  TBs executed: %d\n", cpu.TbCount)
		fmt.Fprintf(w, "  Exit period:  %d ticks / %d TBs\n", cpu.ExitPeriodTicks, cpu.ExitPeriodTbs)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "emubridge",
		Short:        "Cross-ISA call bridge for emulated firmware images",
		Version:      fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		selfFlags flags
		base      uint64
		withExit  bool
	)
	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the call protocol tests on every emulated machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, sys, err := selfFlags.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer b.Close()
			cfg := selftest.Config{Base: base}
			if withExit {
				cfg.Exit = entries.Exit
			}
			report, err := selftest.Run(b, cfg)
			if err != nil {
				return err
			}
			report.Log()
			w := cmd.OutOrStdout()
			for _, res := range report.Results {
				result := "PASS"
				if !res.Passed {
					result = "FAIL"
				}
				fmt.Fprintf(w, "%-4s %-8s %s\n", result, res.Machine, res.Name)
			}
			fmt.Fprintf(w, "%d tests, %d failed, %d exits\n", len(report.Results), len(report.Failed()), len(sys.boot.Exits()))
			if len(report.Failed()) > 0 {
				return fmt.Errorf("%d self tests failed", len(report.Failed()))
			}
			return nil
		},
	}
	selfFlags.register(selftestCmd)
	selftestCmd.Flags().Uint64Var(&base, "base", selftest.DEFAULT_BASE, "address of the first test image")
	selftestCmd.Flags().BoolVar(&withExit, "exit", false, "end each test image through the Exit boot service")

	var stateFlags flags
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Print the state of a freshly created bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := stateFlags.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer b.Close()
			printState(cmd.OutOrStdout(), b.DebugState())
			return nil
		},
	}
	stateFlags.register(stateCmd)

	rootCmd.AddCommand(selftestCmd, stateCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
