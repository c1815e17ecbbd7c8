package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kflash/kflash/internal/devicecatalog"
	"github.com/kflash/kflash/internal/flasher"
	"github.com/kflash/kflash/internal/oracle"
	"github.com/kflash/kflash/internal/orchestrator"
	"github.com/kflash/kflash/internal/registry"
	"github.com/kflash/kflash/internal/service"
)

// FlashOptions holds options for the flash command.
type FlashOptions struct {
	*GlobalOptions

	Key            string
	DaemonURL      string
	NoSafetyOracle bool
}

// NewFlashCommand creates the single-device flash command.
func NewFlashCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &FlashOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "flash KEY",
		Short: "Build and flash firmware to one registered device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Key = args[0]
			return runFlash(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.DaemonURL, "daemon-url", "http://localhost:7125", "host daemon status endpoint base URL")
	cmd.Flags().BoolVar(&opts.NoSafetyOracle, "no-safety-oracle", false, "skip the status-oracle safety check entirely")

	return cmd
}

func runFlash(ctx context.Context, opts *FlashOptions) error {
	snap, err := loadSnapshot(opts.GlobalOptions)
	if err != nil {
		return err
	}
	cache, err := openCache(opts.GlobalOptions)
	if err != nil {
		return err
	}
	prompt, err := newStdinPrompter()
	if err != nil {
		return err
	}
	defer prompt.close()

	deps := orchestrator.SingleDeps{
		RegistryPath:        opts.RegistryPath,
		Cache:               cache,
		Service:             service.New("klipper"),
		Flasher:             newStreamingFlasher(snap.Global),
		Prompt:              prompt,
		SkipConfigTUI:       snap.Global.SkipConfigTUI,
		AllowFlashFallback:  snap.Global.AllowFlashFallback,
		BootloaderToolTree:  snap.Global.BootloaderToolTree,
		NeedsBootloaderTool: needsBootloaderToolFunc(),
	}
	if !opts.NoSafetyOracle {
		deps.Oracle = oracle.New(opts.DaemonURL)
	}

	result, err := orchestrator.RunSingle(ctx, deps, opts.Key)
	if err != nil {
		return err
	}
	if result.Cancelled {
		fmt.Println("Cancelled.")
		return nil
	}
	if !result.Success {
		return fmt.Errorf("flash failed: %s", result.Error)
	}
	if !result.VerifyOK {
		return fmt.Errorf("flash succeeded but verification failed: %s", result.Error)
	}

	fmt.Printf("Flashed %s via %s: success\n", opts.Key, result.Method)
	return nil
}

// newFlasher registers both flash methods against the global config so
// either can be selected as primary or fallback. Output is captured and
// discarded — the batch path's variant, per spec.md §9.
func newFlasher(global registry.GlobalConfig) *flasher.Flasher {
	return newFlasherWithOnLine(global, nil)
}

// newStreamingFlasher is newFlasher's single-device sibling: it wires an
// OnLine callback that prints each flash-tool line to stdout as it arrives,
// so the operator sees progress live instead of only a final result.
func newStreamingFlasher(global registry.GlobalConfig) *flasher.Flasher {
	return newFlasherWithOnLine(global, func(line string) { fmt.Println(line) })
}

func newFlasherWithOnLine(global registry.GlobalConfig, onLine func(string)) *flasher.Flasher {
	f := flasher.New(global.AllowFlashFallback)
	f.Register(flasher.MethodBootloaderTool, flasher.BootloaderTool{
		ScriptPath: global.BootloaderToolTree + "/scripts/flashtool.py",
		OnLine:     onLine,
	})
	f.Register(flasher.MethodBuildFlash, flasher.BuildFlash{OnLine: onLine})
	return f
}

// needsBootloaderToolFunc looks up a device's MCU family in the static
// catalog to decide whether its flash path needs the bootloader-tool tree
// at all; an unknown family conservatively assumes it does.
func needsBootloaderToolFunc() func(registry.DeviceEntry) bool {
	return func(e registry.DeviceEntry) bool {
		cat, err := devicecatalog.Get()
		if err != nil {
			return true
		}
		family, ok := cat.FindByConfigKey(e.MCU)
		if !ok {
			return true
		}
		return family.RequiresBootloaderTool
	}
}
