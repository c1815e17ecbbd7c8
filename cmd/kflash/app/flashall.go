package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kflash/kflash/internal/oracle"
	"github.com/kflash/kflash/internal/orchestrator"
	"github.com/kflash/kflash/internal/service"
)

// FlashAllOptions holds options for the flash-all command.
type FlashAllOptions struct {
	*GlobalOptions

	DaemonURL      string
	NoSafetyOracle bool
}

// NewFlashAllCommand creates the batch flash command.
func NewFlashAllCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &FlashAllOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "flash-all",
		Short: "Build and flash firmware to every flashable registered device",
		Long: `Build and flash firmware to every device marked flashable in the registry,
in sorted key order. The host daemon is stopped once for the whole batch. A
device whose build fails does not prevent the remaining devices from being
processed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlashAll(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.DaemonURL, "daemon-url", "http://localhost:7125", "host daemon status endpoint base URL")
	cmd.Flags().BoolVar(&opts.NoSafetyOracle, "no-safety-oracle", false, "skip the status-oracle safety check entirely")

	return cmd
}

func runFlashAll(ctx context.Context, opts *FlashAllOptions) error {
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

	deps := orchestrator.BatchDeps{
		RegistryPath:        opts.RegistryPath,
		Cache:               cache,
		Service:             service.New("klipper"),
		Flasher:             newFlasher(snap.Global),
		Prompt:              prompt,
		NeedsBootloaderTool: needsBootloaderToolFunc(),
	}
	if !opts.NoSafetyOracle {
		deps.Oracle = oracle.New(opts.DaemonURL)
	}

	rows, err := orchestrator.RunBatch(ctx, deps)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range rows {
		if !r.Skipped && (!r.BuildOK || !r.FlashOK || !r.VerifyOK) {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d devices did not complete successfully", failed, len(rows))
	}
	return nil
}
