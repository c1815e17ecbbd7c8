package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kflash/kflash/internal/discovery"
)

// NewDevicesCommand creates the devices command group, operator tooling
// that does not go through the flash orchestration pipeline.
func NewDevicesCommand(globalOpts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Operator tooling for connected devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newDevicesResetCommand(globalOpts))
	return cmd
}

func newDevicesResetCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset KEY",
		Short: "Force a USB reset on a registered device's serial port",
		Long: `Force a USB reset (deauthorize, wait, reauthorize) on the device
registered under KEY, via the sysfs "authorized" toggle. Requires elevated
privileges. Not on the main flash path — useful when a board is stuck and a
retry needs fresh USB enumeration before trying again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevicesReset(globalOpts, args[0])
		},
	}
}

func runDevicesReset(globalOpts *GlobalOptions, key string) error {
	snap, err := loadSnapshot(globalOpts)
	if err != nil {
		return err
	}
	entry, ok := snap.Get(key)
	if !ok {
		return fmt.Errorf("no device registered under key %q", key)
	}

	devices, err := discovery.Scan()
	if err != nil {
		return err
	}
	device, err := discovery.RequireOne(entry.SerialPattern, devices)
	if err != nil {
		return err
	}

	authPath, err := discovery.ResolveSysfsAuthorized(device.Path)
	if err != nil {
		return fmt.Errorf("resolve sysfs node: %w", err)
	}
	if err := discovery.Reset(authPath); err != nil {
		return err
	}

	fmt.Printf("Reset %s (%s)\n", entry.Name, device.Path)
	return nil
}
