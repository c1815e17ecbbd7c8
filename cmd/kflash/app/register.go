package app

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kflash/kflash/internal/registry"
)

// RegisterOptions holds options for the register command.
type RegisterOptions struct {
	*GlobalOptions

	Name          string
	MCU           string
	SerialPattern string
	FlashMethod   string
}

// NewRegisterCommand creates the register command.
//
// Usage:
//
//	kflash register NAME --mcu MCU --pattern PATTERN [--flash-method METHOD]
func NewRegisterCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &RegisterOptions{GlobalOptions: globalOpts}

	cmd := &cobra.Command{
		Use:   "register NAME",
		Short: "Register a new device in the registry",
		Long: `Register a new device.

The device key is derived from NAME (lowercased, non-alphanumeric runs
collapsed to a single hyphen). It is printed on registration and shown in the
KEY column of "kflash list"; the flash and devices reset commands look a
device up by this key only and do not accept NAME.`,
		Example: `  kflash register "Octopus Pro" --mcu stm32h723xx --pattern 'usb-*_ABC123*'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			return runRegister(opts)
		},
	}

	cmd.Flags().StringVar(&opts.MCU, "mcu", "", "MCU family identifier (required)")
	cmd.Flags().StringVar(&opts.SerialPattern, "pattern", "", "cross-mode serial glob pattern (required)")
	cmd.Flags().StringVar(&opts.FlashMethod, "flash-method", "", "per-device flash method override (bootloader-tool|build-flash)")
	cmd.MarkFlagRequired("mcu")
	cmd.MarkFlagRequired("pattern")

	return cmd
}

func runRegister(opts *RegisterOptions) error {
	snap, err := loadSnapshot(opts.GlobalOptions)
	if err != nil {
		return err
	}

	key := slugify(opts.Name)
	entry := registry.DeviceEntry{
		Key:           key,
		Name:          opts.Name,
		MCU:           opts.MCU,
		SerialPattern: opts.SerialPattern,
		FlashMethod:   opts.FlashMethod,
		Flashable:     true,
	}

	snap, err = snap.Add(entry)
	if err != nil {
		return err
	}
	if err := registry.Save(opts.RegistryPath, snap); err != nil {
		return err
	}

	fmt.Printf("Registered %q as key %q\n", opts.Name, key)
	return nil
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugNonAlnum.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}
