// Package app assembles the kflash cobra command tree.
package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kflash/kflash/internal/configcache"
	"github.com/kflash/kflash/internal/logger"
	"github.com/kflash/kflash/internal/registry"
)

// GlobalOptions holds flags shared by every subcommand.
type GlobalOptions struct {
	RegistryPath string
	CacheRoot    string
	Debug        bool
}

// NewKflashCommand builds the root cobra command and its full subcommand
// tree.
func NewKflashCommand() *cobra.Command {
	opts := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:           "kflash",
		Short:         "Build and flash firmware to registered microcontroller boards",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Debug {
				logger.SetDebug(true)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.RegistryPath, "registry", defaultRegistryPath(),
		"path to the registry document")
	cmd.PersistentFlags().StringVar(&opts.CacheRoot, "cache-root", "",
		"config cache root directory (default: $XDG_CONFIG_HOME/kflash/device-cache or ~/.config/kflash/device-cache)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "enable debug logging")

	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewFlashCommand(opts))
	cmd.AddCommand(NewFlashAllCommand(opts))
	cmd.AddCommand(NewDevicesCommand(opts))

	return cmd
}

func defaultRegistryPath() string {
	root, err := configcache.ResolveRoot("")
	if err != nil {
		return "registry.yaml"
	}
	return root + "-registry.yaml"
}

// openCache resolves and constructs the config cache from global options.
func openCache(opts *GlobalOptions) (*configcache.Cache, error) {
	root, err := configcache.ResolveRoot(opts.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	return configcache.New(root), nil
}

func loadSnapshot(opts *GlobalOptions) (registry.Snapshot, error) {
	return registry.Load(opts.RegistryPath)
}
