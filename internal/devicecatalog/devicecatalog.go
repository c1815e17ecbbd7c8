// Package devicecatalog loads the static MCU family reference data shipped
// alongside kflash: which families exist, what their default flash method
// is, and whether they require the bootloader-tool tree. This is ambient
// configuration, not the per-installation device registry (internal/registry
// owns that); it changes when a new board family is supported, not when a
// user registers a board.
package devicecatalog

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kflash/kflash/internal/logger"
)

// MCUFamily describes one supported microcontroller family.
type MCUFamily struct {
	// ConfigKey is the CONFIG_MCU value as it appears in the build-system
	// dotfile, e.g. "stm32h723xx".
	ConfigKey string `yaml:"config_key"`

	// DisplayName is human-readable, e.g. "STM32H723 (Octopus Pro)".
	DisplayName string `yaml:"display_name"`

	// DefaultFlashMethod is used when a device entry has no per-device
	// override: "bootloader-tool" or "build-flash".
	DefaultFlashMethod string `yaml:"default_flash_method"`

	// RequiresBootloaderTool is true for families whose bootloader-tool
	// entry mechanism is the katapult-style USB DFU path; false for
	// families (e.g. rp2040) with a different bootloader entry mechanism
	// not otherwise specified by this catalog — see errs.FlashUnknownBootloader.
	RequiresBootloaderTool bool `yaml:"requires_bootloader_tool"`
}

// Catalog is the root document: a flat list of known families.
type Catalog struct {
	Version  string      `yaml:"version"`
	Families []MCUFamily `yaml:"families"`
}

type loader struct {
	mu      sync.RWMutex
	catalog *Catalog
}

var (
	global             = &loader{}
	defaultCatalogPath = "/etc/kflash/devices.yaml"
)

// Load reads and validates the catalog at path, caching it for subsequent
// Get calls. Pass "" to use the default install path.
func Load(path string) (*Catalog, error) {
	global.mu.Lock()
	defer global.mu.Unlock()

	if path == "" {
		path = defaultCatalogPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device catalog %s: %w", path, err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse device catalog: %w", err)
	}
	if err := validate(&cat); err != nil {
		return nil, fmt.Errorf("invalid device catalog: %w", err)
	}

	global.catalog = &cat
	logger.Debug("loaded device catalog: %d MCU famil(y/ies)", len(cat.Families))
	return &cat, nil
}

// Get returns the cached catalog, loading it from the default path first if
// necessary.
func Get() (*Catalog, error) {
	global.mu.RLock()
	if global.catalog != nil {
		c := global.catalog
		global.mu.RUnlock()
		return c, nil
	}
	global.mu.RUnlock()
	return Load("")
}

func validate(cat *Catalog) error {
	if cat.Version == "" {
		return fmt.Errorf("version is required")
	}
	if len(cat.Families) == 0 {
		return fmt.Errorf("at least one family must be defined")
	}
	seen := make(map[string]bool, len(cat.Families))
	for _, f := range cat.Families {
		if f.ConfigKey == "" {
			return fmt.Errorf("family with empty config_key")
		}
		if seen[f.ConfigKey] {
			return fmt.Errorf("duplicate config_key: %s", f.ConfigKey)
		}
		seen[f.ConfigKey] = true
		if f.DefaultFlashMethod != "bootloader-tool" && f.DefaultFlashMethod != "build-flash" {
			return fmt.Errorf("family %s: default_flash_method must be bootloader-tool or build-flash", f.ConfigKey)
		}
	}
	return nil
}

// FindByConfigKey looks up a family by its exact CONFIG_MCU key.
func (c *Catalog) FindByConfigKey(key string) (MCUFamily, bool) {
	for _, f := range c.Families {
		if f.ConfigKey == key {
			return f, true
		}
	}
	return MCUFamily{}, false
}
