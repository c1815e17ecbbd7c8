package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const resetSettleDelay = 500 * time.Millisecond

// ResolveSysfsAuthorized walks from a by-name symlink, through the real tty
// device node, to the sysfs "authorized" pseudo-file of the USB device that
// owns it: /sys/class/tty/<ttyname>/device/.../authorized. The device
// directory is itself a symlink chain; the first ancestor directory whose
// own "authorized" file exists is the USB device node (as opposed to the
// tty interface node), so that's the one this function reports.
func ResolveSysfsAuthorized(byNamePath string) (string, error) {
	realTTY, err := filepath.EvalSymlinks(byNamePath)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", byNamePath, err)
	}

	ttyName := filepath.Base(realTTY)
	deviceLink := filepath.Join("/sys/class/tty", ttyName, "device")

	dir, err := filepath.EvalSymlinks(deviceLink)
	if err != nil {
		return "", fmt.Errorf("resolve sysfs device for %s: %w", ttyName, err)
	}

	for {
		candidate := filepath.Join(dir, "authorized")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no authorized file found walking up from %s", deviceLink)
		}
		dir = parent
	}
}

// Reset toggles authorized 0 -> sleep -> 1 on a USB device's sysfs node,
// forcing it off and back on the bus. Requires write access to sysfs
// (elevated privileges). Not on the main flash path — the bootloader tool
// and build-flash target handle re-enumeration themselves; this exists for
// operator-invoked retry tooling.
func Reset(authorizedPath string) error {
	if err := os.WriteFile(authorizedPath, []byte("0"), 0o200); err != nil {
		return fmt.Errorf("deauthorize %s: %w", authorizedPath, err)
	}
	time.Sleep(resetSettleDelay)
	if err := os.WriteFile(authorizedPath, []byte("1"), 0o200); err != nil {
		return fmt.Errorf("reauthorize %s: %w", authorizedPath, err)
	}
	return nil
}
