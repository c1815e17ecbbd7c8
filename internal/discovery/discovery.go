// Package discovery scans the system's stable-name serial device directory
// and classifies each entry by its USB re-enumeration state (Klipper
// firmware running vs. bootloader awaiting a write).
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/kflash/kflash/internal/errs"
)

// ByIDDir is the system directory scanned for stable-name serial symlinks.
// A var, not a const, so tests can point it at a temp directory.
var ByIDDir = "/dev/serial/by-id"

// Mode classifies a discovered device by its filename prefix.
type Mode int

const (
	Other Mode = iota
	KlipperMode
	BootloaderMode
)

func (m Mode) String() string {
	switch m {
	case KlipperMode:
		return "klipper-mode"
	case BootloaderMode:
		return "bootloader-mode"
	default:
		return "other"
	}
}

const (
	klipperPrefix   = "usb-Klipper_"
	bootloaderPrefix = "usb-katapult_"
)

// Device is one entry produced by a scan. It is valid only for the scan
// that produced it: a USB re-enumeration can invalidate Path at any time,
// so callers must rescan after any event that might trigger one.
type Device struct {
	Path     string // the by-name symlink, e.g. /dev/serial/by-id/usb-Klipper_stm32h723xx_ABC123-if00
	Filename string // the last path segment
	Mode     Mode
}

func classify(filename string) Mode {
	switch {
	case strings.HasPrefix(filename, klipperPrefix):
		return KlipperMode
	case strings.HasPrefix(filename, bootloaderPrefix):
		return BootloaderMode
	default:
		return Other
	}
}

// Scan lists ByIDDir and classifies every entry, in sorted-by-filename
// order. A missing directory (no serial devices present at all) yields an
// empty slice, not an error.
func Scan() ([]Device, error) {
	entries, err := os.ReadDir(ByIDDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", ByIDDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	devices := make([]Device, 0, len(names))
	for _, name := range names {
		devices = append(devices, Device{
			Path:     filepath.Join(ByIDDir, name),
			Filename: name,
			Mode:     classify(name),
		})
	}
	return devices, nil
}

// MatchDevice glob-matches pattern against each device's filename. If more
// than one device matches, the first (in sorted order) is returned; callers
// must surface an ambiguity warning themselves rather than silently picking
// one — MatchCount below returns every match so they can.
func MatchDevice(pattern string, devices []Device) (Device, bool, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return Device{}, false, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	for _, d := range devices {
		if g.Match(d.Filename) {
			return d, true, nil
		}
	}
	return Device{}, false, nil
}

// MatchCount returns every device whose filename matches pattern, so
// callers can detect and surface ambiguous registrations instead of picking
// silently.
func MatchCount(pattern string, devices []Device) ([]Device, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	var matches []Device
	for _, d := range devices {
		if g.Match(d.Filename) {
			matches = append(matches, d)
		}
	}
	return matches, nil
}

// RequireOne matches pattern against devices and fails with a DiscoveryError
// unless exactly one device matches.
func RequireOne(pattern string, devices []Device) (Device, error) {
	matches, err := MatchCount(pattern, devices)
	if err != nil {
		return Device{}, err
	}
	if len(matches) != 1 {
		return Device{}, &errs.DiscoveryError{Pattern: pattern, Matches: len(matches)}
	}
	return matches[0], nil
}

// CrossModePattern derives a glob that matches the same physical board in
// either Klipper or bootloader mode, from a single discovered entry. The
// hardware-serial substring survives the mode transition, so the derived
// pattern wildcards both the mode-specific prefix and everything after the
// serial, keeping only that substring fixed.
//
// Filenames look like "usb-Klipper_<mcu>_<serial>-if00" or
// "usb-katapult_<mcu>_<serial>-if00"; the serial is the token immediately
// before the trailing "-if00".
func CrossModePattern(d Device) (string, error) {
	name := d.Filename
	var rest string
	switch {
	case strings.HasPrefix(name, klipperPrefix):
		rest = strings.TrimPrefix(name, klipperPrefix)
	case strings.HasPrefix(name, bootloaderPrefix):
		rest = strings.TrimPrefix(name, bootloaderPrefix)
	default:
		return "", fmt.Errorf("%q is not a recognized klipper/bootloader filename", name)
	}

	parts := strings.Split(rest, "_")
	if len(parts) < 2 {
		return "", fmt.Errorf("%q does not contain an mcu_serial segment", name)
	}
	serial := parts[len(parts)-1]
	if i := strings.LastIndex(serial, "-if"); i > 0 {
		serial = serial[:i]
	}
	return "usb-*_" + serial + "*", nil
}
