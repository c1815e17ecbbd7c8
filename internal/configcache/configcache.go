// Package configcache manages per-device snapshots of the firmware build
// configuration dotfile, copying them atomically in and out of the shared
// build tree's single .config slot.
package configcache

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"github.com/kflash/kflash/internal/errs"
)

const configFileName = ".config"

// mcuKey is the single build-system dotfile key this package interprets.
const mcuKey = "CONFIG_MCU"

// Cache is a per-device config cache rooted at a directory containing one
// subdirectory per device key, one file per directory.
type Cache struct {
	root string
}

// New returns a Cache rooted at root (already resolved — see ResolveRoot).
func New(root string) *Cache {
	return &Cache{root: root}
}

// ResolveRoot determines the cache root directory: the platform's
// user-config-dir environment variable if set and absolute, else
// ~/.config/kflash/device-cache. Either way, a leading "~" is expanded.
func ResolveRoot(configured string) (string, error) {
	if configured != "" {
		return expandHome(configured)
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" && filepath.IsAbs(xdg) {
		return filepath.Join(xdg, "kflash", "device-cache"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache root: %w", err)
	}
	return filepath.Join(home, ".config", "kflash", "device-cache"), nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand ~: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

func (c *Cache) dir(key string) string {
	return filepath.Join(c.root, key)
}

func (c *Cache) file(key string) string {
	return filepath.Join(c.dir(key), configFileName)
}

// HasCache reports whether a cached config exists for key.
func (c *Cache) HasCache(key string) bool {
	_, err := os.Stat(c.file(key))
	return err == nil
}

// LoadIntoBuildTree copies the cached config for key into buildTree's
// .config, atomically.
func (c *Cache) LoadIntoBuildTree(key, buildTree string) error {
	data, err := os.ReadFile(c.file(key))
	if err != nil {
		return &errs.ConfigError{Op: "missing-cache", Key: key, Err: err}
	}
	dst := filepath.Join(buildTree, configFileName)
	if err := atomicwriter.WriteFile(dst, data, 0o644); err != nil {
		return &errs.ConfigError{Op: "copy", Key: key, Err: err}
	}
	return nil
}

// SaveFromBuildTree copies buildTree's .config into the cache for key,
// atomically, creating the device's cache directory if needed.
func (c *Cache) SaveFromBuildTree(key, buildTree string) error {
	data, err := os.ReadFile(filepath.Join(buildTree, configFileName))
	if err != nil {
		return &errs.ConfigError{Op: "copy", Key: key, Err: err}
	}
	if err := os.MkdirAll(c.dir(key), 0o755); err != nil {
		return &errs.ConfigError{Op: "copy", Key: key, Err: err}
	}
	if err := atomicwriter.WriteFile(c.file(key), data, 0o644); err != nil {
		return &errs.ConfigError{Op: "copy", Key: key, Err: err}
	}
	return nil
}

// ClearBuildTreeConfig removes the build tree's .config, used when a user
// discards a menuconfig save and there is no prior cache to restore.
func (c *Cache) ClearBuildTreeConfig(buildTree string) error {
	err := os.Remove(filepath.Join(buildTree, configFileName))
	if err != nil && !os.IsNotExist(err) {
		return &errs.ConfigError{Op: "copy", Err: err}
	}
	return nil
}

// ValidateMCU extracts CONFIG_MCU from the build tree's .config and checks
// it against expected using the bidirectional-prefix rule: match iff one of
// expected/actual is a prefix of the other. This lets a registry value like
// "stm32h723" match an on-disk "stm32h723xx" in either direction. An empty
// value matches only another empty value (see MatchMCU).
func (c *Cache) ValidateMCU(buildTree, expected string) (match bool, actual string, err error) {
	data, readErr := os.ReadFile(filepath.Join(buildTree, configFileName))
	if readErr != nil {
		return false, "", &errs.ConfigError{Op: "copy", Err: readErr}
	}
	actual, ok := extractMCU(data)
	if !ok {
		return false, "", &errs.ConfigError{Op: "missing-mcu-line", Err: fmt.Errorf("%s not found in build-tree config", mcuKey)}
	}
	return MatchMCU(expected, actual), actual, nil
}

// MatchMCU implements the bidirectional-prefix rule directly (I3: it is
// symmetric in its two arguments). An empty string is not treated as a
// prefix of anything: it matches only another empty string.
func MatchMCU(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// extractMCU finds a line of the form CONFIG_MCU=value in a Kconfig-style
// dotfile. value may be quoted; a trailing "# comment" is ignored. Commented-
// out assignments ("# CONFIG_MCU is not set") do not count as present.
func extractMCU(data []byte) (string, bool) {
	scanner := newLineScanner(data)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, mcuKey+"=") {
			continue
		}
		val := strings.TrimPrefix(line, mcuKey+"=")
		if idx := strings.Index(val, "#"); idx >= 0 {
			val = val[:idx]
		}
		val = strings.TrimSpace(val)
		if unquoted, err := strconv.Unquote(val); err == nil {
			val = unquoted
		}
		val = strings.Trim(val, `"`)
		return val, val != ""
	}
	return "", false
}

func newLineScanner(data []byte) *bufioLineScanner {
	return &bufioLineScanner{r: bytes.NewReader(data)}
}

// bufioLineScanner is a tiny line splitter so this package does not pull in
// bufio.Scanner's default 64KB token limit for no reason on a small dotfile.
type bufioLineScanner struct {
	r    *bytes.Reader
	line string
}

func (s *bufioLineScanner) Scan() bool {
	var b strings.Builder
	for {
		c, err := s.r.ReadByte()
		if err == io.EOF {
			if b.Len() == 0 {
				return false
			}
			s.line = b.String()
			return true
		}
		if c == '\n' {
			s.line = b.String()
			return true
		}
		b.WriteByte(c)
	}
}

func (s *bufioLineScanner) Text() string { return s.line }

// Rename moves the per-device cache directory from oldKey to newKey. It
// tries a plain rename first (the common same-filesystem case) and falls
// back to copy-then-delete for cross-filesystem cache roots; it fails if
// the destination already exists.
func Rename(root, oldKey, newKey string) error {
	c := New(root)
	oldDir, newDir := c.dir(oldKey), c.dir(newKey)

	if _, err := os.Stat(newDir); err == nil {
		return fmt.Errorf("rename cache %s -> %s: destination already exists", oldKey, newKey)
	}

	if err := os.Rename(oldDir, newDir); err == nil {
		return nil
	}

	return copyDirThenRemove(oldDir, newDir)
}

func copyDirThenRemove(oldDir, newDir string) error {
	entries, err := os.ReadDir(oldDir)
	if err != nil {
		return fmt.Errorf("rename cache: read %s: %w", oldDir, err)
	}
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return fmt.Errorf("rename cache: create %s: %w", newDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(oldDir, e.Name()))
		if err != nil {
			return fmt.Errorf("rename cache: read %s: %w", e.Name(), err)
		}
		if err := atomicwriter.WriteFile(filepath.Join(newDir, e.Name()), data, 0o644); err != nil {
			return fmt.Errorf("rename cache: write %s: %w", e.Name(), err)
		}
	}
	return os.RemoveAll(oldDir)
}
