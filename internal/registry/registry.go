// Package registry persists the device catalog and global settings as a
// single YAML document, loaded and saved as a whole so every write is
// either the complete new state or the untouched old state on disk.
package registry

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"github.com/kflash/kflash/internal/errs"
	"github.com/kflash/kflash/internal/logger"
)

// DeviceEntry is one registered board.
type DeviceEntry struct {
	Key           string `yaml:"-"` // map key; not duplicated in the value
	Name          string `yaml:"name"`
	MCU           string `yaml:"mcu"`
	SerialPattern string `yaml:"serial_pattern"`
	FlashMethod   string `yaml:"flash_method,omitempty"` // per-device override; empty = use global default
	Flashable     bool   `yaml:"flashable"`
}

// GlobalConfig holds settings shared across every device.
type GlobalConfig struct {
	SourceTree         string `yaml:"source_tree"`
	BootloaderToolTree string `yaml:"bootloader_tool_tree"`
	DefaultFlashMethod string `yaml:"default_flash_method"`
	AllowFlashFallback bool   `yaml:"allow_flash_fallback"`
	CacheRoot          string `yaml:"cache_root,omitempty"`
	SkipConfigTUI      bool   `yaml:"skip_config_tui"`
	StaggerDelaySec    int    `yaml:"stagger_delay_sec"`
	ReturnDelaySec     int    `yaml:"return_delay_sec"`
}

// document is the on-disk shape: a top-level "global" section and a
// "devices" mapping, keyed by device key.
type document struct {
	Global  GlobalConfig           `yaml:"global"`
	Devices map[string]DeviceEntry `yaml:"devices"`
}

// Snapshot is a value-typed, immutable view of the registry at the moment
// it was loaded. There is no long-lived mutable Registry object in this
// package; every mutation is load-modify-save against a Snapshot.
type Snapshot struct {
	Global  GlobalConfig
	Devices map[string]DeviceEntry
}

func emptySnapshot() Snapshot {
	return Snapshot{Devices: make(map[string]DeviceEntry)}
}

// Load reads the registry document at path. A missing file is treated as
// first-run and returns an empty snapshot, not an error. Malformed content
// fails with a RegistryError so the caller never silently overwrites user
// data with an empty one.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return Snapshot{}, &errs.RegistryError{Op: "load", Err: err}
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, &errs.RegistryError{Op: "parse", Err: err}
	}

	if doc.Devices == nil {
		doc.Devices = make(map[string]DeviceEntry)
	}
	for key, entry := range doc.Devices {
		entry.Key = key
		doc.Devices[key] = entry
	}

	return Snapshot{Global: doc.Global, Devices: doc.Devices}, nil
}

// Save writes snap to path atomically: a temp file in the same directory is
// written, flushed, and renamed over the destination, so a crash mid-write
// never leaves a partially-written registry. Map keys are written in sorted
// order so repeated saves of equal snapshots produce byte-identical files.
func Save(path string, snap Snapshot) error {
	doc := document{Global: snap.Global, Devices: snap.Devices}

	data, err := marshalSorted(doc)
	if err != nil {
		return &errs.RegistryError{Op: "save", Err: err}
	}

	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return &errs.RegistryError{Op: "save", Err: err}
	}
	logSaved(path, snap)
	return nil
}

// marshalSorted yields a YAML encoding with devices in sorted-key order.
// yaml.v3 preserves map insertion order for maps passed directly, so we
// round-trip through an ordered node tree instead of relying on map
// iteration order (which Go randomizes).
func marshalSorted(doc document) ([]byte, error) {
	keys := make([]string, 0, len(doc.Devices))
	for k := range doc.Devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	devicesNode := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		entryNode := &yaml.Node{}
		if err := entryNode.Encode(doc.Devices[k]); err != nil {
			return nil, err
		}
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: k}
		devicesNode.Content = append(devicesNode.Content, keyNode, entryNode)
	}

	globalNode := &yaml.Node{}
	if err := globalNode.Encode(doc.Global); err != nil {
		return nil, err
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	root.Content = append(root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: "global"}, globalNode,
		&yaml.Node{Kind: yaml.ScalarNode, Value: "devices"}, devicesNode,
	)

	doc2 := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc2); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Get returns a device entry by key.
func (s Snapshot) Get(key string) (DeviceEntry, bool) {
	e, ok := s.Devices[key]
	return e, ok
}

// Add inserts a new device entry, failing if the key already exists.
func (s Snapshot) Add(entry DeviceEntry) (Snapshot, error) {
	if _, exists := s.Devices[entry.Key]; exists {
		return s, &errs.RegistryError{Op: "add", Key: entry.Key, Err: fmt.Errorf("device key already registered")}
	}
	return s.withDevice(entry), nil
}

// Update applies patch to the entry at key, returning a new snapshot.
func (s Snapshot) Update(key string, patch func(DeviceEntry) DeviceEntry) (Snapshot, error) {
	entry, ok := s.Devices[key]
	if !ok {
		return s, &errs.RegistryError{Op: "update", Key: key, Err: fmt.Errorf("device not registered")}
	}
	return s.withDevice(patch(entry)), nil
}

// Remove deletes the entry at key.
func (s Snapshot) Remove(key string) (Snapshot, error) {
	if _, ok := s.Devices[key]; !ok {
		return s, &errs.RegistryError{Op: "remove", Key: key, Err: fmt.Errorf("device not registered")}
	}
	next := s.clone()
	delete(next.Devices, key)
	return next, nil
}

// SetFlashable flips the flashable flag for a device.
func (s Snapshot) SetFlashable(key string, flashable bool) (Snapshot, error) {
	return s.Update(key, func(e DeviceEntry) DeviceEntry {
		e.Flashable = flashable
		return e
	})
}

// Rename moves a device entry from oldKey to newKey, failing if newKey is
// already taken. Callers are responsible for also renaming the config-cache
// directory (internal/configcache.Rename) to keep the two in sync.
func (s Snapshot) Rename(oldKey, newKey string) (Snapshot, error) {
	entry, ok := s.Devices[oldKey]
	if !ok {
		return s, &errs.RegistryError{Op: "rename", Key: oldKey, Err: fmt.Errorf("device not registered")}
	}
	if _, exists := s.Devices[newKey]; exists {
		return s, &errs.RegistryError{Op: "rename", Key: newKey, Err: fmt.Errorf("target key already registered")}
	}
	next := s.clone()
	delete(next.Devices, oldKey)
	entry.Key = newKey
	next.Devices[newKey] = entry
	return next, nil
}

func (s Snapshot) withDevice(entry DeviceEntry) Snapshot {
	next := s.clone()
	next.Devices[entry.Key] = entry
	return next
}

func (s Snapshot) clone() Snapshot {
	next := Snapshot{Global: s.Global, Devices: make(map[string]DeviceEntry, len(s.Devices))}
	for k, v := range s.Devices {
		next.Devices[k] = v
	}
	return next
}

// SortedKeys returns device keys in deterministic order, the iteration order
// the batch orchestrator relies on for its results ledger.
func (s Snapshot) SortedKeys() []string {
	keys := make([]string, 0, len(s.Devices))
	for k := range s.Devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flashable returns devices with Flashable set, in sorted key order.
func (s Snapshot) Flashable() []DeviceEntry {
	var out []DeviceEntry
	for _, k := range s.SortedKeys() {
		if e := s.Devices[k]; e.Flashable {
			out = append(out, e)
		}
	}
	return out
}

// LoadGlobal is a convenience wrapper returning just the global section.
func LoadGlobal(path string) (GlobalConfig, error) {
	snap, err := Load(path)
	if err != nil {
		return GlobalConfig{}, err
	}
	return snap.Global, nil
}

// SaveGlobal loads the current document, replaces only its global section,
// and saves the whole thing back — mutations always go through load-modify-
// save against the complete document, never a partial write.
func SaveGlobal(path string, global GlobalConfig) error {
	snap, err := Load(path)
	if err != nil {
		return err
	}
	snap.Global = global
	return Save(path, snap)
}

func logSaved(path string, snap Snapshot) {
	logger.Debug("registry saved: %s (%d device(s))", path, len(snap.Devices))
}
