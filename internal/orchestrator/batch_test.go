package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kflash/kflash/internal/configcache"
	"github.com/kflash/kflash/internal/discovery"
	"github.com/kflash/kflash/internal/flasher"
	"github.com/kflash/kflash/internal/oracle"
	"github.com/kflash/kflash/internal/registry"
	"github.com/kflash/kflash/internal/service"
)

// withByIDDevices is withByIDDevice's multi-entry sibling: each name gets
// its own distinct backing target file, so realPath-based dedup in
// flashStage sees them as genuinely different physical ports.
func withByIDDevices(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		target := filepath.Join(dir, "target-"+n)
		if err := os.WriteFile(target, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(target, filepath.Join(dir, n)); err != nil {
			t.Fatal(err)
		}
	}
	prev := discovery.ByIDDir
	discovery.ByIDDir = dir
	t.Cleanup(func() { discovery.ByIDDir = prev })
	return dir
}

func batchFixture(t *testing.T, devices []registry.DeviceEntry) BatchDeps {
	t.Helper()

	sourceTree := testSourceTree(t)
	cacheRoot := t.TempDir()
	regPath := filepath.Join(t.TempDir(), "registry.yaml")

	snap := registry.Snapshot{
		Global: registry.GlobalConfig{
			SourceTree:         sourceTree,
			DefaultFlashMethod: flasher.MethodBootloaderTool,
		},
		Devices: map[string]registry.DeviceEntry{},
	}
	for _, d := range devices {
		var err error
		snap, err = snap.Add(d)
		if err != nil {
			t.Fatal(err)
		}
		seedCache(t, cacheRoot, d.Key, "CONFIG_MCU=\""+d.MCU+"\"\n")
	}
	if err := registry.Save(regPath, snap); err != nil {
		t.Fatal(err)
	}

	f := flasher.New(false)
	f.Register(flasher.MethodBootloaderTool, fakeFlashImpl{})
	f.Register(flasher.MethodBuildFlash, fakeFlashImpl{})

	return BatchDeps{
		RegistryPath: regPath,
		Cache:        configcache.New(cacheRoot),
		Service:      service.New("klipper-test"),
		Flasher:      f,
		Prompt:       &fakePrompter{},
	}
}

func TestRunBatchFlashesEveryDeviceInSortedOrder(t *testing.T) {
	installFakeBinaries(t)
	withByIDDevices(t,
		"usb-Klipper_stm32h723xx_AAA-if00",
		"usb-Klipper_rp2040_BBB-if00",
	)

	deps := batchFixture(t, []registry.DeviceEntry{
		{Key: "toolhead", Name: "Toolhead", MCU: "rp2040", SerialPattern: "usb-Klipper_rp2040_*", Flashable: true},
		{Key: "voron24", Name: "Voron 2.4", MCU: "stm32h723xx", SerialPattern: "usb-Klipper_stm32h723xx_*", Flashable: true},
	})

	rows, err := RunBatch(context.Background(), deps)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	// Flashable() iterates in sorted key order: "toolhead" before "voron24".
	if rows[0].Key != "toolhead" || rows[1].Key != "voron24" {
		t.Fatalf("expected sorted key order, got %q then %q", rows[0].Key, rows[1].Key)
	}
	for _, r := range rows {
		if !r.BuildOK || !r.FlashOK || !r.VerifyOK {
			t.Fatalf("expected every stage to succeed for %s, got %+v", r.Key, r)
		}
	}
}

func TestRunBatchNoFlashableDevicesReturnsEmpty(t *testing.T) {
	deps := batchFixture(t, nil)
	rows, err := RunBatch(context.Background(), deps)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if rows != nil {
		t.Fatalf("expected a nil result when no device is flashable, got %v", rows)
	}
}

func TestRunBatchMissingCacheAbortsBeforeAnyWork(t *testing.T) {
	installFakeBinaries(t)
	sourceTree := testSourceTree(t)
	regPath := filepath.Join(t.TempDir(), "registry.yaml")

	snap := registry.Snapshot{
		Global:  registry.GlobalConfig{SourceTree: sourceTree},
		Devices: map[string]registry.DeviceEntry{},
	}
	snap, err := snap.Add(registry.DeviceEntry{Key: "voron24", Name: "Voron 2.4", MCU: "stm32h723xx", SerialPattern: "usb-Klipper_stm32h723xx_*", Flashable: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.Save(regPath, snap); err != nil {
		t.Fatal(err)
	}

	deps := BatchDeps{
		RegistryPath: regPath,
		Cache:        configcache.New(t.TempDir()), // nothing seeded
		Service:      service.New("klipper-test"),
		Flasher:      flasher.New(false),
		Prompt:       &fakePrompter{},
	}

	rows, err := RunBatch(context.Background(), deps)
	if err == nil {
		t.Fatal("expected an error when a flashable device has no cached config")
	}
	if rows != nil {
		t.Fatal("expected no rows on a precondition-stage abort")
	}
}

// TestRunBatchDuplicatePhysicalPathSkipsSecondDevice covers I6: two
// registry entries whose serial patterns resolve to the same physical USB
// path must not both be flashed in one window.
func TestRunBatchDuplicatePhysicalPathSkipsSecondDevice(t *testing.T) {
	installFakeBinaries(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "shared-target")
	if err := os.WriteFile(target, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	// Both by-id names point at the very same backing device file.
	for _, name := range []string{"usb-Klipper_stm32h723xx_AAA-if00", "usb-katapult_stm32h723xx_AAA-if00"} {
		if err := os.Symlink(target, filepath.Join(dir, name)); err != nil {
			t.Fatal(err)
		}
	}
	prev := discovery.ByIDDir
	discovery.ByIDDir = dir
	t.Cleanup(func() { discovery.ByIDDir = prev })

	deps := batchFixture(t, []registry.DeviceEntry{
		{Key: "a-entry", Name: "A", MCU: "stm32h723xx", SerialPattern: "usb-Klipper_stm32h723xx_*", Flashable: true},
		{Key: "b-entry", Name: "B", MCU: "stm32h723xx", SerialPattern: "usb-katapult_stm32h723xx_*", Flashable: true},
	})

	rows, err := RunBatch(context.Background(), deps)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	skipped := 0
	for _, r := range rows {
		if r.Skipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Fatalf("expected exactly one device skipped as a duplicate physical path, got %d", skipped)
	}
}

// TestRunBatchVersionSurveySkipsUpToDateSubset covers the selective-skip
// half of stage 2: when only some devices already report the host's
// version, those are marked skipped and never built or flashed, while the
// rest proceed normally.
func TestRunBatchVersionSurveySkipsUpToDateSubset(t *testing.T) {
	installFakeBinaries(t)
	withByIDDevices(t,
		"usb-Klipper_stm32h723xx_AAA-if00",
		"usb-Klipper_rp2040_BBB-if00",
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"print_state":"ready","daemon_version":"v0.12.0",
			"mcu_versions":{"voron24":"v0.12.0"}}`))
	}))
	defer srv.Close()

	deps := batchFixture(t, []registry.DeviceEntry{
		{Key: "toolhead", Name: "Toolhead", MCU: "rp2040", SerialPattern: "usb-Klipper_rp2040_*", Flashable: true},
		{Key: "voron24", Name: "Voron 2.4", MCU: "stm32h723xx", SerialPattern: "usb-Klipper_stm32h723xx_*", Flashable: true},
	})
	deps.Oracle = oracle.New(srv.URL)

	rows, err := RunBatch(context.Background(), deps)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	var toolhead, voron24 BatchRow
	for _, r := range rows {
		switch r.Key {
		case "toolhead":
			toolhead = r
		case "voron24":
			voron24 = r
		}
	}
	if !voron24.Skipped {
		t.Fatalf("expected voron24 (version matches host) to be skipped, got %+v", voron24)
	}
	if toolhead.Skipped || !toolhead.BuildOK || !toolhead.FlashOK || !toolhead.VerifyOK {
		t.Fatalf("expected toolhead (no reported version) to be flashed normally, got %+v", toolhead)
	}
}

// TestRunBatchVersionSurveyAllMatchPromptsBeforeProceeding covers the
// all-match half of stage 2: when every device already reports the host's
// version, the batch must ask for confirmation before flashing anyway, and
// a decline must cancel cleanly (nil rows, nil error) without touching the
// build tree.
func TestRunBatchVersionSurveyAllMatchPromptsBeforeProceeding(t *testing.T) {
	installFakeBinaries(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"print_state":"ready","daemon_version":"v0.12.0","mcu_versions":{"voron24":"v0.12.0"}}`))
	}))
	defer srv.Close()

	deps := batchFixture(t, []registry.DeviceEntry{
		{Key: "voron24", Name: "Voron 2.4", MCU: "stm32h723xx", SerialPattern: "usb-Klipper_stm32h723xx_*", Flashable: true},
	})
	deps.Oracle = oracle.New(srv.URL)
	deps.Prompt = &fakePrompter{versionMatchConsent: false}

	rows, err := RunBatch(context.Background(), deps)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if rows != nil {
		t.Fatalf("expected a clean cancel (nil rows) when the operator declines, got %v", rows)
	}
}
