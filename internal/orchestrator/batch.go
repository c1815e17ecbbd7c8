package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kflash/kflash/internal/builder"
	"github.com/kflash/kflash/internal/configcache"
	"github.com/kflash/kflash/internal/discovery"
	"github.com/kflash/kflash/internal/flasher"
	"github.com/kflash/kflash/internal/logger"
	"github.com/kflash/kflash/internal/oracle"
	"github.com/kflash/kflash/internal/registry"
	"github.com/kflash/kflash/internal/service"
	"github.com/kflash/kflash/internal/verifier"
)

// BatchDeps wires everything RunBatch needs.
type BatchDeps struct {
	RegistryPath        string
	Cache               *configcache.Cache
	Service             *service.Controller
	Flasher             *flasher.Flasher
	Oracle              *oracle.Client
	Prompt              Prompter
	NeedsBootloaderTool func(entry registry.DeviceEntry) bool
}

// BatchRow is one device's outcome in the flash-all path.
type BatchRow struct {
	Key      string
	Name     string
	ConfigOK bool
	BuildOK  bool
	FlashOK  bool
	VerifyOK bool
	Error    string
	Skipped  bool
}

// RunBatch flashes every flashable device in the registry, in sorted key
// order, continuing past any single device's failure. It returns one row
// per flashable device once the flash stages run. An abort during the
// precondition stage returns no rows (nil) with the abort error; a declined
// safety-check or version-match prompt returns no rows and a nil error.
func RunBatch(ctx context.Context, deps BatchDeps) ([]BatchRow, error) {
	snap, err := registry.Load(deps.RegistryPath)
	if err != nil {
		return nil, err
	}
	global := snap.Global
	devicesToFlash := snap.Flashable()
	if len(devicesToFlash) == 0 {
		return nil, nil
	}

	if err := preconditionStage(ctx, deps, global, devicesToFlash); err != nil {
		if _, ok := err.(*cancelled); ok {
			return nil, nil
		}
		return nil, err
	}

	upToDate, cancelled := versionSurveyStage(ctx, deps, devicesToFlash)
	if cancelled {
		return nil, nil
	}

	scratchDir, err := os.MkdirTemp("", "kflash-batch-*")
	if err != nil {
		return nil, fmt.Errorf("allocate batch scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	rows := make([]BatchRow, len(devicesToFlash))
	artifacts := make(map[string]string, len(devicesToFlash))
	for i, entry := range devicesToFlash {
		rows[i] = BatchRow{Key: entry.Key, Name: entry.Name, ConfigOK: true}
		if upToDate[entry.Key] {
			rows[i].Skipped = true
			rows[i].Error = "MCU firmware already matches host version"
		}
	}

	buildStage(ctx, deps, global, devicesToFlash, rows, artifacts, scratchDir)
	if err := flashStage(ctx, deps, global, devicesToFlash, rows, artifacts); err != nil {
		return rows, err
	}

	printSummary(rows)
	return rows, nil
}

func preconditionStage(ctx context.Context, deps BatchDeps, global registry.GlobalConfig, devices []registry.DeviceEntry) error {
	needsBootloaderTool := false
	for _, e := range devices {
		if deps.NeedsBootloaderTool != nil && deps.NeedsBootloaderTool(e) {
			needsBootloaderTool = true
			break
		}
	}
	if err := flasher.Preflight(global.SourceTree, global.BootloaderToolTree, needsBootloaderTool); err != nil {
		return err
	}

	if deps.Oracle != nil {
		if err := checkSafety(ctx, deps.Oracle, deps.Prompt); err != nil {
			return err
		}
	}

	var missing []string
	for _, e := range devices {
		if !deps.Cache.HasCache(e.Key) {
			missing = append(missing, e.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("devices missing a cached config, run single-device flash first to create one: %v", missing)
	}
	return nil
}

// versionSurveyStage is the batch flow's optional, best-effort stage 2: ask
// the status oracle once for each device's currently-installed MCU
// firmware version and compare it against the host's own version. If every
// flashable device already matches, the operator is asked to confirm
// flashing anyway; if only some match, those are pre-marked for skipping
// and the rest proceed normally. An unreachable oracle, or one that does
// not report per-MCU versions, disables the stage entirely (nil map,
// nothing skipped, never cancelled).
func versionSurveyStage(ctx context.Context, deps BatchDeps, devices []registry.DeviceEntry) (upToDate map[string]bool, cancelled bool) {
	if deps.Oracle == nil {
		return nil, false
	}
	status, err := deps.Oracle.Query(ctx)
	if err != nil || status == nil || len(status.MCUVersions) == 0 {
		return nil, false
	}

	upToDate = make(map[string]bool, len(devices))
	matchCount := 0
	for _, e := range devices {
		if v, ok := status.MCUVersions[e.Key]; ok && v == status.DaemonVersion {
			upToDate[e.Key] = true
			matchCount++
		}
	}
	if matchCount == 0 {
		return nil, false
	}
	if matchCount == len(devices) {
		if deps.Prompt.ConfirmProceedDespiteVersionMatch() {
			return nil, false // flash everyone anyway
		}
		return nil, true
	}
	return upToDate, false
}

// buildStage swaps each device's cache into the shared build tree,
// validates MCU, and runs a quiet build, staging the artifact aside before
// the next device's build overwrites the tree's single output path.
// Per-device failures are recorded and do not stop the loop.
func buildStage(ctx context.Context, deps BatchDeps, global registry.GlobalConfig, devices []registry.DeviceEntry, rows []BatchRow, artifacts map[string]string, scratchDir string) {
	for i, entry := range devices {
		if rows[i].Skipped {
			continue
		}
		if err := deps.Cache.LoadIntoBuildTree(entry.Key, global.SourceTree); err != nil {
			rows[i].Error = err.Error()
			continue
		}
		if match, actual, err := deps.Cache.ValidateMCU(global.SourceTree, entry.MCU); err != nil {
			rows[i].Error = err.Error()
			continue
		} else if !match {
			rows[i].Error = fmt.Sprintf("cached config mcu %q does not match registered %q", actual, entry.MCU)
			continue
		}

		res, err := builder.RunBuild(ctx, global.SourceTree, true)
		if err != nil {
			rows[i].Error = err.Error()
			continue
		}

		staged := filepath.Join(scratchDir, entry.Key+".bin")
		if err := copyFile(res.ArtifactPath, staged); err != nil {
			rows[i].Error = fmt.Sprintf("stage artifact: %v", err)
			continue
		}
		artifacts[entry.Key] = staged
		rows[i].BuildOK = true
	}
}

// flashStage runs entirely inside one daemon-stopped window: a single
// rescan at entry, a used-paths set guarding against two registry entries
// resolving to the same physical serial port, and a stagger sleep between
// devices (skipped before the first).
func flashStage(ctx context.Context, deps BatchDeps, global registry.GlobalConfig, devices []registry.DeviceEntry, rows []BatchRow, artifacts map[string]string) error {
	stagger := time.Duration(global.StaggerDelaySec) * time.Second

	return deps.Service.WithStopped(ctx, func(ctx context.Context) error {
		allDevices, err := discovery.Scan()
		if err != nil {
			return fmt.Errorf("scan devices: %w", err)
		}

		usedPaths := make(map[string]bool)
		first := true

		for i, entry := range devices {
			if !rows[i].BuildOK {
				continue
			}
			artifact, ok := artifacts[entry.Key]
			if !ok {
				continue
			}

			match, found, err := discovery.MatchDevice(entry.SerialPattern, allDevices)
			if err != nil {
				rows[i].Error = err.Error()
				continue
			}
			if !found {
				rows[i].Error = "device not connected"
				continue
			}
			realPath, err := filepath.EvalSymlinks(match.Path)
			if err != nil {
				rows[i].Error = fmt.Sprintf("resolve device path: %v", err)
				continue
			}
			if usedPaths[realPath] {
				rows[i].Skipped = true
				rows[i].Error = "USB path already targeted by prior device"
				continue
			}
			usedPaths[realPath] = true

			if !first {
				time.Sleep(stagger)
			}
			first = false

			target := flasher.Target{
				DeviceKey:  entry.Key,
				ByNamePath: match.Path,
				Artifact:   artifact,
				BuildTree:  global.SourceTree,
			}
			flashRes := deps.Flasher.Flash(ctx, target, entry.FlashMethod, global.DefaultFlashMethod)
			if !flashRes.Success {
				rows[i].Error = flashRes.Error
				continue
			}
			rows[i].FlashOK = true

			outcome, err := verifier.WaitForDevice(ctx, entry.SerialPattern, verifier.Options{}, discovery.Scan, nil)
			if err != nil {
				rows[i].Error = err.Error()
				continue
			}
			rows[i].VerifyOK = outcome.Success
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func printSummary(rows []BatchRow) {
	logger.Info("flash-all summary:")
	for _, r := range rows {
		status := "ok"
		switch {
		case r.Skipped:
			status = "skipped: " + r.Error
		case r.Error != "":
			status = "error: " + r.Error
		}
		logger.Info("  %-20s build=%-5v flash=%-5v verify=%-5v %s", r.Name, r.BuildOK, r.FlashOK, r.VerifyOK, status)
	}
}
