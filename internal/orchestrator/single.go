package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kflash/kflash/internal/builder"
	"github.com/kflash/kflash/internal/configcache"
	"github.com/kflash/kflash/internal/discovery"
	"github.com/kflash/kflash/internal/errs"
	"github.com/kflash/kflash/internal/flasher"
	"github.com/kflash/kflash/internal/logger"
	"github.com/kflash/kflash/internal/oracle"
	"github.com/kflash/kflash/internal/registry"
	"github.com/kflash/kflash/internal/service"
	"github.com/kflash/kflash/internal/verifier"
)

// SingleDeps wires everything RunSingle needs. Every field is required
// except Oracle (nil disables the safety check entirely, useful for
// environments with no host daemon) and NeedsBootloaderTool (nil means the
// bootloader-tool tree is not checked at preflight).
type SingleDeps struct {
	RegistryPath        string
	Cache               *configcache.Cache
	Service             *service.Controller
	Flasher             *flasher.Flasher
	Oracle              *oracle.Client
	Prompt              Prompter
	SkipConfigTUI       bool
	AllowFlashFallback  bool
	BootloaderToolTree  string
	NeedsBootloaderTool func(entry registry.DeviceEntry) bool
}

// SingleResult is what RunSingle reports for one device.
type SingleResult struct {
	Cancelled bool // user declined a safety prompt; not a failure
	Success   bool
	VerifyOK  bool
	Method    string
	Error     string
}

// RunSingle drives one device through the full pipeline described in the
// component design: lookup, preflight, safety check, config step (with
// R/D/K mismatch resolution), build, connectivity check, and the
// daemon-stopped flash-and-verify window.
func RunSingle(ctx context.Context, deps SingleDeps, deviceKey string) (SingleResult, error) {
	snap, err := registry.Load(deps.RegistryPath)
	if err != nil {
		return SingleResult{}, err
	}
	entry, ok := snap.Get(deviceKey)
	if !ok {
		return SingleResult{}, &errs.RegistryError{Op: "lookup", Key: deviceKey, Err: fmt.Errorf("device not registered")}
	}
	global := snap.Global

	needsBootloaderTool := false
	if deps.NeedsBootloaderTool != nil {
		needsBootloaderTool = deps.NeedsBootloaderTool(entry)
	}
	if err := flasher.Preflight(global.SourceTree, deps.BootloaderToolTree, needsBootloaderTool); err != nil {
		return SingleResult{}, err
	}

	if deps.Oracle != nil {
		if err := checkSafety(ctx, deps.Oracle, deps.Prompt); err != nil {
			if _, ok := err.(*cancelled); ok {
				return SingleResult{Cancelled: true}, nil
			}
			return SingleResult{}, err
		}
	}

	if err := runConfigStep(ctx, deps, global.SourceTree, entry); err != nil {
		if _, ok := err.(*cancelled); ok {
			return SingleResult{Cancelled: true}, nil
		}
		return SingleResult{}, err
	}

	logger.Info("building firmware for %s", deviceKey)
	buildRes, err := builder.RunBuild(ctx, global.SourceTree, false)
	if err != nil {
		return SingleResult{}, err
	}

	devices, err := discovery.Scan()
	if err != nil {
		return SingleResult{}, fmt.Errorf("scan devices: %w", err)
	}
	target, err := resolveTarget(entry, devices, deps.Prompt)
	if err != nil {
		if _, ok := err.(*cancelled); ok {
			return SingleResult{Cancelled: true}, nil
		}
		return SingleResult{}, err
	}

	var result SingleResult
	scopeErr := deps.Service.WithStopped(ctx, func(ctx context.Context) error {
		flashTarget := flasher.Target{
			DeviceKey:  deviceKey,
			ByNamePath: target.Path,
			Artifact:   buildRes.ArtifactPath,
			BuildTree:  global.SourceTree,
		}
		flashRes := deps.Flasher.Flash(ctx, flashTarget, entry.FlashMethod, global.DefaultFlashMethod)
		result.Method = flashRes.Method
		if !flashRes.Success {
			result.Success = false
			result.Error = flashRes.Error
			return nil // daemon still restarts; this is a recorded failure, not a scope error
		}
		result.Success = true

		outcome, err := verifier.WaitForDevice(ctx, entry.SerialPattern, verifier.Options{}, discovery.Scan, func(elapsed time.Duration) {
			logger.Info("waiting for %s to reappear (%s elapsed)", deviceKey, elapsed.Round(time.Second))
		})
		if err != nil {
			result.Error = err.Error()
			return nil
		}
		result.VerifyOK = outcome.Success
		return nil
	})
	if scopeErr != nil {
		return SingleResult{}, scopeErr
	}

	return result, nil
}

// runConfigStep implements ConfigStep + ValidateMCU, including the R/D/K
// loop on mismatch. It only writes the cache after validation passes (or
// the user explicitly chooses Keep), preserving the invariant that a
// discarded mismatch never corrupts the previous good cache.
func runConfigStep(ctx context.Context, deps SingleDeps, sourceTree string, entry registry.DeviceEntry) error {
	hasCache := deps.Cache.HasCache(entry.Key)
	skip := deps.SkipConfigTUI

	for {
		justConfigured := false

		if skip && hasCache {
			if err := deps.Cache.LoadIntoBuildTree(entry.Key, sourceTree); err != nil {
				return err
			}
		} else {
			menuRes, err := builder.RunMenuconfig(ctx, sourceTree, filepath.Join(sourceTree, ".config"))
			if err != nil {
				return err
			}
			if !menuRes.Saved {
				if hasCache {
					if !deps.Prompt.ConfirmKeepPreviousCache() {
						return &cancelled{stage: "config-step"}
					}
					if err := deps.Cache.LoadIntoBuildTree(entry.Key, sourceTree); err != nil {
						return err
					}
				} else {
					if err := deps.Cache.ClearBuildTreeConfig(sourceTree); err != nil {
						return err
					}
					return &cancelled{stage: "config-step"}
				}
			} else {
				justConfigured = true
			}
			skip = false // a menuconfig run has happened; future loop iterations must not re-skip
		}

		match, actual, err := deps.Cache.ValidateMCU(sourceTree, entry.MCU)
		if err != nil {
			return err
		}
		if match {
			if justConfigured {
				if err := deps.Cache.SaveFromBuildTree(entry.Key, sourceTree); err != nil {
					return err
				}
			}
			return nil
		}

		switch deps.Prompt.ResolveMCUMismatch(entry.MCU, actual) {
		case DecisionRerun:
			skip = false // re-run means menuconfig, even when the first pass loaded the cache
			continue
		case DecisionDiscard:
			if hasCache {
				if err := deps.Cache.LoadIntoBuildTree(entry.Key, sourceTree); err != nil {
					return err
				}
			} else if err := deps.Cache.ClearBuildTreeConfig(sourceTree); err != nil {
				return err
			}
			return &cancelled{stage: "mcu-mismatch"}
		case DecisionKeep:
			if err := deps.Cache.SaveFromBuildTree(entry.Key, sourceTree); err != nil {
				return err
			}
			return nil
		}
	}
}

// resolveTarget rescans for the device's serial pattern and requires
// exactly one match, prompting for explicit confirmation on an ambiguous
// match rather than silently picking one.
func resolveTarget(entry registry.DeviceEntry, devices []discovery.Device, prompt Prompter) (discovery.Device, error) {
	matches, err := discovery.MatchCount(entry.SerialPattern, devices)
	if err != nil {
		return discovery.Device{}, err
	}
	switch len(matches) {
	case 0:
		return discovery.Device{}, &errs.DiscoveryError{Pattern: entry.SerialPattern, Matches: 0}
	case 1:
		return matches[0], nil
	default:
		if !prompt.ConfirmAmbiguousMatch(entry.SerialPattern, matches) {
			return discovery.Device{}, &cancelled{stage: "device-match"}
		}
		return matches[0], nil
	}
}
