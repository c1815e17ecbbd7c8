// Package builder drives the external build tool (make) against the shared
// firmware source tree: the interactive menuconfig target and the
// clean-then-build sequence.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kflash/kflash/internal/errs"
	"github.com/kflash/kflash/internal/logger"
	"github.com/kflash/kflash/internal/subprocess"
)

// ArtifactRelPath is the conventional output location inside a build tree.
const ArtifactRelPath = "out/klipper.bin"

// MenuconfigResult reports whether the config file's mtime changed across
// the call, the signal used to tell a completed save from a quit-without-
// saving.
type MenuconfigResult struct {
	ExitCode int
	Saved    bool
}

// RunMenuconfig invokes "make menuconfig" with KCONFIG_CONFIG pointed at
// configPath. The child inherits the controlling terminal: menuconfig is a
// full-screen TUI and is not pipe-friendly, so there is no stdio capture
// here, ever.
func RunMenuconfig(ctx context.Context, buildTree, configPath string) (MenuconfigResult, error) {
	before, _ := os.Stat(configPath)

	r := subprocess.Runner{
		Mode: subprocess.Inherit,
		Dir:  buildTree,
		Env:  []string{"KCONFIG_CONFIG=" + configPath},
	}
	res := r.Run(ctx, "make", "menuconfig")

	after, statErr := os.Stat(configPath)
	saved := statErr == nil && (before == nil || after.ModTime().After(before.ModTime()))

	return MenuconfigResult{ExitCode: res.ExitCode, Saved: saved}, nil
}

// Result is the outcome of RunBuild.
type Result struct {
	ArtifactPath string
	ArtifactSize int64
	Elapsed      time.Duration
}

// RunBuild runs "make clean" then "make -jN" against buildTree, where N is
// the host CPU count. When quiet is false, stdio is inherited so the
// operator sees compiler output live; when true, output is captured and
// discarded entirely for batch mode. Output is never streamed through a
// buffered intermediary in either case — it's one or the other, directly.
func RunBuild(ctx context.Context, buildTree string, quiet bool) (Result, error) {
	start := time.Now()

	mode := subprocess.Inherit
	if quiet {
		mode = subprocess.Capture
	}
	r := subprocess.Runner{Mode: mode, Dir: buildTree}

	logger.Info("building in %s (quiet=%v)", buildTree, quiet)

	if res := r.Run(ctx, "make", "clean"); res.Err != nil {
		return Result{}, &errs.BuildError{Step: "clean", ExitCode: res.ExitCode, Err: res.Err}
	}

	jobs := fmt.Sprintf("-j%d", runtime.NumCPU())
	if res := r.Run(ctx, "make", jobs); res.Err != nil {
		return Result{}, &errs.BuildError{Step: "build", ExitCode: res.ExitCode, Err: res.Err}
	}

	artifact := filepath.Join(buildTree, ArtifactRelPath)
	info, err := os.Stat(artifact)
	if err != nil {
		return Result{}, &errs.BuildError{Step: "build", ExitCode: 0, Err: fmt.Errorf("build reported success but artifact missing: %w", err)}
	}

	return Result{
		ArtifactPath: artifact,
		ArtifactSize: info.Size(),
		Elapsed:      time.Since(start),
	}, nil
}
