package flasher

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kflash/kflash/internal/errs"
)

// Preflight validates every precondition a flash attempt needs, returning a
// single PreflightError enumerating all of them rather than failing fast on
// the first, so the caller can show a complete remediation list.
//
// needsBootloaderTool should be true if any device reachable by this
// invocation might use the bootloader-tool method (its tree is only
// required when that method could actually run).
func Preflight(sourceTree, bootloaderToolTree string, needsBootloaderTool bool) error {
	var kinds []errs.PreflightErrorKind

	if _, err := os.Stat(sourceTree); err != nil {
		kinds = append(kinds, errs.PreflightMissingSourceTree)
	} else if _, err := os.Stat(filepath.Join(sourceTree, "Makefile")); err != nil {
		kinds = append(kinds, errs.PreflightMissingMakefile)
	}

	if needsBootloaderTool {
		script := filepath.Join(bootloaderToolTree, "scripts", "flashtool.py")
		if _, err := os.Stat(script); err != nil {
			kinds = append(kinds, errs.PreflightMissingBootloaderTool)
		}
	}

	if _, err := exec.LookPath("make"); err != nil {
		kinds = append(kinds, errs.PreflightMissingBuildBinary)
	}

	if len(kinds) > 0 {
		return &errs.PreflightError{Kinds: kinds}
	}
	return nil
}
