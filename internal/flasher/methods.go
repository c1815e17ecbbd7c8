package flasher

import (
	"context"
	"fmt"

	"github.com/kflash/kflash/internal/errs"
	"github.com/kflash/kflash/internal/subprocess"
)

// BootloaderTool invokes the external python flashtool that transitions the
// board into bootloader mode itself, performs the write, and waits for
// re-enumeration on its own.
type BootloaderTool struct {
	ScriptPath string // <bootloader-tool-tree>/scripts/flashtool.py
	OnLine     func(line string) // live progress, single-device path only
}

func (b BootloaderTool) Flash(ctx context.Context, t Target) error {
	r := subprocess.Runner{Mode: subprocess.StreamPTY, OnLine: b.OnLine}
	if b.OnLine == nil {
		r.Mode = subprocess.Capture
	}

	res := r.Run(ctx, "python3", b.ScriptPath, "-f", t.Artifact, "-d", t.ByNamePath)
	if res.Err != nil {
		if res.ExitCode == unknownBootloaderExitCode {
			return &errs.FlashError{Kind: errs.FlashUnknownBootloader, Method: MethodBootloaderTool, Err: res.Err}
		}
		return &errs.FlashError{Kind: errs.FlashBootloaderToolFailed, Method: MethodBootloaderTool, Err: res.Err}
	}
	return nil
}

// unknownBootloaderExitCode is the flashtool's documented exit status for
// "board responded with a handshake I don't recognize" (as opposed to a
// generic failure). Surfaced as its own error kind, never silently retried.
const unknownBootloaderExitCode = 42

// BuildFlash invokes the build system's own "flash" target, passing the
// target device via FLASH_DEVICE. Used for boards whose write path is
// integrated with the build tooling rather than the standalone bootloader
// tool.
type BuildFlash struct {
	OnLine func(line string)
}

func (bf BuildFlash) Flash(ctx context.Context, t Target) error {
	r := subprocess.Runner{
		Mode: subprocess.StreamPTY,
		Dir:  t.BuildTree,
		Env:  []string{"FLASH_DEVICE=" + t.ByNamePath},
		OnLine: bf.OnLine,
	}
	if bf.OnLine == nil {
		r.Mode = subprocess.Capture
	}

	res := r.Run(ctx, "make", "flash")
	if res.Err != nil {
		return &errs.FlashError{Kind: errs.FlashBuildFlashFailed, Method: MethodBuildFlash, Err: fmt.Errorf("make flash: %w", res.Err)}
	}
	return nil
}
