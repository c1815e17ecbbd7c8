// Package flasher writes a built firmware image to a board, choosing
// between two flash methods with typed fallback between them.
package flasher

import (
	"context"
	"fmt"
	"time"

	"github.com/kflash/kflash/internal/errs"
	"github.com/kflash/kflash/internal/logger"
)

// Method names, used both as the registry key and as the registry/config
// string value for per-device overrides and the global default.
const (
	MethodBootloaderTool = "bootloader-tool"
	MethodBuildFlash     = "build-flash"
)

// Target names everything a flash attempt needs to know about the device.
type Target struct {
	DeviceKey  string
	ByNamePath string // /dev/serial/by-id/... symlink
	Artifact   string // firmware binary path, for bootloader-tool
	BuildTree  string // for build-flash
}

// Impl performs one flash method's subprocess invocation.
type Impl interface {
	Flash(ctx context.Context, t Target) error
}

// Flasher dispatches to one of several registered Impls, by name, with
// fallback. Methods are registered by name the same way the teacher's
// runtime manager registers named Runtime implementations — a small map
// plus a mutex-free read path since registration happens once at startup.
type Flasher struct {
	methods            map[string]Impl
	allowFlashFallback bool
}

// New creates a Flasher with no methods registered; call Register for each
// supported method before using it.
func New(allowFlashFallback bool) *Flasher {
	return &Flasher{methods: make(map[string]Impl), allowFlashFallback: allowFlashFallback}
}

// Register adds a named method implementation.
func (f *Flasher) Register(name string, impl Impl) {
	f.methods[name] = impl
}

// Result is a timed flash attempt outcome.
type Result struct {
	Success bool
	Elapsed time.Duration
	Method  string
	Error   string
}

// Flash selects primary (per-device override if set, else fallback to
// def), attempts it, and — if it fails and fallback is allowed — retries
// once with the other registered method. The fallback rule is symmetric:
// either method can be the one that's retried.
func (f *Flasher) Flash(ctx context.Context, t Target, perDeviceOverride, def string) Result {
	primary := def
	if perDeviceOverride != "" {
		primary = perDeviceOverride
	}

	res := f.attempt(ctx, t, primary)
	if res.Success || !f.allowFlashFallback {
		return res
	}

	secondary := f.other(primary)
	if secondary == "" {
		return res
	}

	logger.Warn("flash method %q failed for %s, falling back to %q", primary, t.DeviceKey, secondary)
	fallbackRes := f.attempt(ctx, t, secondary)
	if fallbackRes.Success {
		return fallbackRes
	}
	return Result{
		Success: false,
		Elapsed: res.Elapsed + fallbackRes.Elapsed,
		Method:  secondary,
		Error:   (&errs.FlashError{Kind: errs.FlashBothMethodsFailed, Err: fmt.Errorf("%s; then %s", res.Error, fallbackRes.Error)}).Error(),
	}
}

func (f *Flasher) other(method string) string {
	switch method {
	case MethodBootloaderTool:
		if _, ok := f.methods[MethodBuildFlash]; ok {
			return MethodBuildFlash
		}
	case MethodBuildFlash:
		if _, ok := f.methods[MethodBootloaderTool]; ok {
			return MethodBootloaderTool
		}
	}
	return ""
}

func (f *Flasher) attempt(ctx context.Context, t Target, method string) Result {
	impl, ok := f.methods[method]
	if !ok {
		return Result{Method: method, Error: fmt.Sprintf("flash method %q not registered", method)}
	}

	start := time.Now()
	err := impl.Flash(ctx, t)
	elapsed := time.Since(start)

	if err != nil {
		return Result{Success: false, Elapsed: elapsed, Method: method, Error: err.Error()}
	}
	return Result{Success: true, Elapsed: elapsed, Method: method}
}
