package flasher

import (
	"context"
	"errors"
	"testing"

	"github.com/kflash/kflash/internal/errs"
)

type fakeImpl struct {
	calls int
	err   error
}

func (f *fakeImpl) Flash(ctx context.Context, t Target) error {
	f.calls++
	return f.err
}

func TestFlashUsesPerDeviceOverrideWhenSet(t *testing.T) {
	f := New(true)
	primary := &fakeImpl{}
	other := &fakeImpl{}
	f.Register(MethodBootloaderTool, primary)
	f.Register(MethodBuildFlash, other)

	res := f.Flash(context.Background(), Target{}, MethodBuildFlash, MethodBootloaderTool)
	if !res.Success || res.Method != MethodBuildFlash {
		t.Fatalf("expected success via override method, got %+v", res)
	}
	if other.calls != 1 || primary.calls != 0 {
		t.Fatalf("expected only the override method invoked, got primary=%d other=%d", primary.calls, other.calls)
	}
}

func TestFlashFallsBackOnFailureWhenAllowed(t *testing.T) {
	f := New(true)
	f.Register(MethodBootloaderTool, &fakeImpl{err: errors.New("handshake failed")})
	f.Register(MethodBuildFlash, &fakeImpl{})

	res := f.Flash(context.Background(), Target{}, "", MethodBootloaderTool)
	if !res.Success || res.Method != MethodBuildFlash {
		t.Fatalf("expected fallback to build-flash to succeed, got %+v", res)
	}
}

// TestFlashFallbackIsSymmetric covers that build-flash can fall back to
// bootloader-tool just as readily as the reverse.
func TestFlashFallbackIsSymmetric(t *testing.T) {
	f := New(true)
	f.Register(MethodBootloaderTool, &fakeImpl{})
	f.Register(MethodBuildFlash, &fakeImpl{err: errors.New("make flash: exit 1")})

	res := f.Flash(context.Background(), Target{}, "", MethodBuildFlash)
	if !res.Success || res.Method != MethodBootloaderTool {
		t.Fatalf("expected fallback to bootloader-tool to succeed, got %+v", res)
	}
}

func TestFlashNoFallbackWhenDisallowed(t *testing.T) {
	f := New(false)
	primary := &fakeImpl{err: errors.New("boom")}
	secondary := &fakeImpl{}
	f.Register(MethodBootloaderTool, primary)
	f.Register(MethodBuildFlash, secondary)

	res := f.Flash(context.Background(), Target{}, "", MethodBootloaderTool)
	if res.Success {
		t.Fatal("expected failure since fallback is disallowed")
	}
	if secondary.calls != 0 {
		t.Fatal("secondary method must not run when fallback is disallowed")
	}
}

func TestFlashBothMethodsFailReportsCombinedError(t *testing.T) {
	f := New(true)
	f.Register(MethodBootloaderTool, &fakeImpl{err: errors.New("primary down")})
	f.Register(MethodBuildFlash, &fakeImpl{err: errors.New("secondary down")})

	res := f.Flash(context.Background(), Target{}, "", MethodBootloaderTool)
	if res.Success {
		t.Fatal("expected overall failure when both methods fail")
	}
	if res.Error == "" {
		t.Fatal("expected a non-empty combined error message")
	}
}

func TestFlashUnregisteredMethodFailsCleanly(t *testing.T) {
	f := New(false)
	res := f.Flash(context.Background(), Target{}, "", "nonexistent-method")
	if res.Success {
		t.Fatal("expected failure for an unregistered method")
	}
}

func TestUnknownBootloaderFlashErrorDiffersFromGenericFailure(t *testing.T) {
	fe := &errs.FlashError{Kind: errs.FlashUnknownBootloader, Method: MethodBootloaderTool, Err: errors.New("exit status 42")}
	other := &errs.FlashError{Kind: errs.FlashBootloaderToolFailed, Method: MethodBootloaderTool, Err: errors.New("exit status 1")}
	if fe.Error() == other.Error() {
		t.Fatal("expected unknown-bootloader and generic-failure messages to differ")
	}
}
