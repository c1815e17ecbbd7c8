package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRegistryErrorUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := &RegistryError{Op: "save", Err: inner}

	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is did not find the wrapped error")
	}

	var re *RegistryError
	if !errors.As(err, &re) {
		t.Fatalf("errors.As failed to recover *RegistryError")
	}
	if re.Op != "save" {
		t.Fatalf("Op = %q, want save", re.Op)
	}
}

func TestRegistryErrorMessageIncludesKey(t *testing.T) {
	err := &RegistryError{Op: "lookup", Key: "octopus-pro", Err: errors.New("not found")}
	got := err.Error()
	if got == "" {
		t.Fatal("empty error message")
	}
	if !strings.Contains(got, "octopus-pro") {
		t.Fatalf("message %q does not mention the key", got)
	}
}

func TestPreflightErrorListsEveryKind(t *testing.T) {
	err := &PreflightError{Kinds: []PreflightErrorKind{
		PreflightMissingSourceTree,
		PreflightMissingBuildBinary,
	}}
	msg := err.Error()
	if !strings.Contains(msg, "source tree missing") || !strings.Contains(msg, "build tool binary not on PATH") {
		t.Fatalf("message %q missing an expected precondition phrase", msg)
	}
}

func TestDiscoveryErrorDistinguishesZeroFromMany(t *testing.T) {
	none := &DiscoveryError{Pattern: "usb-*", Matches: 0}
	many := &DiscoveryError{Pattern: "usb-*", Matches: 3}
	if none.Error() == many.Error() {
		t.Fatal("zero-match and multi-match messages should differ")
	}
}

func TestFlashErrorUnwrapThroughKinds(t *testing.T) {
	inner := errors.New("exit status 1")
	err := &FlashError{Kind: FlashBuildFlashFailed, Method: "build-flash", Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("FlashError did not unwrap to its inner error")
	}
}

func TestFlashErrorUnknownBootloaderHasDistinctMessage(t *testing.T) {
	err := &FlashError{Kind: FlashUnknownBootloader, Method: "bootloader-tool"}
	if !strings.Contains(err.Error(), "unrecognized bootloader") {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestServiceErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("systemctl exit 1")
	err := &ServiceError{Op: ServiceOpStart, Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("ServiceError did not unwrap")
	}
}
