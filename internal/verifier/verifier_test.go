package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kflash/kflash/internal/discovery"
	"github.com/kflash/kflash/internal/errs"
)

func device(name string, mode discovery.Mode) discovery.Device {
	return discovery.Device{Filename: name, Path: "/dev/serial/by-id/" + name, Mode: mode}
}

func TestWaitForDeviceSucceedsOnFirstPoll(t *testing.T) {
	scan := func() ([]discovery.Device, error) {
		return []discovery.Device{device("usb-Klipper_stm32h723xx_ABC-if00", discovery.KlipperMode)}, nil
	}

	out, err := WaitForDevice(context.Background(), "usb-Klipper_*_ABC*", Options{PollInterval: time.Millisecond, Timeout: time.Second}, scan, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
}

// TestWaitForDeviceAppearsOnLastPoll covers the boundary where the device
// only re-enumerates just before the timeout elapses.
func TestWaitForDeviceAppearsOnLastPoll(t *testing.T) {
	calls := 0
	scan := func() ([]discovery.Device, error) {
		calls++
		if calls < 4 {
			return nil, nil
		}
		return []discovery.Device{device("usb-Klipper_stm32h723xx_ABC-if00", discovery.KlipperMode)}, nil
	}

	out, err := WaitForDevice(context.Background(), "usb-Klipper_*_ABC*", Options{PollInterval: 5 * time.Millisecond, Timeout: time.Second}, scan, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatalf("expected eventual success, got %+v", out)
	}
	if calls < 4 {
		t.Fatalf("expected at least 4 polls before success, got %d", calls)
	}
}

func TestWaitForDeviceStuckInBootloaderIsDistinctFailure(t *testing.T) {
	scan := func() ([]discovery.Device, error) {
		return []discovery.Device{device("usb-katapult_stm32h723xx_ABC-if00", discovery.BootloaderMode)}, nil
	}

	out, err := WaitForDevice(context.Background(), "usb-*_ABC*", Options{PollInterval: time.Millisecond, Timeout: 50 * time.Millisecond}, scan, nil)
	var verr *errs.VerificationError
	if !errors.As(err, &verr) || verr.Reason != errs.ReasonStuckInBootloader {
		t.Fatalf("expected a stuck-in-bootloader *errs.VerificationError, got %v", err)
	}
	if out.Success {
		t.Fatal("expected failure when the device is stuck in bootloader mode")
	}
	if out.Reason != errs.ReasonStuckInBootloader {
		t.Fatalf("expected ReasonStuckInBootloader, got %v", out.Reason)
	}
}

func TestWaitForDeviceTimesOutWhenNeverSeen(t *testing.T) {
	scan := func() ([]discovery.Device, error) { return nil, nil }

	out, err := WaitForDevice(context.Background(), "usb-Klipper_*_ABC*", Options{PollInterval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}, scan, nil)
	var verr *errs.VerificationError
	if !errors.As(err, &verr) || verr.Reason != errs.ReasonTimeout {
		t.Fatalf("expected a timeout *errs.VerificationError, got %v", err)
	}
	if out.Success || out.Reason != errs.ReasonTimeout {
		t.Fatalf("expected a timeout outcome, got %+v", out)
	}
}

func TestWaitForDeviceReportsProgressPeriodically(t *testing.T) {
	scan := func() ([]discovery.Device, error) { return nil, nil }

	var ticks int
	progress := func(elapsed time.Duration) { ticks++ }

	_, err := WaitForDevice(context.Background(), "usb-Klipper_*_ABC*",
		Options{PollInterval: 5 * time.Millisecond, ProgressEvery: 10 * time.Millisecond, Timeout: 60 * time.Millisecond},
		scan, progress)
	var verr *errs.VerificationError
	if !errors.As(err, &verr) || verr.Reason != errs.ReasonTimeout {
		t.Fatalf("expected the never-seen wait to end in a timeout *errs.VerificationError, got %v", err)
	}
	if ticks == 0 {
		t.Fatal("expected at least one progress callback during a multi-poll wait")
	}
}

func TestWaitForDeviceTransientScanErrorsAreRetried(t *testing.T) {
	calls := 0
	scan := func() ([]discovery.Device, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient sysfs read error")
		}
		return []discovery.Device{device("usb-Klipper_stm32h723xx_ABC-if00", discovery.KlipperMode)}, nil
	}

	out, err := WaitForDevice(context.Background(), "usb-Klipper_*_ABC*", Options{PollInterval: 5 * time.Millisecond, Timeout: time.Second}, scan, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatalf("expected the wait to survive transient scan errors, got %+v", out)
	}
}

func TestWaitForDeviceBadPatternIsPermanentError(t *testing.T) {
	scan := func() ([]discovery.Device, error) { return nil, nil }

	_, err := WaitForDevice(context.Background(), "[", Options{PollInterval: time.Millisecond, Timeout: 50 * time.Millisecond}, scan, nil)
	if err == nil {
		t.Fatal("expected a malformed glob pattern to surface as an error, not a timeout")
	}
}
