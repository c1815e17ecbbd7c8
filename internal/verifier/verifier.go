// Package verifier polls for a flashed device's post-flash re-enumeration,
// distinguishing a clean success from "stuck in bootloader" and "timed out
// waiting".
package verifier

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kflash/kflash/internal/discovery"
	"github.com/kflash/kflash/internal/errs"
)

const (
	defaultPollInterval  = 250 * time.Millisecond
	defaultProgressEvery = 2 * time.Second
	DefaultTimeout       = 30 * time.Second
)

// Outcome is the result of WaitForDevice.
type Outcome struct {
	Success bool
	Path    string
	Reason  errs.VerificationErrorReason // zero value when Success
}

// Options customizes the poll cadence; zero values take the package
// defaults.
type Options struct {
	PollInterval  time.Duration
	ProgressEvery time.Duration
	Timeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = defaultProgressEvery
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// ScanFunc abstracts discovery.Scan so tests can substitute a fake.
type ScanFunc func() ([]discovery.Device, error)

// WaitForDevice polls scan() at a fixed cadence until pattern matches a
// device, the match is in bootloader mode (failure, the board never
// completed entering Klipper mode), or timeout elapses. progress, if
// non-nil, is called roughly every ProgressEvery while waiting.
func WaitForDevice(ctx context.Context, pattern string, opts Options, scan ScanFunc, progress func(elapsed time.Duration)) (Outcome, error) {
	opts = opts.withDefaults()

	b := backoff.NewConstantBackOff(opts.PollInterval)
	timed := backoff.WithContext(backoff.WithMaxElapsedTime(b, opts.Timeout), ctx)

	start := time.Now()
	lastProgress := start
	var outcome Outcome

	op := func() error {
		now := time.Now()
		if progress != nil && now.Sub(lastProgress) >= opts.ProgressEvery {
			progress(now.Sub(start))
			lastProgress = now
		}

		devices, err := scan()
		if err != nil {
			return err // transient scan error: keep retrying until timeout
		}

		matches, matchErr := discovery.MatchCount(pattern, devices)
		if matchErr != nil {
			return backoff.Permanent(matchErr)
		}
		if len(matches) == 0 {
			return errNotYet
		}

		d := matches[0]
		switch d.Mode {
		case discovery.KlipperMode:
			outcome = Outcome{Success: true, Path: d.Path}
			return nil
		case discovery.BootloaderMode:
			outcome = Outcome{Success: false, Path: d.Path, Reason: errs.ReasonStuckInBootloader}
			return nil
		default:
			return errNotYet
		}
	}

	if err := backoff.Retry(op, timed); err != nil {
		if err == errNotYet || err == context.DeadlineExceeded {
			reason := errs.ReasonTimeout
			return Outcome{Success: false, Reason: reason}, &errs.VerificationError{Reason: reason}
		}
		if ctx.Err() != nil {
			return Outcome{}, &errs.Interrupted{Stage: "wait-for-device", Err: ctx.Err()}
		}
		return Outcome{}, err
	}

	if !outcome.Success {
		return outcome, &errs.VerificationError{Reason: outcome.Reason, Path: outcome.Path}
	}
	return outcome, nil
}

var errNotYet = &notYetErr{}

type notYetErr struct{}

func (*notYetErr) Error() string { return "device not yet observed" }
