// Package orchestrator sequences the single-device and batch flash flows:
// preflight, config, build, daemon-stop, flash, verify, daemon-start. It is
// the only package that composes registry, configcache, discovery, service,
// builder, flasher, and verifier into one pipeline.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/kflash/kflash/internal/discovery"
	"github.com/kflash/kflash/internal/errs"
	"github.com/kflash/kflash/internal/oracle"
)

// MCUDecision is the operator's answer to an MCU mismatch prompt (spec's
// R/D/K: re-run, discard, keep).
type MCUDecision int

const (
	DecisionRerun MCUDecision = iota
	DecisionDiscard
	DecisionKeep
)

// Prompter is the contract the interactive UI layer must satisfy. The core
// never reads stdin directly; every user decision point is a method call so
// a non-interactive caller (tests, scripted CLI flags) can supply canned
// answers.
type Prompter interface {
	// ConfirmProceedWithoutSafetyChecks is asked when the status oracle is
	// unreachable. Default answer (if the prompter has no operator to ask)
	// must be false.
	ConfirmProceedWithoutSafetyChecks() bool

	// ResolveMCUMismatch is asked when the build tree's CONFIG_MCU does not
	// match the registry's expectation after a menuconfig save.
	ResolveMCUMismatch(expected, actual string) MCUDecision

	// ConfirmKeepPreviousCache is asked when menuconfig exits without saving
	// and a previous cache exists: keep the previous cache and continue, or
	// abort.
	ConfirmKeepPreviousCache() bool

	// ConfirmAmbiguousMatch is asked when a serial pattern matches more than
	// one discovered device; returning false aborts.
	ConfirmAmbiguousMatch(pattern string, matches []discovery.Device) bool

	// ConfirmProceedDespiteVersionMatch is asked in the batch flow when
	// every device's reported version already matches the host's.
	ConfirmProceedDespiteVersionMatch() bool
}

// cancelled is returned internally (never to the caller as an error) when a
// user declines a safety prompt — spec scenario 5 requires a clean,
// non-error cancellation.
type cancelled struct{ stage string }

func (c *cancelled) Error() string { return fmt.Sprintf("cancelled at %s", c.stage) }

// checkSafety runs the best-effort status-oracle safety gate shared by the
// single and batch flows: query the oracle; if unreachable, ask the
// prompter for explicit consent to proceed without the check; if the
// printer is printing or paused, block unconditionally.
func checkSafety(ctx context.Context, client *oracle.Client, prompt Prompter) error {
	status, err := client.Query(ctx)
	if err != nil {
		return err // only returned by a bug in Client; Query itself never errors for network failures
	}
	if status == nil {
		if prompt.ConfirmProceedWithoutSafetyChecks() {
			return nil
		}
		return &cancelled{stage: "safety-check"}
	}

	switch status.PrintState {
	case oracle.StatePrinting:
		return &errs.SafetyError{State: errs.SafetyStatePrinting}
	case oracle.StatePaused:
		return &errs.SafetyError{State: errs.SafetyStatePaused}
	}
	return nil
}
