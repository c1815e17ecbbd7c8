package app

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"

	"github.com/kflash/kflash/internal/discovery"
	"github.com/kflash/kflash/internal/orchestrator"
)

// stdinPrompter implements orchestrator.Prompter by asking on the
// controlling terminal via a readline instance, which gives the operator
// line editing and history on the R/D/K and y/N answers without this
// package having to hand-roll either. A line that cannot be read is treated
// as an empty answer, which takes each prompt's capitalized default: No for
// the safety-check consent, ambiguous-match and version-match prompts,
// Re-run for the MCU mismatch prompt, and Yes for keeping the previous cache.
type stdinPrompter struct {
	rl *readline.Instance
}

func newStdinPrompter() (*stdinPrompter, error) {
	rl, err := readline.New("")
	if err != nil {
		return nil, fmt.Errorf("init prompt: %w", err)
	}
	return &stdinPrompter{rl: rl}, nil
}

func (p *stdinPrompter) close() error { return p.rl.Close() }

func (p *stdinPrompter) readLine(question string) string {
	p.rl.SetPrompt(question)
	line, err := p.rl.Readline()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

func (p *stdinPrompter) ConfirmProceedWithoutSafetyChecks() bool {
	ans := p.readLine("Status oracle unreachable. Continue without safety checks? [y/N]: ")
	return strings.EqualFold(ans, "y") || strings.EqualFold(ans, "yes")
}

func (p *stdinPrompter) ResolveMCUMismatch(expected, actual string) orchestrator.MCUDecision {
	for {
		ans := p.readLine(fmt.Sprintf("MCU mismatch: registry expects %q, config has %q. (R)e-run menuconfig, (D)iscard, (K)eep anyway? [R/d/k]: ", expected, actual))
		switch strings.ToUpper(ans) {
		case "", "R":
			return orchestrator.DecisionRerun
		case "D":
			return orchestrator.DecisionDiscard
		case "K":
			return orchestrator.DecisionKeep
		}
	}
}

func (p *stdinPrompter) ConfirmKeepPreviousCache() bool {
	ans := p.readLine("menuconfig exited without saving. Keep previous cached config and continue? [Y/n]: ")
	return ans == "" || strings.EqualFold(ans, "y") || strings.EqualFold(ans, "yes")
}

func (p *stdinPrompter) ConfirmAmbiguousMatch(pattern string, matches []discovery.Device) bool {
	fmt.Fprintf(p.rl.Stdout(), "Pattern %q matches %d devices:\n", pattern, len(matches))
	for _, m := range matches {
		fmt.Fprintf(p.rl.Stdout(), "  %s\n", m.Path)
	}
	ans := p.readLine("Proceed with the first match? [y/N]: ")
	return strings.EqualFold(ans, "y") || strings.EqualFold(ans, "yes")
}

func (p *stdinPrompter) ConfirmProceedDespiteVersionMatch() bool {
	ans := p.readLine("All devices already report the target version. Flash anyway? [y/N]: ")
	return strings.EqualFold(ans, "y") || strings.EqualFold(ans, "yes")
}
