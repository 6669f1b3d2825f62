package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/avery-hale/turnkeeper/internal/log"
)

// DefaultPrintModeTimeout is the per-turn timeout for the one-shot
// print-mode strategy.
const DefaultPrintModeTimeout = 30 * time.Second

// PrintModeConfig configures the one-shot print-mode strategy.
type PrintModeConfig struct {
	AgentPath       string
	PermissionsFlag string // e.g. --dangerously-skip-permissions
	WorkDir         string
	Timeout         time.Duration
}

// PrintModeDispatcher spawns a fresh supervisor process per turn, in
// print/non-interactive mode, and parses its stdout. Grounded on the same
// exec.CommandContext / buffered-output shape the worker process spawner
// uses, simplified to a single synchronous call since print mode has no
// streaming protocol to parse.
type PrintModeDispatcher struct {
	cfg         PrintModeConfig
	budget      *Budget
	onIteration ProgressFunc
}

// NewPrintModeDispatcher constructs a PrintModeDispatcher. Panics if
// cfg.AgentPath is empty: a misconfigured Dispatcher is a programmer
// error, not a runtime condition to recover from.
func NewPrintModeDispatcher(cfg PrintModeConfig, budget *Budget, onIteration ProgressFunc) *PrintModeDispatcher {
	if cfg.AgentPath == "" {
		panic("supervisor: PrintModeDispatcher requires a non-empty AgentPath")
	}
	if cfg.PermissionsFlag == "" {
		cfg.PermissionsFlag = "--dangerously-skip-permissions"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPrintModeTimeout
	}
	return &PrintModeDispatcher{cfg: cfg, budget: budget, onIteration: onIteration}
}

// Decide implements Dispatcher.
func (d *PrintModeDispatcher) Decide(decisionCtx Context) (Decision, error) {
	current, exhausted := d.budget.NextIteration()
	_, max, consecutive := d.budget.Snapshot()
	if d.onIteration != nil {
		d.onIteration(current, max, consecutive)
	}
	if exhausted {
		return ExhaustedDecision(current, max), nil
	}

	prompt := BuildPrompt(decisionCtx, current, max, ToolHistorySummary(decisionCtx.History))

	procCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	args := []string{"--print", d.cfg.PermissionsFlag, "--", prompt}
	log.Debug(log.CatSupervisor, "spawning print-mode supervisor turn", "iteration", current, "agent", d.cfg.AgentPath)

	// #nosec G204 -- agent path and flags come from orchestrator config, not remote input
	cmd := exec.CommandContext(procCtx, d.cfg.AgentPath, args...)
	if d.cfg.WorkDir != "" {
		cmd.Dir = d.cfg.WorkDir
	}

	output, err := cmd.Output()
	if err != nil {
		return d.handleFailure(current, err), nil
	}

	d.budget.RecordSuccess()
	return ParseResponse(string(output)), nil
}

func (d *PrintModeDispatcher) handleFailure(current int, err error) Decision {
	consecutive, aborted := d.budget.RecordFailure()
	log.ErrorErr(log.CatSupervisor, "print-mode supervisor turn failed", err, "iteration", current, "consecutive", consecutive)
	if aborted {
		return FailureAbortDecision(consecutive)
	}
	return DegradedContinueDecision()
}

// ResolveAgentPath discovers the agent CLI binary per the resolution
// order documented in SPEC_FULL.md §10.3: an explicit override, then
// $TURNKEEPER_AGENT_PATH, then PATH lookup, then a small set of known
// install locations (mirroring the layout a Node-based CLI installs into
// under $HOME/.claude when installed via npm/pnpm).
func ResolveAgentPath(override string, homeDir string, envOverride string, lookPath func(string) (string, error)) (string, error) {
	if override != "" {
		return override, nil
	}
	if envOverride != "" {
		return envOverride, nil
	}
	if path, err := lookPath("claude"); err == nil {
		return path, nil
	}
	if homeDir != "" {
		for _, candidate := range []string{
			filepath.Join(homeDir, ".claude", "local", "claude"),
			filepath.Join(homeDir, ".claude", "claude"),
		} {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("supervisor: agent executable not found (checked override, $TURNKEEPER_AGENT_PATH, PATH, known install locations)")
}
