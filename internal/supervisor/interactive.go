package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avery-hale/turnkeeper/internal/log"
	"github.com/avery-hale/turnkeeper/internal/pty"
	"github.com/avery-hale/turnkeeper/internal/transcript"
)

// DefaultInteractiveTimeout is the per-turn timeout for the
// interactive-PTY strategy.
const DefaultInteractiveTimeout = 60 * time.Second

// pasteConfirmDelay is the short wait before sending the second newline
// that confirms a multi-line paste in the supervisor's own CLI.
const pasteConfirmDelay = 150 * time.Millisecond

// InteractiveConfig configures the long-lived interactive-PTY strategy.
type InteractiveConfig struct {
	AgentPath       string
	PermissionsFlag string
	WorkDir         string
	Timeout         time.Duration
}

// InteractiveDispatcher runs a persistent supervisor in its own PTY,
// anchored to an isolated working directory. A turn sends a prompt and
// awaits the supervisor's own Stop hook (registered via NotifyStop,
// single-consumer) rather than waiting on process exit.
type InteractiveDispatcher struct {
	cfg         InteractiveConfig
	budget      *Budget
	onIteration ProgressFunc

	mu            sync.Mutex
	mgr           *pty.Manager
	started       bool
	died          bool
	restartedOnce bool
	waiting       chan string // set while a turn awaits the supervisor's Stop hook
}

// NewInteractiveDispatcher constructs an InteractiveDispatcher. Panics if
// cfg.AgentPath is empty.
func NewInteractiveDispatcher(cfg InteractiveConfig, budget *Budget, onIteration ProgressFunc) *InteractiveDispatcher {
	if cfg.AgentPath == "" {
		panic("supervisor: InteractiveDispatcher requires a non-empty AgentPath")
	}
	if cfg.PermissionsFlag == "" {
		cfg.PermissionsFlag = "--dangerously-skip-permissions"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInteractiveTimeout
	}
	return &InteractiveDispatcher{cfg: cfg, budget: budget, onIteration: onIteration}
}

// NotifyStop is the single-consumer callback the Hooks Ingress invokes on
// POST /api/supervisor/stop. Registering a new turn's wait channel
// replaces any prior registration, matching spec §4.4's single-consumer
// requirement.
func (d *InteractiveDispatcher) NotifyStop(transcriptPath string) {
	d.mu.Lock()
	ch := d.waiting
	d.waiting = nil
	d.mu.Unlock()

	if ch != nil {
		select {
		case ch <- transcriptPath:
		default:
		}
	}
}

func (d *InteractiveDispatcher) ensureStarted() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started && !d.died {
		return nil
	}
	if d.mgr == nil {
		d.mgr = pty.New()
	}

	onExit := func(pty.ExitInfo) {
		d.mu.Lock()
		d.died = true
		d.started = false
		d.mu.Unlock()
	}

	if err := d.mgr.Spawn(context.Background(), d.cfg.AgentPath, []string{d.cfg.PermissionsFlag}, 0, 0, nil, onExit); err != nil {
		return fmt.Errorf("supervisor: start interactive PTY: %w", err)
	}
	d.started = true
	d.died = false

	// Known startup banners vary by agent build and version; a fixed
	// settle delay is the portable alternative to matching exact text.
	time.Sleep(500 * time.Millisecond)
	return nil
}

// Decide implements Dispatcher.
func (d *InteractiveDispatcher) Decide(decisionCtx Context) (Decision, error) {
	current, exhausted := d.budget.NextIteration()
	_, max, consecutive := d.budget.Snapshot()
	if d.onIteration != nil {
		d.onIteration(current, max, consecutive)
	}
	if exhausted {
		return ExhaustedDecision(current, max), nil
	}

	if err := d.ensureStarted(); err != nil {
		return d.handleFailure(current, err), nil
	}

	contextLines, err := transcript.ReplayRoleTagged(decisionCtx.TranscriptPath, transcript.ReplayLimit)
	if err != nil {
		log.Warn(log.CatSupervisor, "transcript replay failed, falling back to tool-history summary", "error", err)
		contextLines = ToolHistorySummary(decisionCtx.History)
	}
	prompt := BuildPrompt(decisionCtx, current, max, contextLines)

	path, turnErr := d.runTurn(prompt)
	if turnErr != nil {
		d.mu.Lock()
		diedDuringWait := d.died
		canRestart := !d.restartedOnce
		if diedDuringWait && canRestart {
			d.restartedOnce = true
		}
		d.mu.Unlock()

		if diedDuringWait && canRestart {
			log.Warn(log.CatSupervisor, "interactive supervisor died, restarting once", "iteration", current)
			if err := d.ensureStarted(); err == nil {
				if path, turnErr = d.runTurn(prompt); turnErr == nil {
					text, err := transcript.LastAssistantText(path)
					if err != nil {
						return d.handleFailure(current, fmt.Errorf("read transcript: %w", err)), nil
					}
					d.budget.RecordSuccess()
					return ParseResponse(text), nil
				}
			}
		}
		return d.handleFailure(current, turnErr), nil
	}

	text, err := transcript.LastAssistantText(path)
	if err != nil {
		return d.handleFailure(current, fmt.Errorf("read transcript: %w", err)), nil
	}
	d.budget.RecordSuccess()
	return ParseResponse(text), nil
}

// runTurn sends prompt to the running supervisor PTY and blocks until its
// Stop hook fires (via NotifyStop) or the turn's timeout elapses.
func (d *InteractiveDispatcher) runTurn(prompt string) (transcriptPath string, err error) {
	resultCh := make(chan string, 1)
	d.mu.Lock()
	d.waiting = resultCh
	d.mu.Unlock()

	if err := d.mgr.Write([]byte(prompt + "\n")); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	time.Sleep(pasteConfirmDelay)
	_ = d.mgr.Write([]byte("\n"))

	select {
	case path := <-resultCh:
		return path, nil
	case <-time.After(d.cfg.Timeout):
		d.mu.Lock()
		d.waiting = nil
		d.mu.Unlock()
		return "", fmt.Errorf("supervisor turn timed out after %s", d.cfg.Timeout)
	}
}

func (d *InteractiveDispatcher) handleFailure(current int, err error) Decision {
	consecutive, aborted := d.budget.RecordFailure()
	log.ErrorErr(log.CatSupervisor, "interactive supervisor turn failed", err, "iteration", current, "consecutive", consecutive)
	if aborted {
		return FailureAbortDecision(consecutive)
	}
	return DegradedContinueDecision()
}

// Close tears down the supervisor PTY, if running.
func (d *InteractiveDispatcher) Close() error {
	d.mu.Lock()
	mgr := d.mgr
	d.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.Cleanup()
}
