// Package orchestrator implements the Lifecycle Orchestrator: the entry
// sequence that wires the PTY Manager, Hooks Controller, Supervisor
// Dispatcher, and Broadcaster together for one run, then forwards the
// controlling terminal's stdin/resize to the worker PTY until it exits
// or a shutdown signal arrives.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/avery-hale/turnkeeper/internal/broadcast"
	"github.com/avery-hale/turnkeeper/internal/config"
	"github.com/avery-hale/turnkeeper/internal/controller"
	"github.com/avery-hale/turnkeeper/internal/cooldown"
	"github.com/avery-hale/turnkeeper/internal/events"
	"github.com/avery-hale/turnkeeper/internal/hooks"
	"github.com/avery-hale/turnkeeper/internal/log"
	ptymgr "github.com/avery-hale/turnkeeper/internal/pty"
	"github.com/avery-hale/turnkeeper/internal/supervisor"
	"github.com/avery-hale/turnkeeper/internal/tracing"
)

// Run executes the entry sequence described in spec §4.9 and blocks
// until the worker exits or a shutdown signal is handled. It returns the
// worker's exit code (propagated to the process, per spec §6.3) and any
// startup error.
func Run(cfg config.Config) (int, error) {
	runID := uuid.NewString()

	bus := events.NewBus()
	defer bus.Close()

	hub := broadcast.NewHub(bus)
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go hub.Run(hubCtx)

	provider, err := buildTracingProvider(cfg)
	if err != nil {
		return 1, fmt.Errorf("orchestrator: tracing setup: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	hookServer := hooks.New()
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/", hookServer.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorErr(log.CatHTTP, "http server stopped", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}()

	workerPTY := ptymgr.New()

	dispatcher, closeDispatcher := buildDispatcher(cfg, runID, bus)
	if closeDispatcher != nil {
		defer closeDispatcher()
	}

	ctrl := controller.New(
		controller.WithDispatcher(dispatcher),
		controller.WithInjectFunc(func(command string) error {
			if !workerPTY.IsRunning() {
				return fmt.Errorf("orchestrator: worker PTY not running")
			}
			return workerPTY.Write([]byte(command + "\n"))
		}),
		controller.WithEventBus(bus),
		controller.WithCooldown(cooldown.New(time.Duration(cfg.CooldownMS)*time.Millisecond)),
		controller.WithTracer(provider.Tracer()),
	)
	hookServer.SetController(ctrl)

	if interactive, ok := dispatcher.(*supervisor.InteractiveDispatcher); ok {
		hookServer.SetSupervisorStopHandler(interactive.NotifyStop)
	}

	if err := ctrl.Start(cfg.Task); err != nil {
		return 1, fmt.Errorf("orchestrator: start controller: %w", err)
	}

	filter := broadcast.NewFilter(8)
	onBytes := func(chunk []byte) {
		bus.Publish(events.KindPTYOutput, filter.Apply(string(chunk)))
	}

	var exitCode int
	var exitOnce sync.Once
	workerExited := make(chan struct{})
	onExit := func(info ptymgr.ExitInfo) {
		ctrl.Stop("worker exited")
		exitOnce.Do(func() {
			exitCode = info.Code
			close(workerExited)
		})
	}

	workerCmd, workerArgs, err := workerCommand(cfg)
	if err != nil {
		return 1, fmt.Errorf("orchestrator: resolve worker agent: %w", err)
	}
	cols, rows := terminalSize()

	log.Info(log.CatLifecycle, "turnkeeper run starting", "runID", runID, "port", cfg.Port, "agent", workerCmd)

	if err := workerPTY.Spawn(context.Background(), workerCmd, workerArgs, cols, rows, onBytes, onExit); err != nil {
		return 1, fmt.Errorf("orchestrator: spawn worker: %w", err)
	}

	restoreTerm := forwardStdin(workerPTY)
	defer restoreTerm()

	stopResize := forwardResize(workerPTY)
	defer stopResize()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-workerExited:
		log.Info(log.CatLifecycle, "worker exited", "code", exitCode)
	case sig := <-sigCh:
		log.Info(log.CatLifecycle, "shutdown signal received", "signal", sig.String())
		ctrl.Stop("shutdown requested")
		_ = workerPTY.Cleanup()
		exitCode = 0
	}

	return exitCode, nil
}

func buildTracingProvider(cfg config.Config) (*tracing.Provider, error) {
	tc := tracing.DefaultConfig()
	tc.ServiceName = "turnkeeper"
	switch cfg.Trace {
	case config.TraceNone:
		tc.Enabled = false
	case config.TraceStdout:
		tc.Enabled = true
		tc.Exporter = "stdout"
	case config.TraceFile:
		tc.Enabled = true
		tc.Exporter = "file"
		tc.FilePath = cfg.TraceFile
	}
	return tracing.NewProvider(tc)
}

// buildDispatcher constructs the Supervisor Dispatcher strategy selected
// by cfg, wiring its iteration/failure counters onto the event bus as
// KindIterationUpdate. The returned closer tears down a long-lived
// supervisor PTY (interactive mode only); nil for the other strategies.
func buildDispatcher(cfg config.Config, runID string, bus *events.Bus) (supervisor.Dispatcher, func()) {
	budget := supervisor.NewBudget(cfg.MaxIterations, cfg.FailureThreshold)
	onIteration := func(current, max, consecutive int) {
		bus.Publish(events.KindIterationUpdate, map[string]int{
			"current":             current,
			"max":                 max,
			"consecutiveFailures": consecutive,
		})
	}

	if cfg.MockSupervisor {
		return supervisor.NewMockDispatcher(budget, onIteration), nil
	}

	agentPath, err := supervisor.ResolveAgentPath(cfg.AgentPath, os.Getenv("HOME"), os.Getenv("TURNKEEPER_AGENT_PATH"), exec.LookPath)
	if err != nil {
		log.Warn(log.CatLifecycle, "could not resolve supervisor agent path, falling back to configured override", "error", err)
		agentPath = cfg.AgentPath
	}

	if cfg.SupervisorMode == config.SupervisorModeInteractive {
		workDir := cfg.SupervisorWorkdir
		if workDir == "" {
			workDir = filepath.Join(os.TempDir(), "turnkeeper-supervisor-"+runID)
		}
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			log.Warn(log.CatLifecycle, "failed to create supervisor working directory", "dir", workDir, "error", err)
		}
		d := supervisor.NewInteractiveDispatcher(supervisor.InteractiveConfig{
			AgentPath:       agentPath,
			PermissionsFlag: cfg.AgentPermFlag,
			WorkDir:         workDir,
			Timeout:         cfg.SupervisorTimeout,
		}, budget, onIteration)
		return d, func() { _ = d.Close() }
	}

	d := supervisor.NewPrintModeDispatcher(supervisor.PrintModeConfig{
		AgentPath:       agentPath,
		PermissionsFlag: cfg.AgentPermFlag,
		WorkDir:         cfg.SupervisorWorkdir,
		Timeout:         cfg.SupervisorTimeout,
	}, budget, onIteration)
	return d, nil
}

// workerCommand resolves the worker agent binary and the arguments that
// launch it interactively (no --print: the worker runs live in its own
// PTY, not as a one-shot turn).
func workerCommand(cfg config.Config) (string, []string, error) {
	agentPath, err := supervisor.ResolveAgentPath(cfg.AgentPath, os.Getenv("HOME"), os.Getenv("TURNKEEPER_AGENT_PATH"), exec.LookPath)
	if err != nil {
		return "", nil, err
	}
	return agentPath, []string{cfg.AgentPermFlag, cfg.Task}, nil
}

func terminalSize() (cols, rows uint16) {
	if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil && w > 0 && h > 0 {
		return uint16(w), uint16(h)
	}
	return ptymgr.DefaultCols, ptymgr.DefaultRows
}

// forwardStdin puts the controlling terminal into raw mode and forwards
// its bytes to workerPTY until stdin closes. It returns a restore
// function that must run before process exit.
func forwardStdin(workerPTY *ptymgr.Manager) func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		log.Warn(log.CatLifecycle, "failed to enter raw mode", "error", err)
		return func() {}
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				_ = workerPTY.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	return func() { _ = term.Restore(fd, oldState) }
}

// forwardResize relays SIGWINCH to the worker PTY until stopped.
func forwardResize(workerPTY *ptymgr.Manager) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
					_ = workerPTY.Resize(uint16(w), uint16(h))
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
