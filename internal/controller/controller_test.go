package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avery-hale/turnkeeper/internal/cooldown"
	"github.com/avery-hale/turnkeeper/internal/supervisor"
)

// stubDispatcher returns a fixed, mutable sequence of decisions.
type stubDispatcher struct {
	mu        sync.Mutex
	decisions []supervisor.Decision
	calls     int
}

func (s *stubDispatcher) Decide(_ supervisor.Context) (supervisor.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.decisions[s.calls%len(s.decisions)]
	s.calls++
	return d, nil
}

func (s *stubDispatcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type injectRecorder struct {
	mu       sync.Mutex
	commands []string
}

func (r *injectRecorder) inject(command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	return nil
}

func (r *injectRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.commands))
	copy(out, r.commands)
	return out
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func newTestController(t *testing.T, decisions ...supervisor.Decision) (*Controller, *injectRecorder, *stubDispatcher) {
	t.Helper()
	rec := &injectRecorder{}
	disp := &stubDispatcher{decisions: decisions}
	c := New(
		WithDispatcher(disp),
		WithInjectFunc(rec.inject),
		WithCooldown(cooldown.New(1*time.Millisecond)),
	)
	return c, rec, disp
}

func TestController_StartIllegalFromMonitoring(t *testing.T) {
	c, _, _ := newTestController(t, supervisor.Decision{Action: supervisor.ActionContinue})
	require.NoError(t, c.Start("do the thing"))
	require.Error(t, c.Start("again"))
}

func TestController_OnToolNeverTransitions(t *testing.T) {
	c, _, _ := newTestController(t, supervisor.Decision{Action: supervisor.ActionContinue})
	require.NoError(t, c.Start("task"))
	c.OnTool("Read", map[string]string{"path": "a.go"}, "contents", "")
	require.Equal(t, LoopMonitoring, c.View().LoopState)
	require.Equal(t, 0, c.View().Stats.ToolErrors)

	c.OnTool("Bash", "rm -rf /tmp/x", "", "permission denied")
	require.Equal(t, 1, c.View().Stats.ToolErrors)
	require.Equal(t, LoopMonitoring, c.View().LoopState)
}

func TestController_OnStopDroppedWhenNotMonitoring(t *testing.T) {
	c, _, disp := newTestController(t, supervisor.Decision{Action: supervisor.ActionContinue})
	// Never started: loopState is LoopIdle, not LoopMonitoring.
	c.OnStop("sess-1", "/tmp/transcript.jsonl")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, disp.callCount())
}

func TestController_OnStopDroppedWhilePaused(t *testing.T) {
	c, _, disp := newTestController(t, supervisor.Decision{Action: supervisor.ActionContinue})
	require.NoError(t, c.Start("task"))
	c.Pause()
	c.OnStop("sess-1", "/tmp/transcript.jsonl")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, disp.callCount())
	require.True(t, c.View().Paused)
}

func TestController_InjectDecisionWritesCommandAndClearsHistory(t *testing.T) {
	c, rec, _ := newTestController(t, supervisor.Decision{Action: supervisor.ActionInject, Command: "write tests"})
	require.NoError(t, c.Start("task"))
	c.OnTool("Read", nil, "out", "")

	c.OnStop("sess-1", "/tmp/t.jsonl")
	waitUntil(t, func() bool { return len(rec.snapshot()) == 1 })

	require.Equal(t, []string{"write tests"}, rec.snapshot())
	waitUntil(t, func() bool { return c.View().LoopState == LoopMonitoring })
}

func TestController_ContinueDecisionInjectsClear(t *testing.T) {
	c, rec, _ := newTestController(t, supervisor.Decision{Action: supervisor.ActionContinue})
	require.NoError(t, c.Start("task"))
	c.OnStop("sess-1", "/tmp/t.jsonl")
	waitUntil(t, func() bool { return len(rec.snapshot()) == 1 })
	require.Equal(t, []string{"/clear"}, rec.snapshot())
}

func TestController_StopDecisionStopsController(t *testing.T) {
	c, _, _ := newTestController(t, supervisor.Decision{Action: supervisor.ActionStop, Reason: "done"})
	require.NoError(t, c.Start("task"))
	c.OnStop("sess-1", "/tmp/t.jsonl")
	waitUntil(t, func() bool { return c.View().LoopState == LoopStopped })
}

func TestController_AbortInjectsCleanupThenStops(t *testing.T) {
	c, rec, _ := newTestController(t, supervisor.Decision{Action: supervisor.ActionAbort, Command: "/clear", Reason: "stuck"})
	require.NoError(t, c.Start("task"))
	c.OnStop("sess-1", "/tmp/t.jsonl")
	waitUntil(t, func() bool { return c.View().LoopState == LoopStopped })
	require.Equal(t, []string{"/clear"}, rec.snapshot())
}

func TestController_InjectDecisionMissingCommandPanics(t *testing.T) {
	c, _, _ := newTestController(t, supervisor.Decision{Action: supervisor.ActionInject})
	require.NoError(t, c.Start("task"))

	require.Panics(t, func() {
		c.applyDecision(supervisor.Decision{Action: supervisor.ActionInject})
	})
}

func TestController_ManualInjectBypassesSupervisor(t *testing.T) {
	c, rec, disp := newTestController(t, supervisor.Decision{Action: supervisor.ActionContinue})
	require.NoError(t, c.Start("task"))
	require.NoError(t, c.Inject("manual command"))
	require.Equal(t, []string{"manual command"}, rec.snapshot())
	require.Equal(t, 0, disp.callCount())
}

func TestController_ManualInjectFailsWhenStopped(t *testing.T) {
	c, _, _ := newTestController(t, supervisor.Decision{Action: supervisor.ActionContinue})
	require.NoError(t, c.Start("task"))
	c.Stop("done")
	require.Error(t, c.Inject("too late"))
}

func TestController_StopIsIdempotent(t *testing.T) {
	c, _, _ := newTestController(t, supervisor.Decision{Action: supervisor.ActionContinue})
	require.NoError(t, c.Start("task"))
	c.Stop("first")
	c.Stop("second")
	require.Equal(t, LoopStopped, c.View().LoopState)
}
