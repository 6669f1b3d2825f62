package hooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avery-hale/turnkeeper/internal/controller"
	"github.com/avery-hale/turnkeeper/internal/supervisor"
)

type alwaysContinue struct{}

func (alwaysContinue) Decide(_ supervisor.Context) (supervisor.Decision, error) {
	return supervisor.Decision{Action: supervisor.ActionContinue}, nil
}

// historyCapturingDispatcher records the History length it was handed so
// tests can assert exactly which tool entries made it into a turn.
type historyCapturingDispatcher struct {
	seen chan int
}

func (d *historyCapturingDispatcher) Decide(decisionCtx supervisor.Context) (supervisor.Decision, error) {
	d.seen <- len(decisionCtx.History)
	return supervisor.Decision{Action: supervisor.ActionContinue}, nil
}

func newTestServer(t *testing.T) (*Server, *controller.Controller) {
	t.Helper()
	ctrl := controller.New(
		controller.WithDispatcher(alwaysContinue{}),
		controller.WithInjectFunc(func(string) error { return nil }),
	)
	s := New()
	s.SetController(ctrl)
	return s, ctrl
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleSessionStart_ReturnsContinue(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s.Handler(), "/api/hooks/session-start", sessionStartBody{SessionID: "s1", Cwd: "/tmp", Source: "startup"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp hookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Continue)
}

func TestHandleTool_RecordsEntry(t *testing.T) {
	s, ctrl := newTestServer(t)
	require.NoError(t, ctrl.Start("build thing"))

	body := toolBody{SessionID: "s1", ToolName: "Read", ToolResponse: toolResponseBody{Output: "hi", Error: "exit 1"}}
	rec := postJSON(t, s.Handler(), "/api/hooks/tool", body)
	require.Equal(t, http.StatusOK, rec.Code)

	// Synchronous handler: no sleep needed, the entry is recorded by the
	// time the response is written.
	require.Equal(t, 1, ctrl.View().Stats.ToolErrors)
	require.Equal(t, controller.LoopMonitoring, ctrl.View().LoopState)
}

func TestHandleStop_DispatchesWithoutBlocking(t *testing.T) {
	s, ctrl := newTestServer(t)
	require.NoError(t, ctrl.Start("task"))

	start := time.Now()
	rec := postJSON(t, s.Handler(), "/api/hooks/stop", stopBody{SessionID: "s1", TranscriptPath: "/tmp/t.jsonl"})
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Less(t, elapsed, 200*time.Millisecond)
}

func TestHandleTool_IsVisibleToStopThatFollowsImmediately(t *testing.T) {
	dispatcher := &historyCapturingDispatcher{seen: make(chan int, 1)}
	ctrl := controller.New(
		controller.WithDispatcher(dispatcher),
		controller.WithInjectFunc(func(string) error { return nil }),
	)
	s := New()
	s.SetController(ctrl)
	require.NoError(t, ctrl.Start("task"))

	// A tool hook immediately followed by a stop hook, both handled
	// synchronously: the stop's history snapshot must already include the
	// tool entry, never lose it to the next turn.
	postJSON(t, s.Handler(), "/api/hooks/tool", toolBody{SessionID: "s1", ToolName: "Read", ToolResponse: toolResponseBody{Output: "hi"}})
	postJSON(t, s.Handler(), "/api/hooks/stop", stopBody{SessionID: "s1", TranscriptPath: "/tmp/t.jsonl"})

	select {
	case n := <-dispatcher.seen:
		require.Equal(t, 1, n)
	case <-time.After(500 * time.Millisecond):
		require.Fail(t, "timeout waiting for supervisor turn")
	}
}

func TestHandleHooks_NotInitialisedReturns503(t *testing.T) {
	s := New()
	rec := postJSON(t, s.Handler(), "/api/hooks/session-start", sessionStartBody{SessionID: "s1"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleHooks_MalformedBodyStillReturnsContinue(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/hooks/tool", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp hookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Continue)
	require.NotEmpty(t, resp.Error)
}

func TestHandleSupervisorStop_SingleConsumerReplacesPriorRegistration(t *testing.T) {
	s, _ := newTestServer(t)

	var first, second string
	s.SetSupervisorStopHandler(func(path string) { first = path })
	s.SetSupervisorStopHandler(func(path string) { second = path })

	postJSON(t, s.Handler(), "/api/supervisor/stop", supervisorStopBody{TranscriptPath: "/tmp/sup.jsonl"})

	require.Empty(t, first)
	require.Equal(t, "/tmp/sup.jsonl", second)
}

func TestHandleGetSession_ReturnsMetadata(t *testing.T) {
	s, ctrl := newTestServer(t)
	require.NoError(t, ctrl.Start("build the thing"))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp sessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "task_running", resp.State)
	require.Equal(t, "build the thing", resp.Metadata.TaskDescription)
}

func TestHandleGetTranscript_RejectsNonJSONL(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/transcript?path=/tmp/foo.txt", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetTranscript_MissingPath(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/transcript", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
