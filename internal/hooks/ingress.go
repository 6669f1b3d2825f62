// Package hooks implements the Hooks Ingress: the localhost-bound HTTP
// surface the worker agent (and, in interactive-supervisor mode, the
// supervisor agent) POSTs lifecycle events to, plus the REST status and
// transcript endpoints observers poll.
package hooks

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avery-hale/turnkeeper/internal/controller"
	"github.com/avery-hale/turnkeeper/internal/log"
	"github.com/avery-hale/turnkeeper/internal/session"
	"github.com/avery-hale/turnkeeper/internal/transcript"
)

// hookResponse is the uniform reply shape for every POST /api/hooks/*
// and /api/supervisor/stop endpoint.
type hookResponse struct {
	Continue bool   `json:"continue"`
	Error    string `json:"error,omitempty"`
}

type sessionStartBody struct {
	SessionID     string `json:"session_id"`
	Cwd           string `json:"cwd"`
	Source        string `json:"source"`
	HookEventName string `json:"hook_event_name"`
}

type toolResponseBody struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

type toolBody struct {
	SessionID     string           `json:"session_id"`
	ToolName      string           `json:"tool_name"`
	ToolInput     any              `json:"tool_input"`
	ToolResponse  toolResponseBody `json:"tool_response"`
	HookEventName string           `json:"hook_event_name"`
}

type stopBody struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	HookEventName  string `json:"hook_event_name"`
}

type sessionEndBody struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type supervisorStopBody struct {
	TranscriptPath string `json:"transcript_path"`
}

// Server wires the Hooks Ingress to a Controller. The Controller is set
// once the orchestrator finishes constructing the run (SetController);
// requests arriving before that point get a 503, never a nil-pointer
// panic.
type Server struct {
	mu               sync.RWMutex
	ctrl             *controller.Controller
	onSupervisorStop func(transcriptPath string)
}

// New returns an uninitialised Server; call SetController once the
// Controller exists.
func New() *Server {
	return &Server{}
}

// SetController wires the live Controller. Safe to call once, from the
// Lifecycle Orchestrator's startup sequence.
func (s *Server) SetController(c *controller.Controller) {
	s.mu.Lock()
	s.ctrl = c
	s.mu.Unlock()
}

// SetSupervisorStopHandler registers the single consumer of
// POST /api/supervisor/stop (normally InteractiveDispatcher.NotifyStop).
func (s *Server) SetSupervisorStopHandler(f func(transcriptPath string)) {
	s.mu.Lock()
	s.onSupervisorStop = f
	s.mu.Unlock()
}

func (s *Server) controller() *controller.Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctrl
}

// Handler returns the routed mux. Every hook route is POST-only and
// every status route is GET-only, matched via Go 1.22's method-prefixed
// ServeMux patterns.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/hooks/session-start", s.handleSessionStart)
	mux.HandleFunc("POST /api/hooks/tool", s.handleTool)
	mux.HandleFunc("POST /api/hooks/stop", s.handleStop)
	mux.HandleFunc("POST /api/hooks/session-end", s.handleSessionEnd)
	mux.HandleFunc("POST /api/supervisor/stop", s.handleSupervisorStop)
	mux.HandleFunc("GET /api/session", s.handleGetSession)
	mux.HandleFunc("GET /api/transcript", s.handleGetTranscript)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeContinue always answers 200 {"continue":true}, optionally with a
// diagnostic error string — a malformed hook body is never the worker's
// problem to handle.
func writeContinue(w http.ResponseWriter, errMsg string) {
	writeJSON(w, http.StatusOK, hookResponse{Continue: true, Error: errMsg})
}

func writeNotInitialised(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not initialised"})
}

func decodeBody(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller()
	if ctrl == nil {
		writeNotInitialised(w)
		return
	}
	var body sessionStartBody
	if err := decodeBody(r, &body); err != nil {
		log.Warn(log.CatHooks, "malformed session-start body", "error", err)
		writeContinue(w, "malformed session-start body")
		return
	}
	// Synchronous: hook events with the same session_id must be applied in
	// the order received, and OnSessionStart never blocks or dispatches a
	// supervisor turn itself.
	ctrl.OnSessionStart(body.SessionID)
	writeContinue(w, "")
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller()
	if ctrl == nil {
		writeNotInitialised(w)
		return
	}
	var body toolBody
	if err := decodeBody(r, &body); err != nil {
		log.Warn(log.CatHooks, "malformed tool body", "error", err)
		writeContinue(w, "malformed tool body")
		return
	}
	// Synchronous, not backgrounded: a stop hook arriving right after this
	// one needs OnStop's history snapshot (controller.go) to already see
	// this entry appended. Backgrounding here would race OnStop's snapshot
	// against this Append and leak the tool into the next turn's history.
	ctrl.OnTool(body.ToolName, body.ToolInput, body.ToolResponse.Output, body.ToolResponse.Error)
	writeContinue(w, "")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller()
	if ctrl == nil {
		writeNotInitialised(w)
		return
	}
	var body stopBody
	if err := decodeBody(r, &body); err != nil {
		log.Warn(log.CatHooks, "malformed stop body", "error", err)
		writeContinue(w, "malformed stop body")
		return
	}
	// OnStop already dispatches the supervisor turn on its own goroutine;
	// calling it directly (not behind an extra `go`) keeps the ordering
	// of Stop events visible to the Controller deterministic.
	ctrl.OnStop(body.SessionID, body.TranscriptPath)
	writeContinue(w, "")
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller()
	if ctrl == nil {
		writeNotInitialised(w)
		return
	}
	var body sessionEndBody
	if err := decodeBody(r, &body); err != nil {
		log.Warn(log.CatHooks, "malformed session-end body", "error", err)
		writeContinue(w, "malformed session-end body")
		return
	}
	// Synchronous for the same reason as handleSessionStart/handleTool:
	// hook events must apply in the order received.
	ctrl.OnSessionEnd(body.Reason)
	writeContinue(w, "")
}

func (s *Server) handleSupervisorStop(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	handler := s.onSupervisorStop
	s.mu.RUnlock()

	var body supervisorStopBody
	if err := decodeBody(r, &body); err != nil {
		log.Warn(log.CatHooks, "malformed supervisor-stop body", "error", err)
		writeContinue(w, "malformed supervisor-stop body")
		return
	}
	if handler != nil {
		handler(body.TranscriptPath)
	}
	writeContinue(w, "")
}

type sessionMetadata struct {
	TaskDescription  string `json:"taskDescription"`
	StartTime        string `json:"startTime"`
	RuntimeMS        int64  `json:"runtime"`
	RuntimeFormatted string `json:"runtimeFormatted"`
}

type hooksStatus struct {
	State string           `json:"state"`
	Stats controller.Stats `json:"stats"`
}

type sessionStatus struct {
	State        string            `json:"state"`
	StateDetails map[string]string `json:"stateDetails,omitempty"`
	Metadata     sessionMetadata   `json:"metadata"`
	Hooks        hooksStatus       `json:"hooks"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller()
	if ctrl == nil {
		writeNotInitialised(w)
		return
	}
	v := ctrl.View()
	sv := v.Session

	details := map[string]string{}
	if sv.Command != "" {
		details["command"] = sv.Command
	}
	if sv.ErrorMessage != "" {
		details["errorMessage"] = sv.ErrorMessage
	}
	if sv.PreviousTag != "" {
		details["previousTag"] = string(sv.PreviousTag)
	}

	resp := sessionStatus{
		State:        string(sv.Tag),
		StateDetails: details,
		Metadata: sessionMetadata{
			TaskDescription:  sv.Task,
			RuntimeMS:        sv.Runtime.Milliseconds(),
			RuntimeFormatted: session.FormatRuntime(sv.Runtime),
		},
		Hooks: hooksStatus{
			State: string(v.LoopState),
			Stats: v.Stats,
		},
	}
	if !sv.Start.IsZero() {
		resp.Metadata.StartTime = sv.Start.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing path query parameter"})
		return
	}
	if strings.ToLower(filepath.Ext(path)) != ".jsonl" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path must be a .jsonl file"})
		return
	}
	lines, err := transcript.ReadLines(path)
	if err != nil {
		log.Warn(log.CatHooks, "transcript read failed", "path", path, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}
