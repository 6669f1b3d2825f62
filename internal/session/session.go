// Package session implements the worker Session State finite-state
// machine: one guarded tagged variant per process, transitioned only
// through the table below (error excepted, which may be entered from any
// tag).
package session

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Tag is a Session State tag.
type Tag string

const (
	TagIdle        Tag = "idle"
	TagTaskRunning Tag = "task_running"
	TagAnalyzing   Tag = "analyzing"
	TagInjecting   Tag = "injecting"
	TagError       Tag = "error"
)

// ValidTransitions defines the legal edges of the Session State machine.
// Transitions into TagError are legal from any tag and bypass this table.
var ValidTransitions = map[Tag][]Tag{
	TagIdle:        {TagTaskRunning, TagError},
	TagTaskRunning: {TagAnalyzing, TagIdle, TagError},
	TagAnalyzing:   {TagInjecting, TagIdle, TagError},
	TagInjecting:   {TagTaskRunning, TagError},
	TagError:       {TagIdle},
}

// IsValidTransition reports whether to is a legal destination from from.
// TagError is always a legal destination, regardless of from.
func IsValidTransition(from, to Tag) bool {
	if to == TagError {
		return true
	}
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// ErrInvalidTransition is returned when a transition is not in ValidTransitions.
type ErrInvalidTransition struct {
	From    Tag
	To      Tag
	Allowed []Tag
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s (allowed from %s: %v)", e.From, e.To, e.From, e.Allowed)
}

// View is an immutable snapshot of Session State at the moment of Read.
type View struct {
	Tag          Tag
	Task         string
	Start        time.Time
	Runtime      time.Duration
	Command      string
	ErrorMessage string
	PreviousTag  Tag
}

// State is the guarded Session State machine. Zero value is not usable;
// construct with New.
type State struct {
	mu          sync.RWMutex
	tag         Tag
	task        string
	start       time.Time
	command     string
	errMessage  string
	previousTag Tag
}

// New returns a State starting in TagIdle.
func New() *State {
	return &State{tag: TagIdle}
}

// Tag returns the current tag.
func (s *State) Tag() Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tag
}

// Transition validates to against ValidTransitions and, if legal, commits
// it. Transitioning to TagError always succeeds and records the tag it
// left, regardless of the source tag.
func (s *State) Transition(to Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.tag
	if to == TagError {
		s.previousTag = from
		s.tag = TagError
		return nil
	}
	if !IsValidTransition(from, to) {
		return &ErrInvalidTransition{From: from, To: to, Allowed: ValidTransitions[from]}
	}
	s.tag = to
	return nil
}

// StartTask transitions to TagTaskRunning and stamps the task description
// and start instant. Legal from TagIdle or TagInjecting (command committed).
func (s *State) StartTask(task string) error {
	if err := s.Transition(TagTaskRunning); err != nil {
		return err
	}
	s.mu.Lock()
	s.task = task
	s.start = time.Now()
	s.mu.Unlock()
	return nil
}

// BeginAnalyzing transitions to TagAnalyzing: a completion signal is being
// evaluated by the supervisor.
func (s *State) BeginAnalyzing() error {
	return s.Transition(TagAnalyzing)
}

// BeginInjecting transitions to TagInjecting and records the command about
// to be written to the worker.
func (s *State) BeginInjecting(command string) error {
	if err := s.Transition(TagInjecting); err != nil {
		return err
	}
	s.mu.Lock()
	s.command = command
	s.mu.Unlock()
	return nil
}

// CommitInjection transitions back to TagTaskRunning once the injected
// command has been written to the worker's PTY.
func (s *State) CommitInjection() error {
	return s.Transition(TagTaskRunning)
}

// SetError is the privileged escape hatch: it may be called from any tag,
// records the tag it left as PreviousTag, and stores msg for post-mortem
// logging.
func (s *State) SetError(msg string) {
	s.mu.Lock()
	s.previousTag = s.tag
	s.errMessage = msg
	s.tag = TagError
	s.mu.Unlock()
}

// Reset performs the explicit error->idle recovery.
func (s *State) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tag != TagError {
		return &ErrInvalidTransition{From: s.tag, To: TagIdle, Allowed: ValidTransitions[s.tag]}
	}
	s.tag = TagIdle
	s.task = ""
	s.command = ""
	s.errMessage = ""
	return nil
}

// View returns an immutable snapshot. Runtime is derived as now-start at
// read time, never stored stale.
func (s *State) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		Tag:          s.tag,
		Task:         s.task,
		Start:        s.start,
		Command:      s.command,
		ErrorMessage: s.errMessage,
		PreviousTag:  s.previousTag,
	}
	if !s.start.IsZero() {
		v.Runtime = time.Since(s.start)
	}
	return v
}

// FormatRuntime renders a View's Runtime the way a status endpoint would
// display it to a human: "45s", "3m12s", "1h04m".
func FormatRuntime(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) - m*60
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) - h*60
	return fmt.Sprintf("%dh%02dm", h, m)
}
