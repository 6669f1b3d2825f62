// Package supervisor implements the Supervisor Dispatcher: the component
// that launches a supervisor turn, builds its prompt, parses its
// marker-prefixed reply into a Decision, and enforces the iteration
// budget and consecutive-failure policy shared by every strategy.
package supervisor

import (
	"fmt"
	"strings"

	"github.com/avery-hale/turnkeeper/internal/toolhistory"
)

// Action is the effect a Decision asks the Controller to apply.
type Action string

const (
	ActionContinue Action = "continue"
	ActionInject   Action = "inject"
	ActionStop     Action = "stop"
	ActionClear    Action = "clear"
	ActionCompact  Action = "compact"
	ActionAbort    Action = "abort"
)

// Decision is the Dispatcher's output for one turn. It is a tagged
// variant in spirit: only ActionInject requires a non-empty Command, and
// that requirement is validated at the single point of use (the
// Controller's decision-handling table).
type Decision struct {
	Action     Action
	Command    string
	Reason     string
	Confidence float64
}

// Markers recognised in a supervisor reply. ParseResponse matches them
// anywhere in the reply, checking COMPLETE, then ABORT, then CONTINUE.
const (
	MarkerComplete = "[COMPLETE]"
	MarkerAbort    = "[ABORT]"
	MarkerContinue = "[CONTINUE]"
)

// ParseResponse turns a raw supervisor reply into a Decision per the
// marker -> decision mapping table. A missing marker defaults to
// ActionContinue with a neutral fallback reason rather than promoting
// the raw text to an instruction — an unrecognised reply is never
// trustworthy enough to inject verbatim.
func ParseResponse(raw string) Decision {
	trimmed := strings.TrimSpace(raw)

	if trimmed == "" {
		return Decision{Action: ActionContinue, Reason: "empty supervisor reply", Confidence: 0.5}
	}

	switch {
	case strings.Contains(trimmed, MarkerComplete):
		return Decision{
			Action:     ActionStop,
			Reason:     strings.TrimSpace(afterMarker(trimmed, MarkerComplete)),
			Confidence: 0.9,
		}
	case strings.Contains(trimmed, MarkerAbort):
		return Decision{
			Action:     ActionAbort,
			Command:    "/clear",
			Reason:     strings.TrimSpace(afterMarker(trimmed, MarkerAbort)),
			Confidence: 0.9,
		}
	case strings.Contains(trimmed, MarkerContinue):
		content := strings.TrimSpace(afterMarker(trimmed, MarkerContinue))
		if content == "" {
			return Decision{Action: ActionContinue, Reason: "continue with no specific instruction", Confidence: 0.5}
		}
		return Decision{Action: ActionInject, Command: content, Reason: "supervisor instruction", Confidence: 0.8}
	default:
		return Decision{
			Action:     ActionContinue,
			Reason:     fmt.Sprintf("no marker recognised in supervisor reply (%d chars)", len(trimmed)),
			Confidence: 0.5,
		}
	}
}

func afterMarker(s, marker string) string {
	idx := strings.Index(s, marker)
	if idx < 0 {
		return ""
	}
	return s[idx+len(marker):]
}

// Context carries everything a Dispatcher strategy needs to build a
// prompt for one turn.
type Context struct {
	Task           string
	SessionID      string
	TranscriptPath string
	History        []toolhistory.Entry
}

// Dispatcher is satisfied by every supervisor strategy: mock, print-mode,
// and interactive-PTY.
type Dispatcher interface {
	Decide(decisionCtx Context) (Decision, error)
}

// ProgressFunc reports iteration/failure counters for UI consumption at
// the start of every turn, after the iteration counter is incremented and
// before the supervisor is invoked.
type ProgressFunc func(current, max, consecutive int)

const responseProtocol = `Respond with ONE marker at the start of your reply, followed by content:
[COMPLETE] <summary> - work done, stop.
[ABORT] <reason> - something is wrong, stop.
[CONTINUE] <exact instruction> - worker should do this next.`

// BuildPrompt assembles the shared prompt shape (task, iteration banner,
// decision context, response protocol) common to both live strategies.
// contextLines is either a compact tool-history summary (print-mode) or
// a role-tagged transcript replay (interactive mode).
func BuildPrompt(decisionCtx Context, current, max int, contextLines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK: %s\n", decisionCtx.Task)
	fmt.Fprintf(&b, "ITERATION: %d/%d\n\n", current, max)

	if len(contextLines) == 0 {
		b.WriteString("RECENT ACTIVITY: (none)\n\n")
	} else {
		b.WriteString("RECENT ACTIVITY:\n")
		for _, line := range contextLines {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(responseProtocol)
	return b.String()
}

// ToolHistorySummary renders a compact, line-per-entry summary of tool
// history for the print-mode prompt.
func ToolHistorySummary(entries []toolhistory.Entry) []string {
	if len(entries) == 0 {
		return nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Err != "" {
			lines = append(lines, fmt.Sprintf("%s: error: %s", e.Tool, e.Err))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", e.Tool, e.Output))
	}
	return lines
}
