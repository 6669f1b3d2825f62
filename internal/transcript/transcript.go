// Package transcript reads a worker's JSONL session transcript: the same
// line-parsing idiom used for the worker's own stream-json stdout, applied
// to the file the worker leaves behind. LastAssistantText and
// ReplayRoleTagged skip malformed lines silently; ReadLines keeps each
// one as {"raw": line}.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ReplayLimit bounds how many role-tagged lines are replayed into an
// interactive supervisor prompt.
const ReplayLimit = 30

// ContentBlock is one element of an assistant message's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// message mirrors the `message` field shared by user/assistant entries.
// Content may be a bare string or an array of ContentBlock; raw JSON is
// decoded lazily by extractText.
type message struct {
	Content json.RawMessage `json:"content"`
}

// entry is the superset of fields spec.md recognises across transcript
// line shapes.
type entry struct {
	Type     string   `json:"type"`
	Message  *message `json:"message,omitempty"`
	ToolName string   `json:"tool_name,omitempty"`
	Content  string   `json:"content,omitempty"`
	IsError  bool     `json:"is_error,omitempty"`
}

func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func openScanner(path string) (*os.File, *bufio.Scanner, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is operator-supplied, validated by caller (.jsonl extension)
	if err != nil {
		return nil, nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return f, scanner, nil
}

// ReadLines returns every transcript line, each decoded into a generic
// JSON value, or {"raw": line} when a line fails to parse. Used by the
// REST transcript endpoint (spec §6.4).
func ReadLines(path string) ([]any, error) {
	f, scanner, err := openScanner(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []any
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal(line, &parsed); err == nil {
			lines = append(lines, parsed)
		} else {
			lines = append(lines, map[string]string{"raw": string(line)})
		}
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("transcript: scan %s: %w", path, err)
	}
	return lines, nil
}

// LastAssistantText scans a transcript top-to-bottom and returns the most
// recent assistant entry's text, concatenating multiple text blocks with
// newlines. Used by the Interactive Supervisor strategy to recover a
// turn's reply once its Stop hook has fired.
func LastAssistantText(path string) (string, error) {
	f, scanner, err := openScanner(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.Type != "assistant" || e.Message == nil {
			continue
		}
		if text := extractText(e.Message.Content); text != "" {
			last = text
		}
	}
	if err := scanner.Err(); err != nil {
		return last, fmt.Errorf("transcript: scan %s: %w", path, err)
	}
	return last, nil
}

// ReplayRoleTagged returns up to limit role-tagged lines ("user: ...",
// "assistant: ...", "tool: Name") in transcript order, for replay into an
// interactive supervisor's prompt in place of a tool-history summary.
func ReplayRoleTagged(path string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = ReplayLimit
	}
	f, scanner, err := openScanner(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []string
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		switch e.Type {
		case "user":
			if e.Message != nil {
				if text := extractText(e.Message.Content); text != "" {
					all = append(all, "user: "+text)
				}
			}
		case "assistant":
			if e.Message != nil {
				if text := extractText(e.Message.Content); text != "" {
					all = append(all, "assistant: "+text)
				}
			}
		case "tool_use":
			if e.ToolName != "" {
				all = append(all, "tool: "+e.ToolName)
			}
		case "tool_result":
			if e.IsError {
				all = append(all, "tool_result(error): "+e.Content)
			} else if e.Content != "" {
				all = append(all, "tool_result: "+e.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("transcript: scan %s: %w", path, err)
	}

	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
