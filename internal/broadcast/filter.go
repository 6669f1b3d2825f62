package broadcast

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// spinnerGlyphs are the braille/dot spinner frames common to Node CLIs
// (ora, cli-spinners) the supervisor and worker binaries are built on.
var spinnerGlyphs = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// boxDrawing matches a line built entirely from box-drawing border
// characters (─│┌┐└┘├┤┬┴┼═║╔╗╚╝) and whitespace.
var boxDrawing = regexp.MustCompile(`^[\s\x{2500}-\x{257F}\x{2550}-\x{256C}]+$`)

// transientWords are status words a CLI prints only while busy; they
// carry no information once the PTY output is replayed as static text.
var transientWords = []string{
	"Thinking…", "Thinking...", "Working…", "Working...",
	"Pondering…", "Pondering...", "Cogitating…", "Cogitating...",
}

// welcomeBanners matches box-framed or decorative startup banners; this
// catalogue is heuristic and presentation-only per spec §9 — it is never
// consulted for completion decisions, only for human readability.
var welcomeBanners = []string{
	"Welcome to", "Tips for getting started",
}

// Filter strips ANSI control sequences and heuristically drops noise
// lines before a pty_output envelope reaches observers. It is idempotent:
// filtering an already-filtered stream returns it unchanged, since every
// pass strips the same control sequences (none remain after the first)
// and the same noise lines (already absent after the first).
type Filter struct {
	lastLines []string
	dedupe    int
}

// NewFilter returns a Filter that suppresses lines duplicating any of
// the last dedupeWindow distinct emitted lines (0 disables dedup).
func NewFilter(dedupeWindow int) *Filter {
	return &Filter{dedupe: dedupeWindow}
}

// Apply strips terminal control sequences from raw, then drops lines
// matching the noise vocabulary, returning the cleaned text.
func (f *Filter) Apply(raw string) string {
	stripped := ansi.Strip(raw)
	lines := strings.Split(stripped, "\n")

	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if isNoise(line) {
			continue
		}
		if f.isDuplicate(line) {
			continue
		}
		kept = append(kept, line)
		f.remember(line)
	}
	return strings.Join(kept, "\n")
}

func (f *Filter) isDuplicate(line string) bool {
	if f.dedupe <= 0 {
		return false
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, seen := range f.lastLines {
		if seen == trimmed {
			return true
		}
	}
	return false
}

func (f *Filter) remember(line string) {
	if f.dedupe <= 0 {
		return
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	f.lastLines = append(f.lastLines, trimmed)
	if len(f.lastLines) > f.dedupe {
		f.lastLines = f.lastLines[len(f.lastLines)-f.dedupe:]
	}
}

func isNoise(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if isSpinnerLine(trimmed) {
		return true
	}
	if boxDrawing.MatchString(trimmed) {
		return true
	}
	for _, w := range transientWords {
		if strings.Contains(trimmed, w) {
			return true
		}
	}
	for _, b := range welcomeBanners {
		if strings.Contains(trimmed, b) {
			return true
		}
	}
	return false
}

func isSpinnerLine(trimmed string) bool {
	runes := []rune(trimmed)
	if len(runes) == 0 {
		return false
	}
	for _, r := range runes {
		if r == ' ' {
			continue
		}
		if !containsRune(spinnerGlyphs, r) {
			return false
		}
	}
	return true
}

func containsRune(set []rune, r rune) bool {
	for _, s := range set {
		if s == r {
			return true
		}
	}
	return false
}
