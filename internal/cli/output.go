package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI styles used for terminal output.
const (
	colorReset   = "\033[0m"
	colorRed     = "\033[1;31m"
	colorGreen   = "\033[1;32m"
	colorYellow  = "\033[1;33m"
	colorMagenta = "\033[1;35m"
	colorCyan    = "\033[1;36m"
)

// UseColor reports whether f is a terminal and color was not disabled.
func UseColor(f *os.File, disabled bool) bool {
	if disabled || f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func colorize(text, color string, enabled bool) string {
	if !enabled || color == "" {
		return text
	}
	return color + text + colorReset
}

// ColorLine styles one physical log line: block delimiters in cyan, urgent
// and error lines in red, broadcasts in yellow, status in green, tasks and
// replies in magenta. Block body lines are indented.
func ColorLine(line string, enabled bool) string {
	switch {
	case strings.HasPrefix(line, "<<<["), line == "<<<END>>>":
		return colorize(line, colorCyan, enabled)
	case strings.HasPrefix(line, "["):
		return colorize(line, lineColor(line), enabled)
	default:
		return "  " + line
	}
}

func lineColor(line string) string {
	switch {
	case strings.Contains(line, "[URGENT]"), strings.Contains(line, "[ERROR]"):
		return colorRed
	case strings.Contains(line, "[BROADCAST]"), strings.Contains(line, "[HUMAN]"):
		return colorYellow
	case strings.Contains(line, "[STATUS]"):
		return colorGreen
	case strings.Contains(line, "[TASK]"), strings.Contains(line, "[REPLY]"):
		return colorMagenta
	}
	return ""
}
