package fingerprint

import (
	"regexp"
	"strings"
)

var (
	nodeStackRe = regexp.MustCompile(`(?m)^\s+at .+\(.+\)|^\s+at .+:\d+:\d+`)
	rustPanicRe = regexp.MustCompile(`(?m)^thread '.*' panicked at`)
	goPanicRe   = regexp.MustCompile(`(?m)^panic: |^goroutine \d+ \[`)
	javaStackRe = regexp.MustCompile(`(?m)^\s+at [\w.$]+\([\w.]+\.java:\d+\)`)
	rubyErrorRe = regexp.MustCompile(`(?m)\.rb:\d+:in`)
)

// DetectLanguage infers the traceback's source language from well-known
// markers. Best effort: "unknown" is a valid outcome, never an error.
func DetectLanguage(tb string) string {
	switch {
	case strings.Contains(tb, "Traceback (most recent call last)"):
		return "python"
	case goPanicRe.MatchString(tb):
		return "go"
	case rustPanicRe.MatchString(tb):
		return "rust"
	case javaStackRe.MatchString(tb):
		return "java"
	case rubyErrorRe.MatchString(tb):
		return "ruby"
	case nodeStackRe.MatchString(tb):
		return "javascript"
	case strings.Contains(tb, `File "`) && strings.Contains(tb, ", line "):
		// Partial python tracebacks without the header line.
		return "python"
	default:
		return "unknown"
	}
}
