package provider

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoMatch is returned by the pattern matcher when no known signature
// applies. The router treats this like any provider failure and escalates.
var ErrNoMatch = fmt.Errorf("no known error signature matched")

// patternConfidence is the fixed confidence assigned to signature matches.
// A matched signature is a well-known error shape; the diagnosis is
// templated, not inferred, so it sits above every acceptance threshold.
const patternConfidence = 0.9

type signature struct {
	re           *regexp.Regexp
	rootCause    string // {1}, {2} expand to capture groups
	suggestedFix string
	severity     string
}

// knownSignatures is the offline diagnosis table. Ordering matters only for
// overlapping patterns; more specific entries come first.
var knownSignatures = []signature{
	{
		re:           regexp.MustCompile(`ModuleNotFoundError: No module named '(\S+)'`),
		rootCause:    "Missing dependency: {1}",
		suggestedFix: "Run: pip install {1}",
		severity:     "high",
	},
	{
		re:           regexp.MustCompile(`ImportError: cannot import name '(\S+)' from '([^']+)'`),
		rootCause:    "Bad import: '{1}' doesn't exist in '{2}' (version mismatch or typo)",
		suggestedFix: "Check package version or fix import name",
		severity:     "high",
	},
	{
		re:           regexp.MustCompile(`TypeError: (.+) got an unexpected keyword argument '(\S+)'`),
		rootCause:    "Function {1} doesn't accept kwarg '{2}'",
		suggestedFix: "Check function signature, likely an API change or typo",
		severity:     "medium",
	},
	{
		re:           regexp.MustCompile(`FileNotFoundError: \[Errno 2\] No such file or directory: '(.+)'`),
		rootCause:    "Missing file: {1}",
		suggestedFix: "Verify path exists or create the file/directory",
		severity:     "high",
	},
	{
		re:           regexp.MustCompile(`KeyError: (.+)`),
		rootCause:    "Accessed missing dict key: {1}",
		suggestedFix: "Use .get({1}, default) or check key existence first",
		severity:     "medium",
	},
	{
		re:           regexp.MustCompile(`AttributeError: '(\S+)' object has no attribute '(\S+)'`),
		rootCause:    "'{1}' has no attribute '{2}', likely None or wrong type",
		suggestedFix: "Add type check or verify object initialization",
		severity:     "medium",
	},
	{
		re:           regexp.MustCompile(`ConnectionRefusedError`),
		rootCause:    "Service unreachable: connection refused",
		suggestedFix: "Check if the target service is running and the port is correct",
		severity:     "critical",
	},
	{
		re:           regexp.MustCompile(`PermissionError`),
		rootCause:    "Insufficient file/process permissions",
		suggestedFix: "Check file ownership and permissions (chmod/chown)",
		severity:     "critical",
	},
	{
		re:           regexp.MustCompile(`ZeroDivisionError`),
		rootCause:    "Division by zero",
		suggestedFix: "Add guard: check denominator != 0 before dividing",
		severity:     "medium",
	},
	{
		re:           regexp.MustCompile(`TypeError: Cannot read propert(?:y|ies) (?:of )?(\S+)`),
		rootCause:    "Property access on {1}: the receiver is undefined or null",
		suggestedFix: "Guard the access with optional chaining (?.) or a null check",
		severity:     "medium",
	},
	{
		re:           regexp.MustCompile(`panic: runtime error: invalid memory address or nil pointer dereference`),
		rootCause:    "Nil pointer dereference",
		suggestedFix: "Check the receiver or returned pointer for nil before use",
		severity:     "critical",
	},
	{
		re:           regexp.MustCompile(`panic: runtime error: index out of range \[(\d+)\] with length (\d+)`),
		rootCause:    "Index {1} out of range for slice of length {2}",
		suggestedFix: "Bound the index against len() before indexing",
		severity:     "high",
	},
}

// PatternMatcher is the tier-1 provider: a deterministic, offline matcher
// over known error signatures. No network, no cost, no latency.
type PatternMatcher struct{}

// NewPatternMatcher returns the tier-1 signature matcher.
func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{}
}

func (p *PatternMatcher) Name() string { return "regex" }

// Analyze matches the traceback's final error line against the signature
// table. Unmatched tracebacks return ErrNoMatch so the router escalates.
func (p *PatternMatcher) Analyze(_ context.Context, in Input) (Verdict, error) {
	errorLine := lastErrorLine(in.Traceback)
	errorType, errorMessage := splitErrorLine(errorLine)

	for _, sig := range knownSignatures {
		m := sig.re.FindStringSubmatch(errorLine)
		if m == nil {
			continue
		}
		v := Verdict{
			ErrorType:    errorType,
			ErrorMessage: errorMessage,
			RootCause:    expandGroups(sig.rootCause, m),
			SuggestedFix: expandGroups(sig.suggestedFix, m),
			Severity:     sig.severity,
			Confidence:   patternConfidence,
		}
		v.FilePath, v.LineNumber, v.FunctionName = LastLocation(in.Traceback)
		return v, nil
	}
	return Verdict{}, ErrNoMatch
}

// fallbackConfidence sits below every acceptance threshold: a fallback
// verdict is a parse of the error line, not a diagnosis.
const fallbackConfidence = 0.1

// FallbackVerdict builds a best-effort verdict for a traceback no tier could
// diagnose. The error line is still parsed out so the caller learns what
// broke, and the fix points at enabling the LLM tiers.
func FallbackVerdict(in Input) Verdict {
	errorType, errorMessage := splitErrorLine(lastErrorLine(in.Traceback))
	if errorType == "" {
		errorType = "UnknownError"
	}
	v := Verdict{
		ErrorType:    errorType,
		ErrorMessage: errorMessage,
		RootCause:    fmt.Sprintf("Unrecognized error: %s (no LLM analyzer available)", errorType),
		SuggestedFix: "Set an xAI or Anthropic API key to enable LLM analysis of unrecognized errors",
		Severity:     "medium",
		Confidence:   fallbackConfidence,
	}
	v.FilePath, v.LineNumber, v.FunctionName = LastLocation(in.Traceback)
	return v
}

// lastErrorLine returns the last non-empty line, where python and node put
// the actual error. Go panics put it first, so "panic:" lines win if present.
func lastErrorLine(tb string) string {
	lines := strings.Split(strings.TrimSpace(tb), "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "panic: ") {
			return strings.TrimSpace(line)
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func splitErrorLine(line string) (errorType, message string) {
	if before, after, found := strings.Cut(line, ":"); found {
		return strings.TrimSpace(before), strings.TrimSpace(after)
	}
	return strings.TrimSpace(line), ""
}

var pyLocationRe = regexp.MustCompile(`File "(.+?)", line (\d+), in (.+)`)

// LastLocation pulls the innermost file/line/function from a python-style
// traceback. Zero values for other languages.
func LastLocation(tb string) (file string, line int, fn string) {
	matches := pyLocationRe.FindAllStringSubmatch(tb, -1)
	if len(matches) == 0 {
		return "", 0, ""
	}
	last := matches[len(matches)-1]
	n, _ := strconv.Atoi(last[2])
	return last[1], n, strings.TrimSpace(last[3])
}

func expandGroups(template string, m []string) string {
	out := template
	for i := 1; i < len(m); i++ {
		out = strings.ReplaceAll(out, "{"+strconv.Itoa(i)+"}", m[i])
	}
	return out
}
