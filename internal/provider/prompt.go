package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

const systemPrompt = `You are an expert debugging engine. Analyze the traceback provided and return ONLY a JSON object with these exact keys:

{
  "error_type": "the exception or error class name",
  "error_message": "the error message",
  "file_path": "file where the error originated or null",
  "line_number": line number as integer or null,
  "function_name": "function name or null",
  "root_cause": "concise root cause explanation",
  "suggested_fix": "actionable fix with code snippet if relevant",
  "severity": "low|medium|high|critical",
  "confidence": confidence in this diagnosis as a number between 0 and 1
}

If documentation or similar past fixes are provided alongside the traceback, use them to give a more precise root cause and fix. Be precise. Be actionable. No markdown, no explanation outside the JSON.`

const deepSystemPrompt = `You are an elite debugging architect in DEEP ANALYSIS mode. Analyze the traceback and return ONLY a JSON object with these exact keys:

{
  "error_type": "the exception or error class name",
  "error_message": "the error message",
  "file_path": "file where the error originated or null",
  "line_number": line number as integer or null,
  "function_name": "function name or null",
  "root_cause": "thorough root cause analysis tracing the full chain of causation",
  "suggested_fix": "detailed fix with code examples and edge cases to watch",
  "severity": "low|medium|high|critical",
  "confidence": confidence in this diagnosis as a number between 0 and 1,
  "architecture_notes": "broader systemic issues this error reveals, if any"
}

Think deeply. Trace causation chains. Identify systemic patterns. No markdown outside the JSON.`

// buildUserMessage concatenates the traceback with source context, retrieved
// docs, and past fixes into a single provider prompt.
func buildUserMessage(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this traceback:\n\n```\n%s\n```\n", in.Traceback)
	if in.Language != "" && in.Language != "unknown" {
		fmt.Fprintf(&b, "\nLanguage: %s\n", in.Language)
	}
	if in.SourceContext != "" {
		fmt.Fprintf(&b, "\nSource around the failing line:\n%s\n", in.SourceContext)
	}
	if len(in.DocContext) > 0 {
		b.WriteString("\nRelevant documentation:\n")
		for _, doc := range in.DocContext {
			fmt.Fprintf(&b, "\n---\n%s\n", doc)
		}
	}
	if len(in.PastFixes) > 0 {
		b.WriteString("\nSimilar errors previously diagnosed:\n")
		for _, fix := range in.PastFixes {
			fmt.Fprintf(&b, "\n---\n%s\n", fix)
		}
	}
	return b.String()
}

// parseVerdict decodes a provider's JSON reply, tolerating markdown fencing
// around the object. A verdict without a root cause is malformed.
func parseVerdict(raw, model string) (Verdict, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		if len(lines) >= 2 {
			text = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	// Some models prepend prose despite instructions; recover the object.
	if idx := strings.Index(text, "{"); idx > 0 {
		text = text[idx:]
	}

	var v Verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Verdict{}, fmt.Errorf("malformed verdict JSON: %w", err)
	}
	if v.RootCause == "" {
		return Verdict{}, fmt.Errorf("verdict missing root_cause")
	}
	if v.Severity == "" {
		v.Severity = "medium"
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	v.Model = model
	return v, nil
}
