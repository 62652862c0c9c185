package provider

import (
	"strings"
	"testing"
)

func TestParseVerdict_PlainJSON(t *testing.T) {
	raw := `{"error_type":"KeyError","error_message":"'id'","root_cause":"missing key","suggested_fix":"use .get","severity":"high","confidence":0.8}`

	v, err := parseVerdict(raw, "test-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.RootCause != "missing key" || v.Severity != "high" || v.Confidence != 0.8 {
		t.Errorf("unexpected verdict: %+v", v)
	}
	if v.Model != "test-model" {
		t.Errorf("model = %s", v.Model)
	}
}

func TestParseVerdict_MarkdownFenced(t *testing.T) {
	raw := "```json\n{\"root_cause\":\"bad import\",\"confidence\":0.7}\n```"

	v, err := parseVerdict(raw, "m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.RootCause != "bad import" {
		t.Errorf("root cause = %s", v.RootCause)
	}
}

func TestParseVerdict_LeadingProse(t *testing.T) {
	raw := "Here is my analysis:\n{\"root_cause\":\"nil receiver\",\"confidence\":0.9}"

	v, err := parseVerdict(raw, "m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.RootCause != "nil receiver" {
		t.Errorf("root cause = %s", v.RootCause)
	}
}

func TestParseVerdict_Defaults(t *testing.T) {
	v, err := parseVerdict(`{"root_cause":"x","confidence":1.7}`, "m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Severity != "medium" {
		t.Errorf("severity default = %s, want medium", v.Severity)
	}
	if v.Confidence != 1 {
		t.Errorf("confidence not clamped: %v", v.Confidence)
	}
}

func TestParseVerdict_MissingRootCause(t *testing.T) {
	if _, err := parseVerdict(`{"error_type":"KeyError"}`, "m"); err == nil {
		t.Fatal("expected error for missing root_cause")
	}
}

func TestParseVerdict_NotJSON(t *testing.T) {
	if _, err := parseVerdict("the error is probably a typo", "m"); err == nil {
		t.Fatal("expected error for non-JSON reply")
	}
}

func TestBuildUserMessage_Sections(t *testing.T) {
	msg := buildUserMessage(Input{
		Traceback:     "KeyError: 'id'",
		Language:      "python",
		SourceContext: ">>>   42 | user = payload[\"id\"]",
		DocContext:    []string{"doc snippet"},
		PastFixes:     []string{"previous fix"},
	})

	for _, want := range []string{"KeyError: 'id'", "Language: python", "Source around the failing line:", `payload["id"]`, "Relevant documentation:", "doc snippet", "Similar errors previously diagnosed:", "previous fix"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestBuildUserMessage_OmitsEmptySections(t *testing.T) {
	msg := buildUserMessage(Input{Traceback: "boom", Language: "unknown"})

	if strings.Contains(msg, "Language:") {
		t.Error("unknown language should be omitted")
	}
	if strings.Contains(msg, "Relevant documentation:") || strings.Contains(msg, "previously diagnosed") || strings.Contains(msg, "Source around") {
		t.Error("empty context sections should be omitted")
	}
}
