package provider

import "context"

// Input is the assembled payload handed to a provider: the raw traceback
// plus whatever context the pipeline could gather.
type Input struct {
	Traceback string
	Language  string
	// SourceContext is a numbered window of source lines around the failing
	// line, when the file is readable from the server.
	SourceContext string
	// DocContext holds retrieved documentation snippets.
	DocContext []string
	// PastFixes holds formatted summaries of similar past analyses.
	PastFixes []string
}

// Verdict is a provider's structured diagnosis.
type Verdict struct {
	ErrorType         string  `json:"error_type"`
	ErrorMessage      string  `json:"error_message"`
	FilePath          string  `json:"file_path,omitempty"`
	LineNumber        int     `json:"line_number,omitempty"`
	FunctionName      string  `json:"function_name,omitempty"`
	RootCause         string  `json:"root_cause"`
	SuggestedFix      string  `json:"suggested_fix"`
	Severity          string  `json:"severity"`
	Confidence        float64 `json:"confidence"`
	ArchitectureNotes string  `json:"architecture_notes,omitempty"`
	Model             string  `json:"model,omitempty"`
}

// Provider is one analysis capability in the escalation ladder. How it
// computes its verdict is opaque to the router: it either returns a
// structured verdict or an error.
type Provider interface {
	// Name identifies the provider in logs and responses.
	Name() string

	// Analyze diagnoses the traceback. Implementations must honor ctx
	// cancellation; network-backed providers carry their own timeouts.
	Analyze(ctx context.Context, in Input) (Verdict, error)
}
