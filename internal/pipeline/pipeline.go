package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raildebug/raildbg/internal/fingerprint"
	"github.com/raildebug/raildbg/internal/ledger"
	"github.com/raildebug/raildbg/internal/memory"
	"github.com/raildebug/raildbg/internal/provider"
	"github.com/raildebug/raildbg/internal/retrieval"
	"github.com/raildebug/raildbg/internal/router"
	"github.com/raildebug/raildbg/internal/storage"
)

// Request is one inbound analysis request.
type Request struct {
	Traceback string
	Mode      router.Mode
	AccountID string
	Plan      string
	RepoID    string
}

// Report is the pipeline's answer to the caller.
type Report struct {
	Fingerprint       string             `json:"fingerprint"`
	Language          string             `json:"language"`
	ErrorType         string             `json:"error_type"`
	ErrorMessage      string             `json:"error_message"`
	FilePath          string             `json:"file_path,omitempty"`
	LineNumber        int                `json:"line_number,omitempty"`
	FunctionName      string             `json:"function_name,omitempty"`
	RootCause         string             `json:"root_cause"`
	SuggestedFix      string             `json:"suggested_fix"`
	Severity          string             `json:"severity"`
	Tier              int                `json:"tier"`
	Confidence        float64            `json:"confidence"`
	Model             string             `json:"model,omitempty"`
	ArchitectureNotes string             `json:"architecture_notes,omitempty"`
	LowConfidence     bool               `json:"low_confidence"`
	ContextStrategy   retrieval.Strategy `json:"context_strategy"`
}

// recordTimeout bounds the fire-and-forget memory write after the response
// is already on its way back.
const recordTimeout = 5 * time.Second

// Pipeline sequences one analysis request: normalize, admit, gather context,
// route through the tier ladder, and persist the outcome. Context gathering
// failures degrade to empty inputs; only input validation and quota checks
// terminate a request early.
type Pipeline struct {
	retriever retrieval.Retriever
	memory    *memory.Memory
	ledger    *ledger.Ledger
	router    *router.Router
	topK      int
}

// New wires the pipeline. retriever may be nil (no document index
// configured); topK <= 0 defaults to 5.
func New(retriever retrieval.Retriever, mem *memory.Memory, led *ledger.Ledger, rt *router.Router, topK int) *Pipeline {
	if topK <= 0 {
		topK = 5
	}
	return &Pipeline{retriever: retriever, memory: mem, ledger: led, router: rt, topK: topK}
}

// Analyze runs the full pipeline. Returned errors are only
// fingerprint.ErrInputTooLarge, *ledger.QuotaExceededError, or context
// cancellation; everything else degrades into the report itself.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (Report, error) {
	fp, err := fingerprint.Normalize(req.Traceback)
	if err != nil {
		return Report{}, err
	}

	if err := p.ledger.CheckAndIncrement(ctx, req.AccountID, req.Plan); err != nil {
		return Report{}, err
	}

	// Retrieval and memory lookup have no data dependency; run them
	// concurrently and join before routing. Each degrades independently.
	var (
		docs      retrieval.Result
		pastFixes []string
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if p.retriever != nil {
			docs = p.retriever.Retrieve(gCtx, fp.Snippet, p.topK)
		} else {
			docs = retrieval.Result{Strategy: retrieval.StrategyNone}
		}
		return nil
	})
	g.Go(func() error {
		records, err := p.memory.LookupSimilar(gCtx, fp.Hash, fp.Snippet, memory.DefaultLimit)
		if err != nil {
			slog.Warn("pipeline: memory lookup failed, proceeding without past fixes", "error", err)
			return nil
		}
		for _, rec := range records {
			pastFixes = append(pastFixes, formatPastFix(rec))
		}
		return nil
	})
	// Both goroutines always return nil; Wait only propagates ctx errors.
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	// Local setups run the server next to the failing code; when the
	// traceback's innermost frame resolves to a readable file, a window of
	// surrounding source sharpens the provider's diagnosis.
	var sourceContext string
	if file, line, _ := provider.LastLocation(req.Traceback); file != "" {
		sourceContext = sourceWindow(file, line)
	}

	in := provider.Input{
		Traceback:     req.Traceback,
		Language:      fp.Language,
		SourceContext: sourceContext,
		DocContext:    docs.Snippets,
		PastFixes:     pastFixes,
	}
	res, err := p.router.Route(ctx, in, req.Mode)
	if err != nil {
		return Report{}, err
	}

	report := buildReport(fp, res, docs.Strategy)

	// Persist the outcome without holding up the response. Detached from the
	// request context so a client disconnect doesn't lose the record.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		p.memory.Record(ctx, reportToRecord(fp, report, req.RepoID))
	}()

	return report, nil
}

func buildReport(fp fingerprint.Fingerprint, res router.Result, strategy retrieval.Strategy) Report {
	v := res.Verdict
	return Report{
		Fingerprint:       fp.Hash,
		Language:          fp.Language,
		ErrorType:         v.ErrorType,
		ErrorMessage:      v.ErrorMessage,
		FilePath:          v.FilePath,
		LineNumber:        v.LineNumber,
		FunctionName:      v.FunctionName,
		RootCause:         v.RootCause,
		SuggestedFix:      v.SuggestedFix,
		Severity:          v.Severity,
		Tier:              int(res.Tier),
		Confidence:        v.Confidence,
		Model:             v.Model,
		ArchitectureNotes: v.ArchitectureNotes,
		LowConfidence:     res.LowConfidence,
		ContextStrategy:   strategy,
	}
}

func reportToRecord(fp fingerprint.Fingerprint, r Report, repoID string) storage.AnalysisRecord {
	return storage.AnalysisRecord{
		Hash:         fp.Hash,
		Snippet:      fp.Snippet,
		Language:     fp.Language,
		Severity:     r.Severity,
		Tier:         r.Tier,
		RootCause:    r.RootCause,
		SuggestedFix: r.SuggestedFix,
		Confidence:   r.Confidence,
		RepoID:       repoID,
		CreatedAt:    time.Now().UTC(),
	}
}

// formatPastFix renders a stored analysis as provider context.
func formatPastFix(rec storage.AnalysisRecord) string {
	status := "unverified"
	if rec.Success != nil {
		if *rec.Success {
			status = "fix confirmed"
		} else {
			status = "fix did not work"
		}
	}
	return fmt.Sprintf("Error (%s, severity %s, %s):\n%s\nRoot cause: %s\nFix: %s",
		rec.Language, rec.Severity, status, rec.Snippet, rec.RootCause, rec.SuggestedFix)
}
