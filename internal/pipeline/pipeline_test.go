package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/raildebug/raildbg/internal/fingerprint"
	"github.com/raildebug/raildbg/internal/ledger"
	"github.com/raildebug/raildbg/internal/memory"
	"github.com/raildebug/raildbg/internal/provider"
	"github.com/raildebug/raildbg/internal/retrieval"
	"github.com/raildebug/raildbg/internal/router"
	"github.com/raildebug/raildbg/internal/storage"
)

const keyErrorTraceback = `Traceback (most recent call last):
  File "app.py", line 5, in handler
    x = d["k"]
KeyError: 'k'`

// mockRetriever is a function-field test double.
type mockRetriever struct {
	result retrieval.Result
	calls  int
}

func (m *mockRetriever) Retrieve(_ context.Context, _ string, _ int) retrieval.Result {
	m.calls++
	return m.result
}

type mockProvider struct {
	name    string
	lastIn  provider.Input
	analyze func(in provider.Input) (provider.Verdict, error)
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Analyze(_ context.Context, in provider.Input) (provider.Verdict, error) {
	m.lastIn = in
	return m.analyze(in)
}

func acceptingProvider(name string) *mockProvider {
	return &mockProvider{
		name: name,
		analyze: func(provider.Input) (provider.Verdict, error) {
			return provider.Verdict{
				ErrorType:    "KeyError",
				RootCause:    "missing key",
				SuggestedFix: "use .get",
				Severity:     "medium",
				Confidence:   0.9,
			}, nil
		},
	}
}

func newTestPipeline(t *testing.T, ret retrieval.Retriever, p provider.Provider, plans map[string]ledger.Limits) (*Pipeline, *memory.Memory) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mem := memory.New(store)
	led := ledger.New(store, plans)
	rt := router.New(map[router.Tier]provider.Provider{router.TierRegex: p}, nil)
	return New(ret, mem, led, rt, 5), mem
}

// waitForRecord polls the memory until the fingerprint appears; the pipeline
// records outcomes on a detached goroutine after responding.
func waitForRecord(t *testing.T, mem *memory.Memory, hash string) storage.AnalysisRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := mem.LookupSimilar(context.Background(), hash, "", 1)
		if err == nil && len(recs) == 1 && recs[0].Hash == hash {
			return recs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("analysis %s never recorded", hash)
	return storage.AnalysisRecord{}
}

func TestAnalyze_FullFlow(t *testing.T) {
	ret := &mockRetriever{result: retrieval.Result{
		Snippets: []string{"docs about dict access"},
		Strategy: retrieval.StrategySemantic,
	}}
	p := acceptingProvider("regex")
	pipe, mem := newTestPipeline(t, ret, p, nil)

	report, err := pipe.Analyze(context.Background(), Request{Traceback: keyErrorTraceback})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.RootCause != "missing key" || report.Tier != 1 || report.LowConfidence {
		t.Errorf("unexpected report: %+v", report)
	}
	if report.Language != "python" {
		t.Errorf("language = %s", report.Language)
	}
	if report.ContextStrategy != retrieval.StrategySemantic {
		t.Errorf("context strategy = %s", report.ContextStrategy)
	}
	if report.Fingerprint == "" {
		t.Error("fingerprint missing")
	}
	if ret.calls != 1 {
		t.Errorf("retriever calls = %d", ret.calls)
	}
	if len(p.lastIn.DocContext) != 1 {
		t.Errorf("doc context not passed to provider: %+v", p.lastIn)
	}

	rec := waitForRecord(t, mem, report.Fingerprint)
	if rec.RootCause != "missing key" || rec.Tier != 1 {
		t.Errorf("recorded analysis mismatch: %+v", rec)
	}
}

func TestAnalyze_NilRetrieverMeansNoContext(t *testing.T) {
	p := acceptingProvider("regex")
	pipe, _ := newTestPipeline(t, nil, p, nil)

	report, err := pipe.Analyze(context.Background(), Request{Traceback: keyErrorTraceback})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.ContextStrategy != retrieval.StrategyNone {
		t.Errorf("context strategy = %s", report.ContextStrategy)
	}
}

func TestAnalyze_PastFixesFedToProvider(t *testing.T) {
	p := acceptingProvider("regex")
	pipe, mem := newTestPipeline(t, nil, p, nil)

	fp, err := fingerprint.Normalize(keyErrorTraceback)
	if err != nil {
		t.Fatalf("normalizing: %v", err)
	}
	ok := true
	mem.Record(context.Background(), storage.AnalysisRecord{
		Hash:         fp.Hash,
		Snippet:      fp.Snippet,
		Language:     "python",
		Severity:     "medium",
		Tier:         3,
		RootCause:    "previously diagnosed cause",
		SuggestedFix: "previous fix",
		Confidence:   0.8,
		Success:      &ok,
		CreatedAt:    time.Now().UTC(),
	})

	if _, err := pipe.Analyze(context.Background(), Request{Traceback: keyErrorTraceback}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(p.lastIn.PastFixes) != 1 {
		t.Fatalf("past fixes = %d, want 1", len(p.lastIn.PastFixes))
	}
	fix := p.lastIn.PastFixes[0]
	if !strings.Contains(fix, "previously diagnosed cause") || !strings.Contains(fix, "fix confirmed") {
		t.Errorf("unexpected past fix rendering: %q", fix)
	}
}

func TestAnalyze_OversizedInput(t *testing.T) {
	p := acceptingProvider("regex")
	pipe, _ := newTestPipeline(t, nil, p, nil)

	_, err := pipe.Analyze(context.Background(), Request{Traceback: strings.Repeat("x", fingerprint.MaxInputBytes+1)})
	if !errors.Is(err, fingerprint.ErrInputTooLarge) {
		t.Fatalf("expected ErrInputTooLarge, got %v", err)
	}
}

func TestAnalyze_QuotaEnforced(t *testing.T) {
	p := acceptingProvider("regex")
	pipe, _ := newTestPipeline(t, nil, p, map[string]ledger.Limits{"free": {Daily: 1}})

	req := Request{Traceback: keyErrorTraceback, AccountID: "acct", Plan: "free"}
	if _, err := pipe.Analyze(context.Background(), req); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}

	_, err := pipe.Analyze(context.Background(), req)
	var qerr *ledger.QuotaExceededError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
}

func TestAnalyzeBatch_AggregatesReports(t *testing.T) {
	p := acceptingProvider("regex")
	pipe, _ := newTestPipeline(t, nil, p, nil)

	log := keyErrorTraceback + "\nunrelated output\n" + strings.Replace(keyErrorTraceback, "'k'", "'v'", 1)
	result, err := pipe.AnalyzeBatch(context.Background(), log, router.ModeAuto, "", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Total != 2 || len(result.Reports) != 2 {
		t.Fatalf("total = %d, reports = %d", result.Total, len(result.Reports))
	}
	if result.SeverityCounts["medium"] != 2 {
		t.Errorf("severity counts = %v", result.SeverityCounts)
	}
}

func TestAnalyzeBatch_QuotaAbortsBatch(t *testing.T) {
	p := acceptingProvider("regex")
	pipe, _ := newTestPipeline(t, nil, p, map[string]ledger.Limits{"free": {Daily: 1}})

	log := keyErrorTraceback + "\n\n" + strings.Replace(keyErrorTraceback, "'k'", "'v'", 1) +
		"\n\n" + strings.Replace(keyErrorTraceback, "'k'", "'w'", 1)
	_, err := pipe.AnalyzeBatch(context.Background(), log, router.ModeAuto, "acct", "free", "")
	var qerr *ledger.QuotaExceededError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
}

func TestAnalyzeBatch_EmptyLog(t *testing.T) {
	p := acceptingProvider("regex")
	pipe, _ := newTestPipeline(t, nil, p, nil)

	result, err := pipe.AnalyzeBatch(context.Background(), "INFO nothing broke", router.ModeAuto, "", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 0 {
		t.Fatalf("total = %d", result.Total)
	}
}
