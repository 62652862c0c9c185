package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSourceFixture(t *testing.T, lines int) string {
	t.Helper()
	var b strings.Builder
	for i := 1; i <= lines; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	path := filepath.Join(t.TempDir(), "app.py")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestSourceWindow_MarksFailingLine(t *testing.T) {
	path := writeSourceFixture(t, 20)

	got := sourceWindow(path, 10)
	if got == "" {
		t.Fatal("expected a window")
	}
	if !strings.HasPrefix(got, path+" (lines 5-15):") {
		t.Errorf("header = %q", strings.SplitN(got, "\n", 2)[0])
	}
	if !strings.Contains(got, ">>>   10 | line 10") {
		t.Errorf("failing line not marked:\n%s", got)
	}
	if strings.Contains(got, "line 4\n") || strings.Contains(got, "line 16") {
		t.Errorf("window exceeds radius:\n%s", got)
	}
}

func TestSourceWindow_ClampsAtFileEdges(t *testing.T) {
	path := writeSourceFixture(t, 6)

	got := sourceWindow(path, 2)
	if !strings.Contains(got, "(lines 1-6)") {
		t.Errorf("start not clamped: %q", got)
	}

	got = sourceWindow(path, 6)
	if !strings.Contains(got, ">>>    6 | line 6") {
		t.Errorf("last line not reachable:\n%s", got)
	}
}

func TestSourceWindow_UnreadableDegradesToEmpty(t *testing.T) {
	for _, tt := range []struct {
		name string
		file string
		line int
	}{
		{"missing file", filepath.Join(t.TempDir(), "absent.py"), 3},
		{"empty path", "", 3},
		{"zero line", writeSourceFixture(t, 5), 0},
		{"line past EOF", writeSourceFixture(t, 5), 99},
		{"directory", t.TempDir(), 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := sourceWindow(tt.file, tt.line); got != "" {
				t.Errorf("expected empty window, got %q", got)
			}
		})
	}
}

func TestAnalyze_SourceContextReachesProvider(t *testing.T) {
	path := writeSourceFixture(t, 10)
	tb := fmt.Sprintf("Traceback (most recent call last):\n"+
		"  File %q, line 4, in handler\n"+
		"    x = d[\"k\"]\n"+
		"KeyError: 'k'", path)

	p := acceptingProvider("regex")
	pipe, _ := newTestPipeline(t, nil, p, nil)

	if _, err := pipe.Analyze(context.Background(), Request{Traceback: tb}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(p.lastIn.SourceContext, ">>>    4 | line 4") {
		t.Errorf("source context missing or unmarked: %q", p.lastIn.SourceContext)
	}
}

func TestAnalyze_NoSourceFileMeansNoContext(t *testing.T) {
	p := acceptingProvider("regex")
	pipe, _ := newTestPipeline(t, nil, p, nil)

	if _, err := pipe.Analyze(context.Background(), Request{Traceback: keyErrorTraceback}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.lastIn.SourceContext != "" {
		t.Errorf("expected no source context for unreadable file, got %q", p.lastIn.SourceContext)
	}
}
