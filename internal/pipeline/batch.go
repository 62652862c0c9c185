package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raildebug/raildbg/internal/ledger"
	"github.com/raildebug/raildbg/internal/router"
)

// batchConcurrency bounds how many tracebacks of one batch are analyzed at
// once, so a large log dump can't saturate the provider tiers.
const batchConcurrency = 4

// BatchResult aggregates a multi-error batch analysis.
type BatchResult struct {
	Reports        []Report       `json:"reports"`
	Total          int            `json:"total"`
	SeverityCounts map[string]int `json:"severity_counts"`
	ElapsedMs      int64          `json:"elapsed_ms"`
}

var (
	// Python traceback header. Chained-exception separators are NOT
	// boundaries: a chain is one logical error.
	pyStartRe = regexp.MustCompile(`^Traceback \(most recent call last\):`)
	pyChainRe = regexp.MustCompile(`^(?:The above exception was the direct cause|During handling of the above exception)`)

	// Node errors: "TypeError: ..." followed by "    at ..." frames.
	nodeStartRe = regexp.MustCompile(`^[A-Z]\w*(?:Error|Exception): .+`)
	nodeFrameRe = regexp.MustCompile(`^\s+at\s`)

	rustStartRe = regexp.MustCompile(`^thread '.*' panicked at`)
	goStartRe   = regexp.MustCompile(`^panic: `)

	// Terminal error line of a python traceback.
	errorLineRe = regexp.MustCompile(`^[A-Za-z][\w.]*(?:Error|Exception|Warning|Exit)\b.*`)
)

// ExtractTracebacks scans a log blob for distinct traceback units. Chained
// python exceptions stay together as one unit.
func ExtractTracebacks(text string) []string {
	lines := strings.Split(text, "\n")

	var (
		units   []string
		current []string
		inPy    bool
	)

	flush := func() {
		if len(current) > 0 {
			units = append(units, strings.TrimRight(strings.Join(current, "\n"), "\n"))
			current = nil
		}
		inPy = false
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case pyStartRe.MatchString(line):
			if inPy && chainContinues(lines, i) {
				// Chained exception: keep accumulating the same unit.
				current = append(current, line)
				continue
			}
			flush()
			current = append(current, line)
			inPy = true

		case rustStartRe.MatchString(line) || goStartRe.MatchString(line):
			flush()
			current = append(current, line)
			// Consume the following frame lines.
			for i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" && !isStart(lines[i+1]) {
				i++
				current = append(current, lines[i])
			}
			flush()

		case nodeStartRe.MatchString(line) && i+1 < len(lines) && nodeFrameRe.MatchString(lines[i+1]) && !inPy:
			flush()
			current = append(current, line)
			for i+1 < len(lines) && nodeFrameRe.MatchString(lines[i+1]) {
				i++
				current = append(current, lines[i])
			}
			flush()

		case inPy:
			current = append(current, line)
			// A terminal error line ends the unit unless a chain separator
			// follows.
			if errorLineRe.MatchString(line) && !chainContinues(lines, i+1) {
				flush()
			}
		}
	}
	flush()

	return units
}

// chainContinues reports whether a chained-exception separator appears
// before the next non-blank line at or after index i.
func chainContinues(lines []string, i int) bool {
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		return pyChainRe.MatchString(trimmed) || pyStartRe.MatchString(trimmed)
	}
	return false
}

func isStart(line string) bool {
	return pyStartRe.MatchString(line) || rustStartRe.MatchString(line) || goStartRe.MatchString(line)
}

// AnalyzeBatch extracts every traceback from text and runs each through the
// pipeline with bounded concurrency. Per-unit fatal errors (oversized input)
// skip that unit; a quota rejection aborts the whole batch.
func (p *Pipeline) AnalyzeBatch(ctx context.Context, text string, mode router.Mode, accountID, plan, repoID string) (BatchResult, error) {
	start := time.Now()
	units := ExtractTracebacks(text)

	result := BatchResult{
		SeverityCounts: map[string]int{},
	}
	if len(units) == 0 {
		return result, nil
	}

	reports := make([]*Report, len(units))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for i, unit := range units {
		g.Go(func() error {
			rep, err := p.Analyze(gCtx, Request{
				Traceback: unit,
				Mode:      mode,
				AccountID: accountID,
				Plan:      plan,
				RepoID:    repoID,
			})
			if err != nil {
				var qerr *ledger.QuotaExceededError
				if errors.As(err, &qerr) {
					return err
				}
				slog.Warn("batch: skipping traceback", "index", i, "error", err)
				return nil
			}
			reports[i] = &rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, err
	}

	for _, rep := range reports {
		if rep == nil {
			continue
		}
		result.Reports = append(result.Reports, *rep)
		result.SeverityCounts[rep.Severity]++
	}
	result.Total = len(result.Reports)
	result.ElapsedMs = time.Since(start).Milliseconds()
	return result, nil
}
