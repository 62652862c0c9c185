package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AnalysisRecord is one completed analysis, keyed by traceback fingerprint.
// A fingerprint is unique: recording the same fingerprint again replaces the
// stored diagnosis instead of duplicating it.
type AnalysisRecord struct {
	Hash         string
	Snippet      string
	Language     string
	Severity     string // info | low | medium | high | critical
	Tier         int    // 1..4
	RootCause    string
	SuggestedFix string
	Confidence   float64
	Success      *bool // nil until feedback arrives
	RepoID       string
	CreatedAt    time.Time
}

// AccountUsage holds per-account quota counters and their period markers.
type AccountUsage struct {
	AccountID    string
	Plan         string
	DailyCount   int
	MonthlyCount int
	LastDaily    string // YYYY-MM-DD
	LastMonthly  string // YYYY-MM
}

// MemoryStats aggregates the analysis history for reporting.
type MemoryStats struct {
	TotalAnalyses   int
	AvgConfidence   float64
	SuccessfulFixes int
	SuccessRate     float64
	Severities      []string
}
