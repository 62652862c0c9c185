package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding analysis memory and account quotas.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "raildbg.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	// This also serializes quota transactions without application locking.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Analyses ---

const analysisColumns = "tb_hash, tb_snippet, language, severity, tier_used, root_cause, suggested_fix, confidence, success, repo_id, created_at"

// UpsertAnalysis inserts the record or, if the fingerprint already exists,
// replaces the stored diagnosis. The success flag is reset on replacement:
// a fresh diagnosis invalidates feedback given on the previous one.
func (s *Store) UpsertAnalysis(ctx context.Context, rec AnalysisRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses (`+analysisColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tb_hash) DO UPDATE SET
			tb_snippet = excluded.tb_snippet,
			language = excluded.language,
			severity = excluded.severity,
			tier_used = excluded.tier_used,
			root_cause = excluded.root_cause,
			suggested_fix = excluded.suggested_fix,
			confidence = excluded.confidence,
			success = excluded.success,
			repo_id = excluded.repo_id,
			created_at = excluded.created_at`,
		rec.Hash, rec.Snippet, rec.Language, rec.Severity, rec.Tier,
		rec.RootCause, rec.SuggestedFix, rec.Confidence, nullableBool(rec.Success),
		rec.RepoID, createdAt.Format(time.RFC3339),
	)
	return err
}

// GetAnalysis returns the record with the exact fingerprint hash.
func (s *Store) GetAnalysis(ctx context.Context, hash string) (AnalysisRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+analysisColumns+" FROM analyses WHERE tb_hash = ?", hash)
	rec, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return AnalysisRecord{}, ErrNotFound
	}
	return rec, err
}

// SearchAnalysesBySnippet returns the most recent records whose snippet
// contains the given prefix fragment, newest first.
func (s *Store) SearchAnalysesBySnippet(ctx context.Context, fragment string, limit int) ([]AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+analysisColumns+` FROM analyses
		WHERE tb_snippet LIKE ?
		ORDER BY created_at DESC LIMIT ?`,
		"%"+fragment+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AnalysisRecord
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// SetAnalysisOutcome updates only the success flag of an existing record.
func (s *Store) SetAnalysisOutcome(ctx context.Context, hash string, success bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE analyses SET success = ? WHERE tb_hash = ?", boolToInt(success), hash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AnalysisStats aggregates totals across the analyses table. An empty repoID
// aggregates everything; otherwise rows tagged with the repo (or untagged)
// are counted.
func (s *Store) AnalysisStats(ctx context.Context, repoID string) (MemoryStats, error) {
	where := ""
	var args []any
	if repoID != "" {
		where = "WHERE repo_id = ? OR repo_id = ''"
		args = append(args, repoID)
	}

	var stats MemoryStats
	var avg sql.NullFloat64
	var successes sql.NullInt64
	var severities sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			AVG(confidence),
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
			GROUP_CONCAT(DISTINCT severity)
		FROM analyses `+where, args...,
	).Scan(&stats.TotalAnalyses, &avg, &successes, &severities)
	if err != nil {
		return MemoryStats{}, err
	}

	stats.AvgConfidence = avg.Float64
	stats.SuccessfulFixes = int(successes.Int64)
	if stats.TotalAnalyses > 0 {
		stats.SuccessRate = float64(stats.SuccessfulFixes) / float64(stats.TotalAnalyses)
	}
	if severities.String != "" {
		stats.Severities = strings.Split(severities.String, ",")
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (AnalysisRecord, error) {
	var rec AnalysisRecord
	var success sql.NullInt64
	var createdAt string
	err := row.Scan(
		&rec.Hash, &rec.Snippet, &rec.Language, &rec.Severity, &rec.Tier,
		&rec.RootCause, &rec.SuggestedFix, &rec.Confidence, &success,
		&rec.RepoID, &createdAt,
	)
	if err != nil {
		return AnalysisRecord{}, err
	}
	if success.Valid {
		v := success.Int64 == 1
		rec.Success = &v
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return AnalysisRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.CreatedAt = t
	return rec, nil
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Account quotas ---

// IncrementUsage performs the ledger's reset-then-check-then-increment
// sequence in one transaction. Counters whose period marker is stale are
// reset before comparison. When incrementing would exceed a non-zero limit,
// nothing is written and the limiting period ("daily" or "monthly") is
// returned. Unknown accounts are created on first use with the given plan.
func (s *Store) IncrementUsage(ctx context.Context, accountID, plan, today, month string, dailyLimit, monthlyLimit int) (exceeded string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning usage transaction: %w", err)
	}
	defer tx.Rollback()

	var u AccountUsage
	err = tx.QueryRowContext(ctx, `
		SELECT account_id, plan, daily_count, monthly_count, last_daily, last_monthly
		FROM accounts WHERE account_id = ?`, accountID,
	).Scan(&u.AccountID, &u.Plan, &u.DailyCount, &u.MonthlyCount, &u.LastDaily, &u.LastMonthly)
	if err == sql.ErrNoRows {
		u = AccountUsage{AccountID: accountID, Plan: plan}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO accounts (account_id, plan) VALUES (?, ?)", accountID, plan); err != nil {
			return "", fmt.Errorf("creating account row: %w", err)
		}
	} else if err != nil {
		return "", err
	}

	if u.LastDaily != today {
		u.DailyCount = 0
	}
	if u.LastMonthly != month {
		u.MonthlyCount = 0
	}

	if dailyLimit > 0 && u.DailyCount >= dailyLimit {
		return "daily", nil
	}
	if monthlyLimit > 0 && u.MonthlyCount >= monthlyLimit {
		return "monthly", nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET daily_count = ?, monthly_count = ?, last_daily = ?, last_monthly = ?
		WHERE account_id = ?`,
		u.DailyCount+1, u.MonthlyCount+1, today, month, accountID,
	)
	if err != nil {
		return "", fmt.Errorf("updating usage counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing usage transaction: %w", err)
	}
	return "", nil
}

// GetAccountUsage returns the raw stored counters for an account.
func (s *Store) GetAccountUsage(ctx context.Context, accountID string) (AccountUsage, error) {
	var u AccountUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, plan, daily_count, monthly_count, last_daily, last_monthly
		FROM accounts WHERE account_id = ?`, accountID,
	).Scan(&u.AccountID, &u.Plan, &u.DailyCount, &u.MonthlyCount, &u.LastDaily, &u.LastMonthly)
	if err == sql.ErrNoRows {
		return AccountUsage{}, ErrNotFound
	}
	return u, err
}
