package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raildebug/raildbg/internal/config"
)

// readInput resolves a traceback or log from a positional argument, --file,
// or stdin, in that order.
func readInput(args []string, file string) (string, error) {
	switch {
	case len(args) > 0:
		return strings.Join(args, " "), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		if len(data) == 0 {
			return "", fmt.Errorf("no input: pass a traceback as an argument, via --file, or on stdin")
		}
		return string(data), nil
	}
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze [traceback]",
	Short: "Analyze a single traceback",
	Long: `Analyze a single traceback.

Examples:
  raildbg analyze --file crash.log
  cat crash.log | raildbg analyze
  raildbg analyze --mode deep --file crash.log`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		mode, _ := cmd.Flags().GetString("mode")
		repo, _ := cmd.Flags().GetString("repo")
		asJSON, _ := cmd.Flags().GetBool("json")

		traceback, err := readInput(args, file)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/analyze", map[string]any{
			"traceback": traceback,
			"mode":      mode,
			"repo_id":   repo,
		})
		if err != nil {
			return err
		}

		var report analyzeReport
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printReport(report)
		return nil
	},
}

// analyzeReport mirrors the server's report shape for display.
type analyzeReport struct {
	Fingerprint       string  `json:"fingerprint"`
	Language          string  `json:"language"`
	ErrorType         string  `json:"error_type"`
	ErrorMessage      string  `json:"error_message"`
	FilePath          string  `json:"file_path"`
	LineNumber        int     `json:"line_number"`
	RootCause         string  `json:"root_cause"`
	SuggestedFix      string  `json:"suggested_fix"`
	Severity          string  `json:"severity"`
	Tier              int     `json:"tier"`
	Confidence        float64 `json:"confidence"`
	Model             string  `json:"model"`
	ArchitectureNotes string  `json:"architecture_notes"`
	LowConfidence     bool    `json:"low_confidence"`
	ContextStrategy   string  `json:"context_strategy"`
}

func printReport(r analyzeReport) {
	header := r.ErrorType
	if header == "" {
		header = "Analysis"
	}
	fmt.Printf("\n%s %s\n", colorize(colorBold, header), colorize(severityColor(r.Severity), "["+r.Severity+"]"))
	if r.ErrorMessage != "" {
		fmt.Printf("  %s\n", r.ErrorMessage)
	}
	if r.FilePath != "" {
		loc := r.FilePath
		if r.LineNumber > 0 {
			loc = fmt.Sprintf("%s:%d", loc, r.LineNumber)
		}
		fmt.Printf("  at %s\n", loc)
	}
	fmt.Printf("\n%s\n  %s\n", colorize(colorBold, "Root cause"), r.RootCause)
	fmt.Printf("\n%s\n  %s\n", colorize(colorBold, "Suggested fix"), r.SuggestedFix)
	if r.ArchitectureNotes != "" {
		fmt.Printf("\n%s\n  %s\n", colorize(colorBold, "Architecture notes"), r.ArchitectureNotes)
	}

	meta := fmt.Sprintf("tier %d, confidence %.2f", r.Tier, r.Confidence)
	if r.Model != "" {
		meta += ", " + r.Model
	}
	if r.LowConfidence {
		meta += ", " + colorize(colorYellow, "low confidence")
	}
	fmt.Printf("\n  %s\n", meta)
	fmt.Printf("  fingerprint %s\n", r.Fingerprint)
}

func init() {
	analyzeCmd.Flags().String("file", "", "read the traceback from a file")
	analyzeCmd.Flags().String("mode", "", "escalation mode: auto (default), haiku, or deep")
	analyzeCmd.Flags().String("repo", "", "repository identifier for memory scoping")
	analyzeCmd.Flags().Bool("json", false, "print the raw JSON report")
}

// --- batch ---

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Extract and analyze every traceback in a log",
	Long: `Extract and analyze every traceback in a log.

Examples:
  raildbg batch --file service.log
  kubectl logs my-pod | raildbg batch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		mode, _ := cmd.Flags().GetString("mode")
		repo, _ := cmd.Flags().GetString("repo")
		asJSON, _ := cmd.Flags().GetBool("json")

		logText, err := readInput(args, file)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/analyze/batch", map[string]any{
			"log":     logText,
			"mode":    mode,
			"repo_id": repo,
		})
		if err != nil {
			return err
		}

		var result struct {
			Reports        []analyzeReport `json:"reports"`
			Total          int             `json:"total"`
			SeverityCounts map[string]int  `json:"severity_counts"`
			ElapsedMs      int64           `json:"elapsed_ms"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		if result.Total == 0 {
			fmt.Println("No tracebacks found.")
			return nil
		}
		for _, r := range result.Reports {
			printReport(r)
		}
		fmt.Printf("\n%s %d tracebacks in %dms", colorize(colorBold, "Analyzed"), result.Total, result.ElapsedMs)
		for _, sev := range []string{"critical", "high", "medium", "low", "info"} {
			if n := result.SeverityCounts[sev]; n > 0 {
				fmt.Printf("  %s", colorize(severityColor(sev), fmt.Sprintf("%s: %d", sev, n)))
			}
		}
		fmt.Println()
		return nil
	},
}

func init() {
	batchCmd.Flags().String("file", "", "read the log from a file")
	batchCmd.Flags().String("mode", "", "escalation mode: auto (default), haiku, or deep")
	batchCmd.Flags().String("repo", "", "repository identifier for memory scoping")
	batchCmd.Flags().Bool("json", false, "print the raw JSON result")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <fingerprint>",
	Short: "Record whether a suggested fix worked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		worked, _ := cmd.Flags().GetBool("worked")
		failed, _ := cmd.Flags().GetBool("failed")
		if worked == failed {
			return fmt.Errorf("exactly one of --worked or --failed is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/feedback", map[string]any{
			"fingerprint": args[0],
			"success":     worked,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if worked {
			printSuccess("Recorded: fix worked")
		} else {
			printSuccess("Recorded: fix did not work")
		}
		return nil
	},
}

func init() {
	feedbackCmd.Flags().Bool("worked", false, "the suggested fix solved the problem")
	feedbackCmd.Flags().Bool("failed", false, "the suggested fix did not help")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show analysis memory statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/stats"
		if repo != "" {
			path += "?repo=" + repo
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var stats struct {
			TotalAnalyses   int      `json:"total_analyses"`
			AvgConfidence   float64  `json:"avg_confidence"`
			SuccessfulFixes int      `json:"successful_fixes"`
			SuccessRate     float64  `json:"success_rate"`
			Severities      []string `json:"severities"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Analyses", "%d", stats.TotalAnalyses)
		printStatus("Avg confidence", "%.2f", stats.AvgConfidence)
		printStatus("Confirmed fixes", "%d", stats.SuccessfulFixes)
		printStatus("Success rate", "%.0f%%", stats.SuccessRate*100)
		if len(stats.Severities) > 0 {
			printStatus("Severities", "%s", strings.Join(stats.Severities, ", "))
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().String("repo", "", "restrict stats to one repository")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index documentation for retrieval context",
	Long: `Index documentation for retrieval context.

Examples:
  raildbg ingest --file docs/errors.md --title "Error handling guide"
  raildbg ingest --url https://docs.example.com/troubleshooting
  raildbg ingest --file manual.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		url, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")

		if text == "" && url == "" && file == "" {
			return fmt.Errorf("one of --text, --url, or --file is required")
		}

		req := map[string]any{"source": "cli"}
		if title != "" {
			req["title"] = title
		}

		switch {
		case text != "":
			req["type"] = "text"
			req["content"] = text
		case url != "":
			req["type"] = "url"
			req["url"] = url
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if strings.EqualFold(filepath.Ext(file), ".pdf") {
				req["type"] = "pdf"
				req["content"] = base64.StdEncoding.EncodeToString(data)
			} else {
				req["type"] = "text"
				req["content"] = string(data)
			}
			if title == "" {
				req["title"] = file
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/ingest", req)
		if err != nil {
			return err
		}

		var result struct {
			Status string `json:"status"`
			Chunks int    `json:"chunks"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Indexed %d chunks", result.Chunks)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to index")
	ingestCmd.Flags().String("url", "", "URL to fetch and index")
	ingestCmd.Flags().String("file", "", "file path to index (.pdf supported)")
	ingestCmd.Flags().String("title", "", "title for the document")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, kv := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, kv.Key), kv.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
