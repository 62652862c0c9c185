package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raildebug/raildbg/internal/pipeline"
)

// chainSepRe matches python chained-exception separators. A unit followed by
// one is still growing.
var chainSepRe = regexp.MustCompile(`^(?:The above exception was the direct cause|During handling of the above exception)`)

// logWatcher accumulates appended log text and yields completed traceback
// units. The newest unit is held back until later output proves it stopped
// growing, or until the file goes quiet for a full poll interval.
type logWatcher struct {
	pending string
	emitted int
}

// feed appends a chunk and returns the units that are safe to analyze.
func (w *logWatcher) feed(chunk string) []string {
	w.pending += chunk
	units := pipeline.ExtractTracebacks(w.pending)
	ready := len(units)
	if ready > 0 && !w.settled(units[ready-1]) {
		ready--
	}
	if ready <= w.emitted {
		return nil
	}
	out := units[w.emitted:ready]
	w.emitted = ready
	return out
}

// flush returns every held unit and resets. Called when a poll sees no new
// output.
func (w *logWatcher) flush() []string {
	held := pipeline.ExtractTracebacks(w.pending)[w.emitted:]
	w.reset()
	return held
}

func (w *logWatcher) reset() {
	w.pending = ""
	w.emitted = 0
}

// settled reports whether output after the newest unit shows it is complete:
// some non-blank trailing line exists that is not a chain separator.
func (w *logWatcher) settled(unit string) bool {
	unitLines := strings.Split(unit, "\n")
	lastLine := unitLines[len(unitLines)-1]
	idx := strings.LastIndex(w.pending, lastLine)
	if idx < 0 {
		return false
	}
	for _, line := range strings.Split(w.pending[idx+len(lastLine):], "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		return !chainSepRe.MatchString(trimmed)
	}
	return false
}

var watchCmd = &cobra.Command{
	Use:   "watch <logfile>",
	Short: "Follow a log file and analyze tracebacks as they appear",
	Long: `Follow a log file and analyze tracebacks as they appear.

Examples:
  raildbg watch /var/log/app/error.log
  raildbg watch --mode haiku --interval 5s service.log`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		repo, _ := cmd.Flags().GetString("repo")
		interval, _ := cmd.Flags().GetDuration("interval")
		fromStart, _ := cmd.Flags().GetBool("from-start")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := args[0]
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening log: %w", err)
		}
		defer func() { f.Close() }()

		var consumed int64
		if !fromStart {
			if consumed, err = f.Seek(0, io.SeekEnd); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		printStatus("Watching", "%s (poll every %s, ctrl-c to stop)", path, interval)

		w := &logWatcher{}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		analyzed := 0
		for {
			select {
			case <-ctx.Done():
				printStatus("Stopped", "%d tracebacks analyzed", analyzed)
				return nil
			case <-ticker.C:
			}

			// Shrunk file means rotation: reopen from the top.
			if info, err := os.Stat(path); err == nil && info.Size() < consumed {
				f.Close()
				if f, err = os.Open(path); err != nil {
					return fmt.Errorf("reopening rotated log: %w", err)
				}
				consumed = 0
				w.reset()
			}

			chunk, err := io.ReadAll(f)
			if err != nil {
				printWarning("read failed: %v", err)
				continue
			}
			consumed += int64(len(chunk))

			var units []string
			if len(chunk) > 0 {
				units = w.feed(string(chunk))
			} else {
				units = w.flush()
			}
			for _, unit := range units {
				analyzed++
				if err := analyzeAndPrint(ctx, client, unit, mode, repo); err != nil {
					printError("analysis failed: %v", err)
				}
			}
		}
	},
}

func analyzeAndPrint(ctx context.Context, client *apiClient, traceback, mode, repo string) error {
	resp, err := client.post(ctx, "/v1/analyze", map[string]any{
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
	printReport(report)
	return nil
}

func init() {
	watchCmd.Flags().String("mode", "", "escalation mode: auto (default), haiku, or deep")
	watchCmd.Flags().String("repo", "", "repository identifier for memory scoping")
	watchCmd.Flags().Duration("interval", 2*time.Second, "poll interval")
	watchCmd.Flags().Bool("from-start", false, "analyze existing content instead of only new output")
}
