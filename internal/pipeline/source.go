package pipeline

import (
	"fmt"
	"os"
	"strings"
)

// sourceRadius is how many lines to show on each side of the failing line.
const sourceRadius = 5

// maxSourceFileBytes guards against tracebacks pointing at huge files.
const maxSourceFileBytes = 1 << 20

// sourceWindow reads the lines around the failing line of a local source
// file, numbered, with the failing line marked. Returns "" whenever the file
// is not readable from this process: analysis proceeds without it.
func sourceWindow(file string, line int) string {
	if file == "" || line <= 0 {
		return ""
	}
	info, err := os.Stat(file)
	if err != nil || info.IsDir() || info.Size() > maxSourceFileBytes {
		return ""
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}

	lines := strings.Split(string(data), "\n")
	if line > len(lines) {
		return ""
	}
	start := max(line-sourceRadius, 1)
	end := min(line+sourceRadius, len(lines))

	var b strings.Builder
	fmt.Fprintf(&b, "%s (lines %d-%d):\n", file, start, end)
	for n := start; n <= end; n++ {
		marker := "   "
		if n == line {
			marker = ">>>"
		}
		fmt.Fprintf(&b, "%s %4d | %s\n", marker, n, lines[n-1])
	}
	return strings.TrimRight(b.String(), "\n")
}
