package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxInputBytes is the ceiling on raw traceback size. Larger inputs are
// rejected before any hashing or provider work happens.
const MaxInputBytes = 64 * 1024

// SnippetLen bounds the display snippet stored alongside the hash.
const SnippetLen = 500

// ErrInputTooLarge is returned for tracebacks above MaxInputBytes.
var ErrInputTooLarge = errors.New("traceback exceeds maximum input size")

// Fingerprint is the stable identity of a normalized traceback. Two
// tracebacks that differ only in absolute paths or line numbers share a hash.
type Fingerprint struct {
	Hash     string // sha256 hex of the normalized text
	Snippet  string // first SnippetLen chars of the normalized text
	Language string
}

var (
	// Python frame: File "/abs/path/to/mod.py", line 42, in handler
	pyFrameRe = regexp.MustCompile(`File "([^"]+)", line \d+`)

	// Generic path:line, covering node ("at fn (/srv/app.js:10:3)"),
	// go ("/src/main.go:25 +0x1d"), rust, java and plain "file.py:42".
	pathLineRe = regexp.MustCompile(`([\w./\\~-]+[/\\])?([\w-]+\.\w+):\d+(:\d+)?`)

	// Absolute paths with no line suffix still leak machine layout.
	absPathRe = regexp.MustCompile(`(?:/[\w.-]+){2,}`)

	// Memory addresses vary per run.
	hexAddrRe = regexp.MustCompile(`0x[0-9a-fA-F]+`)

	spaceRe = regexp.MustCompile(`[ \t]+`)
)

// Normalize canonicalizes a raw traceback into a Fingerprint. It is a pure
// function: identical error shapes always yield the same hash regardless of
// absolute file paths, line numbers, addresses, or whitespace runs.
func Normalize(raw string) (Fingerprint, error) {
	if len(raw) > MaxInputBytes {
		return Fingerprint{}, fmt.Errorf("%w (%d bytes, limit %d)", ErrInputTooLarge, len(raw), MaxInputBytes)
	}

	lang := DetectLanguage(raw)

	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		line = strings.TrimRight(line, " \t\r")
		line = pyFrameRe.ReplaceAllStringFunc(line, func(m string) string {
			sub := pyFrameRe.FindStringSubmatch(m)
			return fmt.Sprintf("File %q, line L", filepath.Base(sub[1]))
		})
		line = pathLineRe.ReplaceAllStringFunc(line, func(m string) string {
			sub := pathLineRe.FindStringSubmatch(m)
			return sub[2] + ":L"
		})
		line = absPathRe.ReplaceAllStringFunc(line, filepath.Base)
		line = hexAddrRe.ReplaceAllString(line, "0xADDR")
		line = spaceRe.ReplaceAllString(line, " ")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	normalized := strings.Join(lines, "\n")

	sum := sha256.Sum256([]byte(normalized))
	snippet := normalized
	if len(snippet) > SnippetLen {
		snippet = snippet[:SnippetLen]
	}

	return Fingerprint{
		Hash:     hex.EncodeToString(sum[:]),
		Snippet:  snippet,
		Language: lang,
	}, nil
}
