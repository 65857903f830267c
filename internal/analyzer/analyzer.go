// Package analyzer classifies failed build logs.
//
// Classification is a pure function of the log lines: a fixed, ordered
// signature table is consulted type by type and the first line matching the
// highest-precedence type wins. Logs that match nothing classify as "other"
// with the tail of the log as context.
package analyzer

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	TypeError         = "type-error"
	DependencyMissing = "dependency-missing"
	TestFailure       = "test-failure"
	LintFailure       = "lint-failure"
	Timeout           = "timeout"
	OutOfMemory       = "out-of-memory"
	BuildConfig       = "build-config"
	Other             = "other"
)

const (
	contextBefore    = 10
	contextAfter     = 20
	maxContextBytes  = 4000
	maxMessageBytes  = 500
	maxAffectedFiles = 20
	fallbackTail     = 30

	// Vercel checks sources out here; paths are reported relative to it.
	buildRoot = "/vercel/path0/"
)

// Classification is the analyzer result.
type Classification struct {
	ErrorType     string
	ErrorMessage  string
	ErrorContext  string
	AffectedFiles []string
}

type signature struct {
	errorType string
	patterns  []*regexp.Regexp
}

// signatures is ordered by precedence.
var signatures = []signature{
	{OutOfMemory, compile(
		`JavaScript heap out of memory`,
		`FATAL ERROR: .*Allocation failed`,
		`\bENOMEM\b`,
		`(?i)\bout of memory\b`,
	)},
	{Timeout, compile(
		`(?i)build exceeded maximum duration`,
		`(?i)exceeded the maximum build (time|duration)`,
		`(?i)\btimed out after\b`,
		`\bETIMEDOUT\b`,
	)},
	{DependencyMissing, compile(
		`Module not found: (Error: )?Can't resolve`,
		`Cannot find module '[^']+'`,
		`Cannot find package '[^']+'`,
		`npm ERR! (code )?E404`,
		`\bERESOLVE\b`,
		`No matching version found for`,
		`ModuleNotFoundError: No module named`,
		`Rollup failed to resolve import`,
		`(?i)could not resolve dependenc`,
	)},
	{TypeError, compile(
		`\berror TS\d+:`,
		`^Type error:`,
		`(?i)\btype error:`,
		`is not assignable to (type|parameter)`,
		`Property '[^']+' does not exist on type`,
	)},
	{TestFailure, compile(
		`Tests?:\s+\d+ failed`,
		`^\s*FAIL\s+\S+\.(test|spec)\.`,
		`\b\d+ failing\b`,
		`AssertionError`,
		`(?i)\btest suites?: \d+ failed`,
	)},
	{LintFailure, compile(
		`\d+ problems? \(\d+ errors?`,
		`(?i)eslint.*\berror\b`,
		`(?i)lint(ing)? errors? found`,
		`(?i)code style issues found`,
		`Failed to compile\.?\s*$`,
	)},
	{BuildConfig, compile(
		`(?i)invalid next\.config`,
		`(?i)no output directory named`,
		`(?i)error: no next\.js version detected`,
		`(?i)invalid (vercel\.json|configuration)`,
		`Command "[^"]+" exited with \d+`,
		`(?i)build failed because of webpack errors`,
	)},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[@-Z\\-_]`)
	filePattern = regexp.MustCompile(`(?:\.{0,2}/)?(?:[A-Za-z0-9_@$\-][A-Za-z0-9_@$.\-]*/)*[A-Za-z0-9_@$\[\]\-][A-Za-z0-9_@$.\[\]\-]*\.(?:tsx|ts|jsx|js|mjs|cjs|mts|cts|vue|svelte|astro|css|scss|sass|less|json|mdx|md|py|go|rb|rs|java|kt|php|html|yaml|yml|toml)\b`)
)

// Analyze classifies the given log lines. It never panics and always returns
// a populated error type.
func Analyze(lines []string) Classification {
	cleaned := make([]string, len(lines))
	for i, line := range lines {
		cleaned[i] = Clean(line)
	}

	for _, sig := range signatures {
		for i, line := range cleaned {
			if matchesAny(sig.patterns, line) {
				ctx := excerpt(cleaned, i)
				return Classification{
					ErrorType:     sig.errorType,
					ErrorMessage:  truncate(strings.TrimSpace(line), maxMessageBytes),
					ErrorContext:  ctx,
					AffectedFiles: ExtractFiles(ctx),
				}
			}
		}
	}
	return fallback(cleaned)
}

// SplitLines splits raw output into lines, normalizing CRLF and bare CR.
func SplitLines(raw string) []string {
	if raw == "" {
		return nil
	}
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	raw = strings.TrimSuffix(raw, "\n")
	return strings.Split(raw, "\n")
}

// Clean strips ANSI escape sequences, invalid UTF-8 and non-printable runes.
func Clean(line string) string {
	line = ansiPattern.ReplaceAllString(line, "")
	line = strings.ToValidUTF8(line, "")
	return strings.Map(func(r rune) rune {
		if r == '\t' || unicode.IsPrint(r) {
			return r
		}
		return -1
	}, line)
}

func matchesAny(patterns []*regexp.Regexp, line string) bool {
	if line == "" {
		return false
	}
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func fallback(lines []string) Classification {
	start := len(lines) - fallbackTail
	if start < 0 {
		start = 0
	}
	tail := lines[start:]
	ctx := fitContext(tail, len(tail)-1)

	message := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			message = truncate(trimmed, maxMessageBytes)
			break
		}
	}
	if message == "" {
		message = "build failed without output"
	}
	return Classification{
		ErrorType:     Other,
		ErrorMessage:  message,
		ErrorContext:  ctx,
		AffectedFiles: ExtractFiles(ctx),
	}
}

func excerpt(lines []string, hit int) string {
	start := hit - contextBefore
	if start < 0 {
		start = 0
	}
	end := hit + contextAfter + 1
	if end > len(lines) {
		end = len(lines)
	}
	return fitContext(lines[start:end], hit-start)
}

// fitContext joins lines and drops leading lines, then trailing lines, until
// the excerpt fits maxContextBytes. The hit line is kept whenever possible.
func fitContext(lines []string, hit int) string {
	if len(lines) == 0 {
		return ""
	}
	if hit < 0 {
		hit = 0
	}
	start, end := 0, len(lines)
	size := func() int {
		n := 0
		for _, l := range lines[start:end] {
			n += len(l) + 1
		}
		return n - 1
	}
	for size() > maxContextBytes && start < hit {
		start++
	}
	for size() > maxContextBytes && end > hit+1 {
		end--
	}
	return truncate(strings.Join(lines[start:end], "\n"), maxContextBytes)
}

// ExtractFiles returns unique source-file paths mentioned in text, in order
// of first appearance, capped at 20.
func ExtractFiles(text string) []string {
	var files []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		for _, loc := range filePattern.FindAllStringIndex(line, -1) {
			start, end := loc[0], loc[1]
			tokenStart := strings.LastIndexAny(line[:start], " \t\"'`(") + 1
			if strings.Contains(line[tokenStart:end], "://") || strings.HasSuffix(line[:start], ".") {
				continue
			}
			path := line[start:end]
			if !strings.Contains(path, "/") && !hasPositionSuffix(line[end:]) {
				continue
			}
			path = strings.TrimPrefix(path, buildRoot)
			path = strings.TrimPrefix(path, "./")
			if path == "" || strings.HasPrefix(path, "../") || strings.Contains(path, "node_modules/") {
				continue
			}
			if seen[path] {
				continue
			}
			seen[path] = true
			files = append(files, path)
			if len(files) == maxAffectedFiles {
				return files
			}
		}
	}
	return files
}

func hasPositionSuffix(rest string) bool {
	if len(rest) < 2 {
		return false
	}
	return (rest[0] == ':' || rest[0] == '(') && rest[1] >= '0' && rest[1] <= '9'
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
