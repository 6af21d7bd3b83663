// Package wikidiff computes, applies, and reverses line-based unified diffs
// between successive revisions of a wiki page.
package wikidiff

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	contextLines  = 3
	diffOldLabel  = "original"
	diffNewLabel  = "modified"
	lineSeparator = "\n"
)

var (
	// ErrMalformedPatch indicates the patch text could not be parsed as a unified diff.
	ErrMalformedPatch = errors.New("wikidiff: malformed patch")
	// ErrPatchMismatch indicates the patch does not match the content it is applied to.
	ErrPatchMismatch = errors.New("wikidiff: patch does not match content")
)

// ChangeStats summarises the line and character delta between two revisions.
type ChangeStats struct {
	AddedLines   int
	DeletedLines int
	ChangedChars int
}

// HasChanges reports whether any line or character changed.
func (stats ChangeStats) HasChanges() bool {
	return stats.AddedLines > 0 || stats.DeletedLines > 0 || stats.ChangedChars > 0
}

// Summary renders the stats as "+added -deleted (~chars chars)".
func (stats ChangeStats) Summary() string {
	if !stats.HasChanges() {
		return "no changes"
	}
	return fmt.Sprintf("+%d -%d (~%d chars)", stats.AddedLines, stats.DeletedLines, stats.ChangedChars)
}

// Calculate returns the unified diff turning oldContent into newContent.
// Identical inputs produce an empty patch.
func Calculate(oldContent, newContent string) (string, error) {
	if oldContent == newContent {
		return "", nil
	}
	patch, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        terminatedLines(oldContent),
		B:        terminatedLines(newContent),
		FromFile: diffOldLabel,
		ToFile:   diffNewLabel,
		Context:  contextLines,
	})
	if err != nil {
		return "", fmt.Errorf("wikidiff: calculate: %w", err)
	}
	return patch, nil
}

// Stats counts added and deleted lines plus the absolute rune delta.
func Stats(oldContent, newContent string) ChangeStats {
	if oldContent == newContent {
		return ChangeStats{}
	}
	stats := ChangeStats{
		ChangedChars: absInt(utf8.RuneCountInString(newContent) - utf8.RuneCountInString(oldContent)),
	}
	matcher := difflib.NewMatcher(splitLines(oldContent), splitLines(newContent))
	for _, opCode := range matcher.GetOpCodes() {
		switch opCode.Tag {
		case 'i':
			stats.AddedLines += opCode.J2 - opCode.J1
		case 'd':
			stats.DeletedLines += opCode.I2 - opCode.I1
		case 'r':
			stats.AddedLines += opCode.J2 - opCode.J1
			stats.DeletedLines += opCode.I2 - opCode.I1
		}
	}
	return stats
}

// Hash returns the hex-encoded SHA-256 digest of content.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether content hashes to expected (case-insensitive).
func VerifyHash(content, expected string) bool {
	if expected == "" {
		return false
	}
	return strings.EqualFold(Hash(content), expected)
}

// Apply replays patch forward on top of baseContent.
func Apply(baseContent, patch string) (string, error) {
	return replay(baseContent, patch, false)
}

// Reverse undoes patch, recovering the content the patch was computed from.
func Reverse(newContent, patch string) (string, error) {
	return replay(newContent, patch, true)
}

type hunk struct {
	oldStart int
	newStart int
	lines    []string
}

func replay(content, patch string, reverse bool) (string, error) {
	if strings.TrimSpace(patch) == "" {
		return content, nil
	}
	hunks, err := parseHunks(patch)
	if err != nil {
		return "", err
	}

	// keep is the prefix that must match the input; emit is the prefix written to the output.
	keep, emit := byte('-'), byte('+')
	if reverse {
		keep, emit = '+', '-'
	}

	source := splitLines(content)
	output := make([]string, 0, len(source))
	cursor := 0
	for _, h := range hunks {
		start := h.oldStart
		if reverse {
			start = h.newStart
		}
		if start < cursor || start > len(source) {
			return "", fmt.Errorf("%w: hunk starts at line %d", ErrPatchMismatch, start+1)
		}
		output = append(output, source[cursor:start]...)
		position := start
		for _, line := range h.lines {
			prefix, text := line[0], line[1:]
			switch prefix {
			case ' ', keep:
				if position >= len(source) || source[position] != text {
					return "", fmt.Errorf("%w: line %d", ErrPatchMismatch, position+1)
				}
				if prefix == ' ' {
					output = append(output, text)
				}
				position++
			case emit:
				output = append(output, text)
			}
		}
		cursor = position
	}
	output = append(output, source[cursor:]...)
	return strings.Join(output, lineSeparator), nil
}

func parseHunks(patch string) ([]hunk, error) {
	rawLines := strings.Split(patch, lineSeparator)
	if len(rawLines) > 0 && rawLines[len(rawLines)-1] == "" {
		rawLines = rawLines[:len(rawLines)-1]
	}

	var hunks []hunk
	for _, line := range rawLines {
		switch {
		case strings.HasPrefix(line, "@@"):
			oldStart, newStart, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			hunks = append(hunks, hunk{oldStart: oldStart, newStart: newStart})
		case len(hunks) == 0:
			// file headers before the first hunk
			continue
		case line == "":
			return nil, fmt.Errorf("%w: empty body line", ErrMalformedPatch)
		case line[0] == ' ' || line[0] == '-' || line[0] == '+':
			current := &hunks[len(hunks)-1]
			current.lines = append(current.lines, line)
		default:
			return nil, fmt.Errorf("%w: unexpected line %q", ErrMalformedPatch, line)
		}
	}
	if len(hunks) == 0 {
		return nil, fmt.Errorf("%w: no hunks", ErrMalformedPatch)
	}
	return hunks, nil
}

// parseHunkHeader converts "@@ -a,b +c,d @@" into zero-based start offsets.
func parseHunkHeader(header string) (int, int, error) {
	fields := strings.Fields(header)
	if len(fields) < 4 || fields[0] != "@@" || fields[3] != "@@" {
		return 0, 0, fmt.Errorf("%w: header %q", ErrMalformedPatch, header)
	}
	oldStart, err := parseRange(fields[1], '-')
	if err != nil {
		return 0, 0, err
	}
	newStart, err := parseRange(fields[2], '+')
	if err != nil {
		return 0, 0, err
	}
	return oldStart, newStart, nil
}

func parseRange(field string, sign byte) (int, error) {
	if len(field) < 2 || field[0] != sign {
		return 0, fmt.Errorf("%w: range %q", ErrMalformedPatch, field)
	}
	startText, lengthText, hasLength := strings.Cut(field[1:], ",")
	start, err := strconv.Atoi(startText)
	if err != nil {
		return 0, fmt.Errorf("%w: range %q", ErrMalformedPatch, field)
	}
	length := 1
	if hasLength {
		length, err = strconv.Atoi(lengthText)
		if err != nil {
			return 0, fmt.Errorf("%w: range %q", ErrMalformedPatch, field)
		}
	}
	// empty ranges name the line just before the insertion point
	if length == 0 {
		return start, nil
	}
	return start - 1, nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(content, lineSeparator)
}

func terminatedLines(content string) []string {
	lines := splitLines(content)
	for index := range lines {
		lines[index] += lineSeparator
	}
	return lines
}

func absInt(value int) int {
	if value < 0 {
		return -value
	}
	return value
}
