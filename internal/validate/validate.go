// Package validate holds the identifier/label/path/command validation
// primitives and the shell-quoting helper used at every trust boundary in
// the pipeline (config values, host payloads, generated commands).
package validate

import (
	"regexp"
	"strings"
)

// InvalidInput is returned for any validation failure; it names the field
// and the input that triggered it so callers can log without re-deriving.
type InvalidInput struct {
	Field  string
	Reason string
}

func (e *InvalidInput) Error() string {
	return "invalid input: " + e.Field + ": " + e.Reason
}

func invalid(field, reason string) error {
	return &InvalidInput{Field: field, Reason: reason}
}

const (
	maxIdentifierLen = 128
	maxLabelLen      = 64
	// MaxStringLength bounds shellQuote input, matching the round-trip law in
	// spec.md §8 ("for any string s under MAX_STRING_LENGTH").
	MaxStringLength = 4096
)

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	labelRe      = regexp.MustCompile(`^[A-Za-z0-9_:-]+$`)
)

// ValidateIdentifier checks a repo owner/name/runId-style token.
func ValidateIdentifier(s string) error {
	if s == "" {
		return invalid("identifier", "empty")
	}
	if len(s) > maxIdentifierLen {
		return invalid("identifier", "exceeds max length")
	}
	if !identifierRe.MatchString(s) {
		return invalid("identifier", "contains disallowed characters")
	}
	return nil
}

// ValidateLabel checks a PR label string.
func ValidateLabel(s string) error {
	if len(s) > maxLabelLen {
		return invalid("label", "exceeds max length")
	}
	if !labelRe.MatchString(s) {
		return invalid("label", "contains disallowed characters")
	}
	return nil
}

// ValidatePath rejects traversal attempts, encoded or raw, and embedded NULs.
func ValidatePath(p string) error {
	lower := strings.ToLower(p)
	if strings.Contains(p, "..") {
		return invalid("path", "contains parent traversal")
	}
	if strings.Contains(lower, "%2e%2e") {
		return invalid("path", "contains encoded parent traversal")
	}
	if strings.Contains(p, "\x00") || strings.Contains(lower, "%00") {
		return invalid("path", "contains NUL byte")
	}
	return nil
}

// ValidateCommand requires an absolute-rooted, space-free, metachar-free token
// (the shape of a slash command, e.g. "/review").
var shellMeta = regexp.MustCompile(`[;&|$` + "`" + `><\\\n(){}*?\[\]~#'"!]`)

func ValidateCommand(s string) error {
	if !strings.HasPrefix(s, "/") {
		return invalid("command", "must start with /")
	}
	if strings.Contains(s, " ") {
		return invalid("command", "must not contain spaces")
	}
	if shellMeta.MatchString(s) {
		return invalid("command", "contains shell metacharacters")
	}
	return nil
}

// ShellQuote wraps s in single quotes, escaping embedded single quotes so the
// result is safe to interpolate into a `sh -c "..."` invocation.
func ShellQuote(s string) (string, error) {
	if len(s) > MaxStringLength {
		return "", invalid("shellQuote", "exceeds max length")
	}
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		if r == '\'' {
			b.WriteString(`'\''`)
		} else {
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String(), nil
}

// FilterValidIdentifiers keeps only the entries that pass ValidateIdentifier.
func FilterValidIdentifiers(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if ValidateIdentifier(s) == nil {
			out = append(out, s)
		}
	}
	return out
}

// FilterValidLabels keeps only the entries that pass ValidateLabel.
func FilterValidLabels(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if ValidateLabel(s) == nil {
			out = append(out, s)
		}
	}
	return out
}

// FilterValidPaths keeps only the entries that pass ValidatePath.
func FilterValidPaths(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if ValidatePath(s) == nil {
			out = append(out, s)
		}
	}
	return out
}
