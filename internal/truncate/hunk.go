package truncate

import (
	"regexp"
	"strconv"
	"strings"
)

// Hunk is one @@ ... @@-delimited block of a unified diff.
type Hunk struct {
	Header string
	Lines  []string
}

var hunkHeaderRe = regexp.MustCompile(`^@@[^@]*@@`)

// ParseHunks splits a patch into hunks. Lines before the first header are
// ignored. Empty input returns an empty slice.
func ParseHunks(patch string) []Hunk {
	if patch == "" {
		return nil
	}
	lines := strings.Split(patch, "\n")
	var hunks []Hunk
	var cur *Hunk
	for _, line := range lines {
		if hunkHeaderRe.MatchString(line) {
			if cur != nil {
				hunks = append(hunks, *cur)
			}
			cur = &Hunk{Header: line}
			continue
		}
		if cur != nil {
			cur.Lines = append(cur.Lines, line)
		}
	}
	if cur != nil {
		hunks = append(hunks, *cur)
	}
	return hunks
}

// ReduceContext rewrites each hunk keeping only n lines of unchanged ("
// context") source around every changed (+/-) line, dropping the rest.
// Changed lines are always kept.
func ReduceContext(hunks []Hunk, n int) []Hunk {
	out := make([]Hunk, len(hunks))
	for i, h := range hunks {
		keep := make([]bool, len(h.Lines))
		for j, l := range h.Lines {
			if strings.HasPrefix(l, "+") || strings.HasPrefix(l, "-") {
				keep[j] = true
				for k := 1; k <= n; k++ {
					if j-k >= 0 {
						keep[j-k] = true
					}
					if j+k < len(h.Lines) {
						keep[j+k] = true
					}
				}
			}
		}
		var lines []string
		for j, l := range h.Lines {
			if keep[j] {
				lines = append(lines, l)
			}
		}
		out[i] = Hunk{Header: h.Header, Lines: lines}
	}
	return out
}

// Render reassembles hunks into patch text.
func Render(hunks []Hunk) string {
	var sb strings.Builder
	for i, h := range hunks {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(h.Header)
		for _, l := range h.Lines {
			sb.WriteString("\n")
			sb.WriteString(l)
		}
	}
	return sb.String()
}

// CapHunks keeps only the first max hunks, appending a trailing marker line
// noting how many of the total were included (spec.md §4.4 security-file cap).
func CapHunks(hunks []Hunk, max int) ([]Hunk, bool) {
	if len(hunks) <= max {
		return hunks, false
	}
	capped := make([]Hunk, max)
	copy(capped, hunks[:max])
	last := &capped[max-1]
	last.Lines = append(append([]string{}, last.Lines...), capMarker(max, len(hunks)))
	return capped, true
}

// capMarker renders the cap marker with actual counts substituted for N/M.
func capMarker(included, total int) string {
	return "[" + strconv.Itoa(included) + " of " + strconv.Itoa(total) + " hunks included]"
}
