package truncate

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/agensys/reviewbot/internal/model"
)

// Priority levels from spec.md §4.4, higher sorts first.
const (
	PriorityHighRisk     = 4
	PriorityAdjacentTest = 3
	PriorityEntryConfig  = 2
	PriorityOther        = 1
)

var securityPatternRe = highRiskSecurityRe

var entryConfigRe = regexp.MustCompile(`(?i)^(index\.(go|ts|js|py)|main\.go|package\.json|go\.mod|Cargo\.toml|pyproject\.toml|Gemfile|composer\.json|Makefile|Dockerfile)$`)

// Prioritize orders files per spec.md §4.4: priority 4 (high-risk) > 3
// (adjacent test) > 2 (entry/config) > 1 (everything else), stable, with a
// tie-break of greater additions+deletions first then filename ascending.
func Prioritize(files []PrioritizableFile) []PrioritizableFile {
	sourceBaseNames := map[string]bool{}
	byDir := map[string][]string{}
	for _, f := range files {
		dir := path.Dir(f.File.Filename)
		base := path.Base(f.File.Filename)
		byDir[dir] = append(byDir[dir], base)
		sourceBaseNames[f.File.Filename] = true
	}

	out := make([]PrioritizableFile, len(files))
	copy(out, files)
	for i := range out {
		out[i].Priority = priorityOf(out[i].File, byDir)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		li, lj := out[i].File.ChangedLines(), out[j].File.ChangedLines()
		if li != lj {
			return li > lj
		}
		return out[i].File.Filename < out[j].File.Filename
	})
	return out
}

// PrioritizableFile wraps a file with its computed priority for sorting.
type PrioritizableFile struct {
	File     model.PullRequestFile
	Priority int
}

func priorityOf(f model.PullRequestFile, byDir map[string][]string) int {
	if securityPatternRe.MatchString(f.Filename) {
		return PriorityHighRisk
	}
	if isAdjacentTest(f.Filename, byDir) {
		return PriorityAdjacentTest
	}
	if entryConfigRe.MatchString(path.Base(f.Filename)) {
		return PriorityEntryConfig
	}
	return PriorityOther
}

var testFileRe = regexp.MustCompile(`(?i)(_test\.go$|\.test\.[jt]sx?$|\.spec\.[jt]sx?$|^test_.*\.py$|_test\.py$)`)

func isAdjacentTest(filename string, byDir map[string][]string) bool {
	if !testFileRe.MatchString(filename) {
		return false
	}
	dir := path.Dir(filename)
	base := path.Base(filename)
	stem := stripTestSuffix(base)
	for _, sibling := range byDir[dir] {
		if sibling == base {
			continue
		}
		if stripExt(sibling) == stem {
			return true
		}
	}
	return false
}

func stripTestSuffix(base string) string {
	for _, suf := range []string{"_test.go", ".test.ts", ".test.tsx", ".test.js", ".test.jsx", ".spec.ts", ".spec.tsx", ".spec.js", ".spec.jsx"} {
		if strings.HasSuffix(base, suf) {
			return strings.TrimSuffix(base, suf)
		}
	}
	if strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py") {
		return strings.TrimSuffix(strings.TrimPrefix(base, "test_"), ".py")
	}
	if strings.HasSuffix(base, "_test.py") {
		return strings.TrimSuffix(base, "_test.py")
	}
	return base
}

func stripExt(base string) string {
	if i := strings.LastIndex(base, "."); i >= 0 {
		return base[:i]
	}
	return base
}

// ToPrioritizable wraps raw files for Prioritize.
func ToPrioritizable(files []model.PullRequestFile) []PrioritizableFile {
	out := make([]PrioritizableFile, len(files))
	for i, f := range files {
		out[i] = PrioritizableFile{File: f}
	}
	return out
}
