// Package ecosystem maintains the cross-repository "ecosystem context" of
// recurring patterns extracted from findings (spec.md §4.9).
package ecosystem

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/agensys/reviewbot/internal/model"
)

// PerRepoCap is the maximum number of patterns retained per repository.
const PerRepoCap = 20

// ExtractPatterns emits one pattern per finding that is either
// severity=PRAISE with confidence > 0.8, or severity=SPECULATION (any
// confidence).
func ExtractPatterns(findings []model.Finding, repo string, pr *int) []model.EcosystemPattern {
	var out []model.EcosystemPattern
	for _, f := range findings {
		sev := model.Severity(f.Severity)
		qualifies := false
		switch sev {
		case model.SeverityPraise:
			qualifies = f.Confidence != nil && *f.Confidence > 0.8
		case model.SeveritySpeculation:
			qualifies = true
		}
		if !qualifies {
			continue
		}
		out = append(out, model.EcosystemPattern{
			Repo:          repo,
			PR:            pr,
			Pattern:       f.Title,
			Connection:    firstSentence(f.Description, 200),
			ExtractedFrom: f.ID,
			Confidence:    f.Confidence,
		})
	}
	return out
}

// firstSentence returns text up to the first period or n code units,
// whichever is shorter.
func firstSentence(s string, n int) string {
	runes := []rune(s)
	if i := strings.IndexRune(s, '.'); i >= 0 {
		cut := len([]rune(s[:i]))
		if cut < n {
			return s[:i]
		}
	}
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Load reads the ecosystem file, treating absence as an empty context.
// Invalid JSON or an unreadable file returns an empty context (warn + skip
// per spec.md §4.9; the caller is responsible for logging).
func Load(path string) (model.EcosystemContext, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.EcosystemContext{}, nil
		}
		return model.EcosystemContext{}, nil
	}
	var ctx model.EcosystemContext
	if err := json.Unmarshal(b, &ctx); err != nil {
		return model.EcosystemContext{}, nil
	}
	return ctx, nil
}

// Update appends newPatterns (skipping (repo, pattern) duplicates),
// enforces PerRepoCap via oldest-first eviction, and writes atomically via
// temp file + rename. A missing parent directory or write failure is
// swallowed. When newPatterns is empty, the file is left untouched.
func Update(path string, newPatterns []model.EcosystemPattern, now string) error {
	if len(newPatterns) == 0 {
		return nil
	}

	ctx, _ := Load(path)
	seen := map[string]bool{}
	for _, p := range ctx.Patterns {
		seen[dedupKey(p.Repo, p.Pattern)] = true
	}

	for _, p := range newPatterns {
		k := dedupKey(p.Repo, p.Pattern)
		if seen[k] {
			continue
		}
		seen[k] = true
		ctx.Patterns = append(ctx.Patterns, p)
	}

	ctx.Patterns = enforceCap(ctx.Patterns, PerRepoCap)
	ctx.LastUpdated = now

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil
	}
	b, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return nil
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil
	}
	return nil
}

func dedupKey(repo, pattern string) string {
	return repo + "\x00" + pattern
}

// enforceCap evicts the oldest entries per repo until each repo has at
// most cap patterns, preserving relative order of survivors.
func enforceCap(patterns []model.EcosystemPattern, cap int) []model.EcosystemPattern {
	counts := map[string]int{}
	for _, p := range patterns {
		counts[p.Repo]++
	}
	excess := map[string]int{}
	for repo, n := range counts {
		if n > cap {
			excess[repo] = n - cap
		}
	}
	if len(excess) == 0 {
		return patterns
	}

	out := make([]model.EcosystemPattern, 0, len(patterns))
	for _, p := range patterns {
		if excess[p.Repo] > 0 {
			excess[p.Repo]--
			continue
		}
		out = append(out, p)
	}
	return out
}
