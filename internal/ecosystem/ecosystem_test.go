package ecosystem

import (
	"path/filepath"
	"testing"

	"github.com/agensys/reviewbot/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestExtractPatternsPraiseRequiresHighConfidence(t *testing.T) {
	findings := []model.Finding{
		{ID: "F1", Severity: "PRAISE", Title: "clean error wrapping", Confidence: f64(0.9)},
		{ID: "F2", Severity: "PRAISE", Title: "low confidence praise", Confidence: f64(0.5)},
	}
	out := ExtractPatterns(findings, "acme/widgets", nil)
	require.Len(t, out, 1)
	assert.Equal(t, "clean error wrapping", out[0].Pattern)
}

func TestExtractPatternsSpeculationAnyConfidence(t *testing.T) {
	findings := []model.Finding{
		{ID: "F1", Severity: "SPECULATION", Title: "maybe a race"},
	}
	out := ExtractPatterns(findings, "acme/widgets", nil)
	require.Len(t, out, 1)
	assert.Equal(t, "maybe a race", out[0].Pattern)
}

func TestExtractPatternsIgnoresOtherSeverities(t *testing.T) {
	findings := []model.Finding{{ID: "F1", Severity: "CRITICAL", Title: "sql injection"}}
	out := ExtractPatterns(findings, "acme/widgets", nil)
	assert.Empty(t, out)
}

func TestFirstSentenceStopsAtPeriod(t *testing.T) {
	assert.Equal(t, "Short sentence", firstSentence("Short sentence. More text follows.", 200))
}

func TestFirstSentenceTruncatesAtLimit(t *testing.T) {
	long := ""
	for i := 0; i < 300; i++ {
		long += "x"
	}
	got := firstSentence(long, 200)
	assert.Len(t, []rune(got), 200)
}

func TestUpdateSkipsEmptyNewPatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eco.json")
	require.NoError(t, Update(path, nil, "2026-07-31T00:00:00Z"))
	_, err := Load(path)
	require.NoError(t, err)
}

func TestUpdateDedupesByRepoAndPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eco.json")
	p := []model.EcosystemPattern{{Repo: "acme/widgets", Pattern: "retry loop"}}
	require.NoError(t, Update(path, p, "t1"))
	require.NoError(t, Update(path, p, "t2"))

	ctx, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, ctx.Patterns, 1)
	assert.Equal(t, "t2", ctx.LastUpdated)
}

func TestUpdateEnforcesPerRepoCapOldestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eco.json")
	for i := 0; i < PerRepoCap+5; i++ {
		p := []model.EcosystemPattern{{Repo: "acme/widgets", Pattern: itoa(i)}}
		require.NoError(t, Update(path, p, "t"))
	}
	ctx, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, ctx.Patterns, PerRepoCap)
	assert.Equal(t, itoa(5), ctx.Patterns[0].Pattern, "oldest entries should have been evicted")
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	ctx, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, ctx.Patterns)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
