package truncate

import (
	"strings"
	"testing"

	"github.com/agensys/reviewbot/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patch(s string) *string { return &s }

func mkFile(name string, add, del int, p string) model.PullRequestFile {
	f := model.PullRequestFile{Filename: name, Status: model.FileModified, Additions: add, Deletions: del}
	if p != "" {
		f.Patch = patch(p)
	}
	return f
}

func TestFitIncludedExcludedCoverInput(t *testing.T) {
	files := []model.PullRequestFile{
		mkFile("src/app.ts", 5, 3, "@@ -1,2 +1,3 @@\n-old\n+new\n+added"),
		mkFile("docs/notes.md", 1, 0, "@@ -1 +1 @@\n+hello"),
	}
	res := Fit(files, Options{TokenBudget: 100000})
	require.True(t, res.Success)
	assert.Equal(t, len(files), len(res.Included)+len(res.Excluded))
}

func TestFitBinaryFilesAllExcludedDiffUnavailable(t *testing.T) {
	files := []model.PullRequestFile{
		{Filename: "image.png", Status: model.FileAdded},
		{Filename: "font.woff", Status: model.FileAdded},
	}
	res := Fit(files, Options{TokenBudget: 100000})
	require.True(t, res.Success)
	assert.Empty(t, res.Excluded)
	for _, f := range res.Included {
		assert.Nil(t, f.Patch)
	}
}

func TestFitSingleHugeFileGoesToLevel3StatsOnly(t *testing.T) {
	big := strings.Repeat("+added line of content here\n", 20000)
	files := []model.PullRequestFile{mkFile("huge.go", 20000, 0, "@@ -1 +1 @@\n"+big)}
	res := Fit(files, Options{TokenBudget: 2000})
	require.True(t, res.Success)
	assert.Equal(t, model.LevelStatsOnly, res.Level)
	require.Len(t, res.Included, 1)
	assert.Nil(t, res.Included[0].Patch)
}

func TestFitSingleFileOverMaxDiffBytesGoesToLevel3(t *testing.T) {
	patchBody := "@@ -1 +1 @@\n" + strings.Repeat("+x\n", 200)
	files := []model.PullRequestFile{mkFile("small.go", 200, 0, patchBody)}
	res := Fit(files, Options{TokenBudget: 100000, MaxDiffBytes: len(patchBody) - 1})
	require.True(t, res.Success)
	assert.Equal(t, model.LevelStatsOnly, res.Level)
	require.Len(t, res.Included, 1)
	assert.Nil(t, res.Included[0].Patch)
	assert.Zero(t, res.TotalBytes)
}

func TestFitEnforcesMaxDiffBytesAtLevel1(t *testing.T) {
	files := []model.PullRequestFile{
		mkFile("a.go", 5, 0, strings.Repeat("x", 100)),
		mkFile("b.go", 5, 0, strings.Repeat("y", 100)),
	}
	res := Fit(files, Options{TokenBudget: 100000, MaxDiffBytes: 120})
	require.True(t, res.Success)
	assert.LessOrEqual(t, res.TotalBytes, 120)
	assert.NotEmpty(t, res.Excluded)
}

func TestFitZeroMaxDiffBytesDisablesCeiling(t *testing.T) {
	files := []model.PullRequestFile{mkFile("a.go", 5, 0, strings.Repeat("x", 500))}
	res := Fit(files, Options{TokenBudget: 100000, MaxDiffBytes: 0})
	require.True(t, res.Success)
	assert.Equal(t, model.LevelDropTail, res.Level)
	require.Len(t, res.Included, 1)
	require.NotNil(t, res.Included[0].Patch)
}

func TestFitEmptyInput(t *testing.T) {
	res := Fit(nil, Options{TokenBudget: 1000})
	assert.True(t, res.Success)
	assert.Empty(t, res.Included)
	assert.Empty(t, res.Excluded)
}

func TestFitFailureWhenEvenStatsExceedBudget(t *testing.T) {
	files := make([]model.PullRequestFile, 500)
	for i := range files {
		files[i] = mkFile("f"+itoa(i)+".go", 100000, 100000, "@@ -1 +1 @@\n+x")
	}
	res := Fit(files, Options{TokenBudget: 1})
	assert.False(t, res.Success)
}

func TestFrameworkAwareExclusion(t *testing.T) {
	fw := FrameworkInfo{On: true, Version: "1.31.0", Source: "test"}
	files := []model.PullRequestFile{
		mkFile("grimoires/loa/prd.md", 1, 0, "@@ -1 +1 @@\n+x"),
		mkFile("src/app.ts", 5, 0, "@@ -1 +1 @@\n+x"),
	}
	res := Fit(files, Options{TokenBudget: 100000, Framework: fw})
	require.True(t, res.Success)
	assert.Len(t, res.Excluded, 1)
	assert.Equal(t, "grimoires/loa/prd.md", res.Excluded[0].File.Filename)
	var names []string
	for _, f := range res.Included {
		names = append(names, f.Filename)
	}
	assert.Contains(t, names, "src/app.ts")
}

func TestFrameworkAllFilesExcluded(t *testing.T) {
	fw := FrameworkInfo{On: true, Version: "1.31.0", Source: "test"}
	files := []model.PullRequestFile{
		mkFile("grimoires/loa/prd.md", 1, 0, "@@ -1 +1 @@\n+x"),
	}
	res := Fit(files, Options{TokenBudget: 100000, Framework: fw})
	assert.True(t, res.Success)
	assert.Empty(t, res.Included)
	assert.Len(t, res.Excluded, 1)
}

func TestPrioritizeTieBreakFilenameAscending(t *testing.T) {
	files := []model.PullRequestFile{
		mkFile("zeta.go", 1, 1, "x"),
		mkFile("alpha.go", 1, 1, "x"),
	}
	order := Prioritize(ToPrioritizable(files))
	assert.Equal(t, "alpha.go", order[0].File.Filename)
	assert.Equal(t, "zeta.go", order[1].File.Filename)
}

func TestPrioritizeHighRiskFirst(t *testing.T) {
	files := []model.PullRequestFile{
		mkFile("README.md", 100, 100, "x"),
		mkFile("auth/login.go", 1, 1, "x"),
	}
	order := Prioritize(ToPrioritizable(files))
	assert.Equal(t, "auth/login.go", order[0].File.Filename)
}

func TestHunkParserEmptyInput(t *testing.T) {
	assert.Empty(t, ParseHunks(""))
}

func TestHunkParserIgnoresPreambleLines(t *testing.T) {
	patchText := "diff --git a/x b/x\nindex 123..456\n@@ -1,2 +1,2 @@\n-old\n+new\n"
	hunks := ParseHunks(patchText)
	require.Len(t, hunks, 1)
	assert.Equal(t, "@@ -1,2 +1,2 @@", hunks[0].Header)
}

func TestSecurityFileCapAddsMarker(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString("@@ -1,1 +1,1 @@\n-old\n+new\n")
	}
	big := strings.Repeat("x", 60000) + sb.String()
	f := mkFile("auth/secret.go", 1, 1, big)
	opts := Options{TokenBudget: 1_000_000}
	opts.fillDefaults()
	capped := capSecurityFile(f, opts)
	require.NotNil(t, capped.Patch)
	assert.Contains(t, *capped.Patch, "hunks included]")
}
