package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agensys/reviewbot/internal/contextstore"
	"github.com/agensys/reviewbot/internal/hostclient"
	"github.com/agensys/reviewbot/internal/llmclient"
	"github.com/agensys/reviewbot/internal/model"
	"github.com/agensys/reviewbot/internal/pass1cache"
	"github.com/agensys/reviewbot/internal/sanitizer"
	"github.com/agensys/reviewbot/internal/truncate"
)

// fakeRecoverySource is a stub recoverysource.Source for exercising
// Pipeline.detectFramework without touching disk beyond a test temp dir.
type fakeRecoverySource struct {
	root string
	err  error
}

func (f *fakeRecoverySource) Prepare(ctx context.Context, owner, repo, cloneURL, ref string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.root, nil
}

var fixedNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestPipeline(t *testing.T, host *hostclient.Fake, llm *llmclient.Fake, cfg model.Config) *Pipeline {
	t.Helper()
	cs := contextstore.New(filepath.Join(t.TempDir(), "context.json"))
	require.NoError(t, cs.Load())
	cache := pass1cache.New(filepath.Join(t.TempDir(), "pass1cache"))

	cfg.Model = "claude-3-5-sonnet-latest"
	if cfg.MaxInputTokens == 0 {
		cfg.MaxInputTokens = 100000
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = 4096
	}
	if cfg.ReviewMarker == "" {
		cfg.ReviewMarker = "reviewbot"
	}

	return &Pipeline{
		Host:         host,
		LLM:          llm,
		Sanitizer:    sanitizer.New(),
		ContextStore: cs,
		Cache:        cache,
		Config:       cfg,
		Framework:    truncate.FrameworkInfo{On: false},
		Log:          zerolog.Nop(),
		Now:          func() time.Time { return fixedNow },
	}
}

func simplePatch(s string) *string { return &s }

func basicItem(host *hostclient.Fake, owner, repo string, prNumber int, headSHA string) {
	host.PRs[owner+"/"+repo] = []model.PullRequest{
		{Number: prNumber, Title: "Add feature", HeadSHA: headSHA, BaseBranch: "main"},
	}
	host.Files[owner+"/"+repo+"#"+itoaTest(prNumber)] = []model.PullRequestFile{
		{Filename: "main.go", Status: model.FileModified, Additions: 10, Deletions: 2, Patch: simplePatch("@@ -1,2 +1,10 @@\n+func main() {}\n")},
	}
}

func itoaTest(n int) string {
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

func TestRunSinglePassPostsReview(t *testing.T) {
	host := hostclient.NewFake()
	basicItem(host, "acme", "widgets", 1, "sha1")
	llm := &llmclient.Fake{Responses: []llmclient.Response{
		{Text: "## Summary\nLooks fine.\n\n## Findings\nNone.\n\n## Callouts\nNone.\n", InputTokens: 500, OutputTokens: 100},
	}}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos:      []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
		ReviewMode: model.ReviewModeSinglePass,
	})

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.Equal(t, 1, summary.Reviewed)
	assert.True(t, summary.Results[0].Posted)
	require.Len(t, host.PostedReviews, 1)
	assert.Equal(t, "COMMENT", host.PostedReviews[0].Event)
}

func TestRunSkipsAlreadyReviewedByHash(t *testing.T) {
	host := hostclient.NewFake()
	basicItem(host, "acme", "widgets", 1, "sha1")
	llm := &llmclient.Fake{}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos:      []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
		ReviewMode: model.ReviewModeSinglePass,
	})

	files := host.Files["acme/widgets#1"]
	hash := model.ItemHash("sha1", files)
	require.NoError(t, p.ContextStore.SetLastHash("acme", "widgets", 1, hash))

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Skipped)
	assert.Equal(t, SkipAlreadyReviewed, summary.Results[0].SkipReason)
	assert.Equal(t, 0, llm.Calls())
}

func TestRunSkipsRepoInaccessible(t *testing.T) {
	host := hostclient.NewFake()
	host.Accessible["acme/widgets"] = false
	llm := &llmclient.Fake{}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos: []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
	})

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Skipped)
	assert.Equal(t, SkipRepoInaccessible, summary.Results[0].SkipReason)
}

func TestRunAbortsBelowQuotaThreshold(t *testing.T) {
	host := hostclient.NewFake()
	host.Quota = 5
	basicItem(host, "acme", "widgets", 1, "sha1")
	llm := &llmclient.Fake{}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos: []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
	})

	summary := p.Run(context.Background(), "run-1")
	assert.Empty(t, summary.Results)
}

func TestRunDryRunDoesNotPost(t *testing.T) {
	host := hostclient.NewFake()
	basicItem(host, "acme", "widgets", 1, "sha1")
	llm := &llmclient.Fake{Responses: []llmclient.Response{
		{Text: "## Summary\nok\n\n## Findings\nnone\n\n## Callouts\nnone\n", InputTokens: 100},
	}}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos:      []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
		ReviewMode: model.ReviewModeSinglePass,
		DryRun:     true,
	})

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.False(t, summary.Results[0].Posted)
	assert.False(t, summary.Results[0].Skipped)
	assert.Empty(t, host.PostedReviews)
}

func TestRunInvalidLLMResponseSkips(t *testing.T) {
	host := hostclient.NewFake()
	basicItem(host, "acme", "widgets", 1, "sha1")
	llm := &llmclient.Fake{Responses: []llmclient.Response{
		{Text: "I cannot assist with that request."},
	}}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos:      []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
		ReviewMode: model.ReviewModeSinglePass,
	})

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Skipped)
	assert.Equal(t, SkipInvalidLLMResponse, summary.Results[0].SkipReason)
}

func TestRunClassifiesCriticalAsRequestChanges(t *testing.T) {
	host := hostclient.NewFake()
	basicItem(host, "acme", "widgets", 1, "sha1")
	llm := &llmclient.Fake{Responses: []llmclient.Response{
		{Text: "## Summary\nThis change has a CRITICAL issue.\n\n## Findings\nSQL injection.\n\n## Callouts\nNone.\n", InputTokens: 200},
	}}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos:      []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
		ReviewMode: model.ReviewModeSinglePass,
	})

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, host.PostedReviews, 1)
	assert.Equal(t, "REQUEST_CHANGES", host.PostedReviews[0].Event)
	assert.Equal(t, 1, summary.Reviewed)
}

func TestRunTwoPassPreservationGuardPassesThrough(t *testing.T) {
	host := hostclient.NewFake()
	basicItem(host, "acme", "widgets", 1, "sha1")

	pass1 := `<!-- bridge-findings-start -->
` + "```json\n" + `{"schema_version":1,"findings":[{"id":"f1","severity":"HIGH","category":"security","title":"Possible SSRF","description":"Unvalidated URL passed to fetch."}]}
` + "```\n" + `<!-- bridge-findings-end -->`

	pass2 := "## Summary\nSolid catch here.\n\n## Findings\nSee below.\n\n## Callouts\nNone.\n" + pass1

	llm := &llmclient.Fake{Responses: []llmclient.Response{
		{Text: pass1, InputTokens: 300},
		{Text: pass2, InputTokens: 150},
	}}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos:             []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
		ReviewMode:        model.ReviewModeTwoPass,
		Pass1CacheEnabled: true,
	})

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.Equal(t, 1, summary.Reviewed)
	assert.Equal(t, 2, llm.Calls())
	require.Len(t, host.PostedReviews, 1)
	assert.Contains(t, host.PostedReviews[0].Body, "Solid catch here")
}

func TestRunTwoPassFallsBackOnBrokenEnrichment(t *testing.T) {
	host := hostclient.NewFake()
	basicItem(host, "acme", "widgets", 1, "sha1")

	pass1 := `<!-- bridge-findings-start -->
` + "```json\n" + `{"schema_version":1,"findings":[{"id":"f1","severity":"HIGH","category":"security","title":"Possible SSRF","description":"Unvalidated URL."}]}
` + "```\n" + `<!-- bridge-findings-end -->`

	llm := &llmclient.Fake{Responses: []llmclient.Response{
		{Text: pass1, InputTokens: 300},
		{Text: "I'm sorry, but I can't help with that.", InputTokens: 10},
	}}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos:      []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
		ReviewMode: model.ReviewModeTwoPass,
	})

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.Equal(t, 1, summary.Reviewed)
	require.Len(t, host.PostedReviews, 1)
	assert.Contains(t, host.PostedReviews[0].Body, "Enrichment unavailable")
}

func TestRunSkipsAllFilesExcludedByFramework(t *testing.T) {
	host := hostclient.NewFake()
	host.PRs["acme/widgets"] = []model.PullRequest{{Number: 1, Title: "docs", HeadSHA: "sha1"}}
	host.Files["acme/widgets#1"] = []model.PullRequestFile{
		{Filename: "grimoires/notes.md", Status: model.FileModified, Patch: simplePatch("+hello")},
	}
	llm := &llmclient.Fake{}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos: []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
	})
	p.Framework = truncate.FrameworkInfo{On: true}

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Skipped)
	assert.Equal(t, SkipAllFilesExcluded, summary.Results[0].SkipReason)
}

func TestRunDetectsFrameworkFromRecoverySourcePerItem(t *testing.T) {
	host := hostclient.NewFake()
	host.PRs["acme/widgets"] = []model.PullRequest{{Number: 1, Title: "docs", HeadSHA: "sha1"}}
	host.Files["acme/widgets#1"] = []model.PullRequestFile{
		{Filename: "grimoires/notes.md", Status: model.FileModified, Patch: simplePatch("+hello")},
	}
	llm := &llmclient.Fake{}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos: []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
	})
	// p.Framework stays off; only the recovery source's checkout carries the
	// marker, so a correct per-item detection (not the pipeline fallback)
	// is what excludes grimoires/notes.md here.
	checkout := t.TempDir()
	marker := []byte(`{"framework_version": "1.31.0"}`)
	require.NoError(t, os.WriteFile(filepath.Join(checkout, truncate.DefaultMarkerFile), marker, 0o644))
	p.RecoverySource = &fakeRecoverySource{root: checkout}

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Skipped)
	assert.Equal(t, SkipAllFilesExcluded, summary.Results[0].SkipReason)
}

func TestRunFallsBackToDefaultFrameworkWhenRecoverySourceFails(t *testing.T) {
	host := hostclient.NewFake()
	basicItem(host, "acme", "widgets", 1, "sha1")
	llm := &llmclient.Fake{Responses: []llmclient.Response{
		{Text: "## Summary\nLooks fine.\n\n## Findings\nNone.\n\n## Callouts\nNone.\n", InputTokens: 500, OutputTokens: 100},
	}}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos:      []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
		ReviewMode: model.ReviewModeSinglePass,
	})
	p.RecoverySource = &fakeRecoverySource{err: errors.New("no checkout available")}

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Posted)
	assert.Empty(t, summary.Results[0].Error)
}

func TestRunStrictSanitizerBlocksPost(t *testing.T) {
	host := hostclient.NewFake()
	basicItem(host, "acme", "widgets", 1, "sha1")
	llm := &llmclient.Fake{Responses: []llmclient.Response{
		{Text: "## Summary\nFound a key sk-ant-REDACTED in the diff.\n\n## Findings\nNone.\n\n## Callouts\nNone.\n"},
	}}

	p := newTestPipeline(t, host, llm, model.Config{
		Repos:         []model.RepoRef{{Owner: "acme", Repo: "widgets"}},
		ReviewMode:    model.ReviewModeSinglePass,
		SanitizerMode: model.SanitizerModeStrict,
	})

	summary := p.Run(context.Background(), "run-1")
	require.Len(t, summary.Results, 1)
	assert.NotEmpty(t, summary.Results[0].Error)
	assert.Contains(t, summary.Results[0].Error, "E_SANITIZER_BLOCKED")
	assert.Empty(t, host.PostedReviews)
}
