package hostclient

import (
	"context"
	"fmt"

	"github.com/agensys/reviewbot/internal/model"
)

// Fake is an in-memory Client used by pipeline tests and dry-run tooling.
type Fake struct {
	Quota          int
	Accessible     map[string]bool
	PRs            map[string][]model.PullRequest
	Files          map[string][]model.PullRequestFile
	CompareResults map[string][]model.PullRequestFile
	ExistingMarks  map[string]bool

	PostedReviews []PostParams
	CompareErr    error
}

// NewFake returns a Fake with all maps initialized and ample quota.
func NewFake() *Fake {
	return &Fake{
		Quota:          5000,
		Accessible:     map[string]bool{},
		PRs:            map[string][]model.PullRequest{},
		Files:          map[string][]model.PullRequestFile{},
		CompareResults: map[string][]model.PullRequestFile{},
		ExistingMarks:  map[string]bool{},
	}
}

func repoKey(owner, repo string) string { return owner + "/" + repo }

func (f *Fake) QuotaRemaining(ctx context.Context) (int, error) { return f.Quota, nil }

func (f *Fake) RepoAccessible(ctx context.Context, owner, repo string) (bool, error) {
	ok, exists := f.Accessible[repoKey(owner, repo)]
	if !exists {
		return true, nil
	}
	return ok, nil
}

func (f *Fake) ListOpenPRs(ctx context.Context, owner, repo string, maxPRs int) ([]model.PullRequest, error) {
	prs := f.PRs[repoKey(owner, repo)]
	if maxPRs > 0 && len(prs) > maxPRs {
		prs = prs[:maxPRs]
	}
	return prs, nil
}

func (f *Fake) ListFiles(ctx context.Context, owner, repo string, prNumber int, maxFiles int) ([]model.PullRequestFile, error) {
	files := f.Files[fmt.Sprintf("%s/%s#%d", owner, repo, prNumber)]
	if maxFiles > 0 && len(files) > maxFiles {
		files = files[:maxFiles]
	}
	return files, nil
}

func (f *Fake) CompareCommits(ctx context.Context, owner, repo, base, head string) ([]model.PullRequestFile, error) {
	if f.CompareErr != nil {
		return nil, f.CompareErr
	}
	return f.CompareResults[fmt.Sprintf("%s/%s:%s..%s", owner, repo, base, head)], nil
}

func (f *Fake) ExistingReview(ctx context.Context, owner, repo string, prNumber int, headSHA, marker string) (bool, error) {
	return f.ExistingMarks[fmt.Sprintf("%s/%s#%d@%s", owner, repo, prNumber, headSHA)], nil
}

func (f *Fake) PostReview(ctx context.Context, marker string, p PostParams) error {
	f.PostedReviews = append(f.PostedReviews, p)
	return nil
}
