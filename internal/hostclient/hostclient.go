// Package hostclient is the code-host collaborator: pull-request listing,
// file/diff retrieval, quota/accessibility probes, and idempotent posting
// of review comments (spec.md §6, "explicitly out of scope" collaborator).
package hostclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v62/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/agensys/reviewbot/internal/model"
)

// ErrorKind classifies a host error for the pipeline's retry/error model.
type ErrorKind string

const (
	ErrRateLimited ErrorKind = "RATE_LIMITED"
	ErrForbidden   ErrorKind = "FORBIDDEN"
	ErrUnknown     ErrorKind = "UNKNOWN"
)

// HostError wraps an underlying host error with a classification.
type HostError struct {
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *HostError) Error() string { return fmt.Sprintf("host: %s: %v", e.Kind, e.Err) }
func (e *HostError) Unwrap() error { return e.Err }

// PostParams is the idempotent-post call shape from spec.md §4.10 step 13.
type PostParams struct {
	Owner    string
	Repo     string
	PRNumber int
	HeadSHA  string
	Body     string
	Event    string // "COMMENT" or "REQUEST_CHANGES"
}

// Client is the host collaborator contract the pipeline depends on.
type Client interface {
	QuotaRemaining(ctx context.Context) (int, error)
	RepoAccessible(ctx context.Context, owner, repo string) (bool, error)
	ListOpenPRs(ctx context.Context, owner, repo string, maxPRs int) ([]model.PullRequest, error)
	ListFiles(ctx context.Context, owner, repo string, prNumber int, maxFiles int) ([]model.PullRequestFile, error)
	CompareCommits(ctx context.Context, owner, repo, base, head string) ([]model.PullRequestFile, error)
	ExistingReview(ctx context.Context, owner, repo string, prNumber int, headSHA, marker string) (bool, error)
	PostReview(ctx context.Context, marker string, p PostParams) error
}

// githubClient implements Client against the real GitHub API via go-github.
type githubClient struct {
	gh  *github.Client
	log zerolog.Logger
}

// New builds a githubClient authenticated with a static OAuth2 token, the
// same token-source pattern the teacher's MCP bridge delegates to the
// GitHub App layer.
func New(ctx context.Context, token string, log zerolog.Logger) Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	return &githubClient{gh: github.NewClient(httpClient), log: log}
}

func classify(err error) *HostError {
	if err == nil {
		return nil
	}
	if rle, ok := err.(*github.RateLimitError); ok {
		return &HostError{Kind: ErrRateLimited, Retryable: true, Err: rle}
	}
	if _, ok := err.(*github.AbuseRateLimitError); ok {
		return &HostError{Kind: ErrRateLimited, Retryable: true, Err: err}
	}
	if ge, ok := err.(*github.ErrorResponse); ok && ge.Response != nil && ge.Response.StatusCode == 403 {
		return &HostError{Kind: ErrForbidden, Retryable: false, Err: err}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return &HostError{Kind: ErrRateLimited, Retryable: true, Err: err}
	}
	return &HostError{Kind: ErrUnknown, Retryable: false, Err: err}
}

func (c *githubClient) QuotaRemaining(ctx context.Context) (int, error) {
	rl, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return rl.GetCore().Remaining, nil
}

func (c *githubClient) RepoAccessible(ctx context.Context, owner, repo string) (bool, error) {
	_, resp, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if resp != nil && (resp.StatusCode == 404 || resp.StatusCode == 403) {
			return false, nil
		}
		return false, classify(err)
	}
	return true, nil
}

func (c *githubClient) ListOpenPRs(ctx context.Context, owner, repo string, maxPRs int) ([]model.PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: maxPRs},
	}
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]model.PullRequest, 0, len(prs))
	for i, pr := range prs {
		if maxPRs > 0 && i >= maxPRs {
			break
		}
		var labels []string
		for _, l := range pr.Labels {
			labels = append(labels, l.GetName())
		}
		out = append(out, model.PullRequest{
			Number:     pr.GetNumber(),
			Title:      pr.GetTitle(),
			HeadSHA:    pr.GetHead().GetSHA(),
			BaseBranch: pr.GetBase().GetRef(),
			Labels:     labels,
			Author:     pr.GetUser().GetLogin(),
			CloneURL:   pr.GetHead().GetRepo().GetCloneURL(),
		})
	}
	return out, nil
}

func (c *githubClient) ListFiles(ctx context.Context, owner, repo string, prNumber int, maxFiles int) ([]model.PullRequestFile, error) {
	opts := &github.ListOptions{PerPage: maxFiles}
	files, _, err := c.gh.PullRequests.ListFiles(ctx, owner, repo, prNumber, opts)
	if err != nil {
		return nil, classify(err)
	}
	return toPullRequestFiles(files, maxFiles), nil
}

func (c *githubClient) CompareCommits(ctx context.Context, owner, repo, base, head string) ([]model.PullRequestFile, error) {
	cmp, _, err := c.gh.Repositories.CompareCommits(ctx, owner, repo, base, head, nil)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]model.PullRequestFile, 0, len(cmp.Files))
	for _, f := range cmp.Files {
		out = append(out, model.PullRequestFile{
			Filename:  f.GetFilename(),
			Status:    statusFromString(f.GetStatus()),
			Additions: f.GetAdditions(),
			Deletions: f.GetDeletions(),
			Patch:     optionalPatch(f.GetPatch()),
		})
	}
	return out, nil
}

func (c *githubClient) ExistingReview(ctx context.Context, owner, repo string, prNumber int, headSHA, marker string) (bool, error) {
	needle := fmt.Sprintf("<!-- %s: %s -->", marker, headSHA)

	comments, _, err := c.gh.Issues.ListComments(ctx, owner, repo, prNumber, nil)
	if err != nil {
		return false, classify(err)
	}
	for _, cm := range comments {
		if strings.Contains(cm.GetBody(), needle) {
			return true, nil
		}
	}

	reviews, _, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, prNumber, nil)
	if err != nil {
		return false, classify(err)
	}
	for _, r := range reviews {
		if strings.Contains(r.GetBody(), needle) {
			return true, nil
		}
	}
	return false, nil
}

func (c *githubClient) PostReview(ctx context.Context, marker string, p PostParams) error {
	body := p.Body + "\n<!-- " + marker + ": " + p.HeadSHA + " -->"
	event := p.Event
	if event == "" {
		event = "COMMENT"
	}
	_, _, err := c.gh.PullRequests.CreateReview(ctx, p.Owner, p.Repo, p.PRNumber, &github.PullRequestReviewRequest{
		Body:     &body,
		Event:    &event,
		CommitID: &p.HeadSHA,
	})
	if err != nil {
		c.log.Error().Err(err).Int("pr", p.PRNumber).Msg("post review failed")
		return classify(err)
	}
	return nil
}

func toPullRequestFiles(files []*github.CommitFile, maxFiles int) []model.PullRequestFile {
	out := make([]model.PullRequestFile, 0, len(files))
	for i, f := range files {
		if maxFiles > 0 && i >= maxFiles {
			break
		}
		out = append(out, model.PullRequestFile{
			Filename:  f.GetFilename(),
			Status:    statusFromString(f.GetStatus()),
			Additions: f.GetAdditions(),
			Deletions: f.GetDeletions(),
			Patch:     optionalPatch(f.GetPatch()),
		})
	}
	return out
}

func optionalPatch(patch string) *string {
	if patch == "" {
		return nil
	}
	return &patch
}

func statusFromString(s string) model.FileStatus {
	switch s {
	case "added":
		return model.FileAdded
	case "removed":
		return model.FileRemoved
	case "renamed":
		return model.FileRenamed
	default:
		return model.FileModified
	}
}
