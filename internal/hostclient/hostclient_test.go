package hostclient

import (
	"context"
	"testing"

	"github.com/agensys/reviewbot/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeRepoAccessibleDefaultsTrue(t *testing.T) {
	f := NewFake()
	ok, err := f.RepoAccessible(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFakeRepoAccessibleHonorsOverride(t *testing.T) {
	f := NewFake()
	f.Accessible["acme/widgets"] = false
	ok, err := f.RepoAccessible(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFakePostReviewAppendsIdempotencyMarkerExpectation(t *testing.T) {
	f := NewFake()
	err := f.PostReview(context.Background(), "reviewbot", PostParams{
		Owner: "acme", Repo: "widgets", PRNumber: 1, HeadSHA: "sha1", Body: "body", Event: "COMMENT",
	})
	require.NoError(t, err)
	require.Len(t, f.PostedReviews, 1)
	assert.Equal(t, "sha1", f.PostedReviews[0].HeadSHA)
}

func TestFakeListFilesRespectsMaxFiles(t *testing.T) {
	f := NewFake()
	f.Files["acme/widgets#1"] = []model.PullRequestFile{
		{Filename: "a.go"}, {Filename: "b.go"}, {Filename: "c.go"},
	}
	files, err := f.ListFiles(context.Background(), "acme", "widgets", 1, 2)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestHostErrorUnwrap(t *testing.T) {
	inner := assert.AnError
	he := &HostError{Kind: ErrRateLimited, Retryable: true, Err: inner}
	assert.ErrorIs(t, he, inner)
	assert.Contains(t, he.Error(), "RATE_LIMITED")
}
