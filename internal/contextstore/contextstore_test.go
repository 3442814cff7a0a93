package contextstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, s.Load())
	_, ok := s.GetLastHash("acme", "widgets", 1)
	assert.False(t, ok)
}

func TestSetAndGetLastHash(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, s.Load())
	require.NoError(t, s.SetLastHash("acme", "widgets", 1, "deadbeef"))

	got, ok := s.GetLastHash("acme", "widgets", 1)
	require.True(t, ok)
	assert.Equal(t, "deadbeef", got)
}

func TestClaimReviewAtMostOnce(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, s.Load())

	claimed, err := s.ClaimReview("acme", "widgets", 1, "hash-a")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimReview("acme", "widgets", 1, "hash-a")
	require.NoError(t, err)
	assert.False(t, claimed, "same hash must not be claimable twice")
}

func TestClaimReviewAllowsNewHashAfterFinalize(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, s.Load())

	claimed, err := s.ClaimReview("acme", "widgets", 1, "hash-a")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, s.FinalizeReview("acme", "widgets", 1))

	claimed, err = s.ClaimReview("acme", "widgets", 1, "hash-b")
	require.NoError(t, err)
	assert.True(t, claimed, "finalize releases the claim so a new diff hash may be claimed")
}

func TestPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s1 := New(path)
	require.NoError(t, s1.Load())
	require.NoError(t, s1.SetLastHash("acme", "widgets", 42, "h1"))
	require.NoError(t, s1.SetLastReviewedSha("acme", "widgets", 42, "sha1"))

	s2 := New(path)
	require.NoError(t, s2.Load())

	h, ok := s2.GetLastHash("acme", "widgets", 42)
	require.True(t, ok)
	assert.Equal(t, "h1", h)

	sha, ok := s2.GetLastReviewedSha("acme", "widgets", 42)
	require.True(t, ok)
	assert.Equal(t, "sha1", sha)
}

func TestFinalizeOrdering(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, s.Load())

	require.NoError(t, Finalize(s, "acme", "widgets", 1, "hash-final", "sha-final"))

	h, ok := s.GetLastHash("acme", "widgets", 1)
	require.True(t, ok)
	assert.Equal(t, "hash-final", h)

	sha, ok := s.GetLastReviewedSha("acme", "widgets", 1)
	require.True(t, ok)
	assert.Equal(t, "sha-final", sha)
}

func TestDistinctPRsAreIndependent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, s.Load())
	require.NoError(t, s.SetLastHash("acme", "widgets", 1, "h1"))
	require.NoError(t, s.SetLastHash("acme", "widgets", 2, "h2"))

	h1, _ := s.GetLastHash("acme", "widgets", 1)
	h2, _ := s.GetLastHash("acme", "widgets", 2)
	assert.Equal(t, "h1", h1)
	assert.Equal(t, "h2", h2)
}
