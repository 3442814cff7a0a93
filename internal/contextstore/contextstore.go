// Package contextstore persists per-PR idempotency state: the last diff
// hash seen, the last head SHA actually reviewed, and a claim flag that
// flips at most once per (owner, repo, pr) (spec.md §4.6).
package contextstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the collaborator contract the pipeline depends on.
type Store interface {
	Load() error
	GetLastHash(owner, repo string, pr int) (string, bool)
	SetLastHash(owner, repo string, pr int, hash string) error
	ClaimReview(owner, repo string, pr int, hash string) (bool, error)
	FinalizeReview(owner, repo string, pr int) error
	GetLastReviewedSha(owner, repo string, pr int) (string, bool)
	SetLastReviewedSha(owner, repo string, pr int, sha string) error
}

type entry struct {
	LastHash        string `json:"lastHash,omitempty"`
	Claimed         bool   `json:"claimed"`
	ClaimedHash     string `json:"claimedHash,omitempty"`
	LastReviewedSha string `json:"lastReviewedSha,omitempty"`
}

// JSONStateStore is a single-writer, file-backed Store. All state lives in
// one JSON document keyed by "owner/repo/#pr"; writes use write-temp+rename.
type JSONStateStore struct {
	path string

	mu      sync.Mutex
	entries map[string]entry
	loaded  bool
}

// New constructs a JSONStateStore rooted at path; Load must be called
// before use.
func New(path string) *JSONStateStore {
	return &JSONStateStore{path: path, entries: map[string]entry{}}
}

func key(owner, repo string, pr int) string {
	return fmt.Sprintf("%s/%s/%d", owner, repo, pr)
}

// Load reads the persisted document, if any. A missing file is treated as
// an empty store.
func (s *JSONStateStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("contextstore: read %s: %w", s.path, err)
	}
	if len(b) == 0 {
		s.loaded = true
		return nil
	}
	var doc map[string]entry
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("contextstore: parse %s: %w", s.path, err)
	}
	s.entries = doc
	s.loaded = true
	return nil
}

func (s *JSONStateStore) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("contextstore: mkdir parent: %w", err)
	}
	b, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("contextstore: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("contextstore: rename temp: %w", err)
	}
	return nil
}

// GetLastHash returns the diff hash recorded for the last run on this PR.
func (s *JSONStateStore) GetLastHash(owner, repo string, pr int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key(owner, repo, pr)]
	if !ok || e.LastHash == "" {
		return "", false
	}
	return e.LastHash, true
}

// SetLastHash records the diff hash for this PR.
func (s *JSONStateStore) SetLastHash(owner, repo string, pr int, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(owner, repo, pr)
	e := s.entries[k]
	e.LastHash = hash
	s.entries[k] = e
	return s.persistLocked()
}

// ClaimReview flips the claim flag for (owner, repo, pr, hash) from
// unclaimed to claimed and returns true, or returns false if that exact
// hash was already claimed — an at-most-once guard against concurrent or
// re-entrant runs reviewing the same diff twice.
func (s *JSONStateStore) ClaimReview(owner, repo string, pr int, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(owner, repo, pr)
	e := s.entries[k]
	if e.Claimed && e.ClaimedHash == hash {
		return false, nil
	}
	e.Claimed = true
	e.ClaimedHash = hash
	s.entries[k] = e
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// FinalizeReview releases the claim, allowing a future diff change on the
// same PR to be claimed again.
func (s *JSONStateStore) FinalizeReview(owner, repo string, pr int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(owner, repo, pr)
	e := s.entries[k]
	e.Claimed = false
	s.entries[k] = e
	return s.persistLocked()
}

// GetLastReviewedSha returns the head SHA actually reviewed last time.
func (s *JSONStateStore) GetLastReviewedSha(owner, repo string, pr int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key(owner, repo, pr)]
	if !ok || e.LastReviewedSha == "" {
		return "", false
	}
	return e.LastReviewedSha, true
}

// SetLastReviewedSha records the head SHA actually reviewed.
func (s *JSONStateStore) SetLastReviewedSha(owner, repo string, pr int, sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(owner, repo, pr)
	e := s.entries[k]
	e.LastReviewedSha = sha
	s.entries[k] = e
	return s.persistLocked()
}

// Finalize runs the fixed three-call ordering the pipeline requires after a
// successful post: setLastHash, then setLastReviewedSha, then
// finalizeReview (spec.md §4.10 step 14).
func Finalize(s Store, owner, repo string, pr int, hash, reviewedSha string) error {
	if err := s.SetLastHash(owner, repo, pr, hash); err != nil {
		return err
	}
	if err := s.SetLastReviewedSha(owner, repo, pr, reviewedSha); err != nil {
		return err
	}
	return s.FinalizeReview(owner, repo, pr)
}
