// Package recoverysource provides the cascade of strategies for obtaining a
// local checkout of a PR's head commit when the host client's diff alone
// isn't enough (e.g. framework-marker detection needs a real file tree).
package recoverysource

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Source resolves a local, read-only checkout path for (owner, repo, ref).
type Source interface {
	Prepare(ctx context.Context, owner, repo, cloneURL, ref string) (string, error)
}

// MountRecoverySource serves from a pre-mounted, already-checked-out
// working tree (e.g. a CI workspace mount); it never shells out.
type MountRecoverySource struct {
	Root string
}

func (m *MountRecoverySource) Prepare(ctx context.Context, owner, repo, cloneURL, ref string) (string, error) {
	path := filepath.Join(m.Root, owner, repo)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("recoverysource: mount not found at %s: %w", path, err)
	}
	return path, nil
}

// GitRecoverySource performs a shallow clone into a scratch directory,
// adapted from the teacher's repository-preparation shell-out.
type GitRecoverySource struct {
	Log     zerolog.Logger
	TempDir string
}

func (g *GitRecoverySource) Prepare(ctx context.Context, owner, repo, cloneURL, ref string) (string, error) {
	base := g.TempDir
	if base == "" {
		base = os.TempDir()
	}
	dest := filepath.Join(base, fmt.Sprintf("%s-%s-%s", owner, repo, ref))
	_ = os.RemoveAll(dest)

	g.Log.Debug().Str("clone_url", cloneURL).Str("dest", dest).Msg("cloning repository for recovery")

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth=1", "--branch", ref, cloneURL, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		g.Log.Error().Err(err).Str("output", string(out)).Msg("git clone failed")
		return "", fmt.Errorf("recoverysource: git clone failed: %w", err)
	}
	return dest, nil
}

// TemplateRecoverySource serves a static, bundled template tree, used when
// neither a mount nor network clone is available (e.g. offline tests).
type TemplateRecoverySource struct {
	TemplateRoot string
}

func (t *TemplateRecoverySource) Prepare(ctx context.Context, owner, repo, cloneURL, ref string) (string, error) {
	if t.TemplateRoot == "" {
		return "", fmt.Errorf("recoverysource: no template root configured")
	}
	return t.TemplateRoot, nil
}

// Cascade tries each source in order, returning the first success.
type Cascade struct {
	Sources []Source
}

func (c *Cascade) Prepare(ctx context.Context, owner, repo, cloneURL, ref string) (string, error) {
	var lastErr error
	for _, s := range c.Sources {
		path, err := s.Prepare(ctx, owner, repo, cloneURL, ref)
		if err == nil {
			return path, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("recoverysource: all sources failed: %w", lastErr)
}
