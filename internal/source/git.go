package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

type gitFetcher struct{}

// ResolveTree returns the commit id that `git ls-remote` reports for ref
// when the remote answers; that is a commit hash, not a tree hash. Only
// when ls-remote fails does it return the tree id from a local rev-parse.
func (g *gitFetcher) ResolveTree(ctx context.Context, repo, ref string) (string, error) {
	out, err := runGit(ctx, "", "ls-remote", repo, ref)
	if err == nil {
		if fields := strings.Fields(out); len(fields) > 0 {
			return fields[0], nil
		}
	}
	// Fall back to rev-parse against an already-local clone/cache.
	out, err = runGit(ctx, repo, "rev-parse", ref+"^{tree}")
	if err != nil {
		return "", fmt.Errorf("source: resolving tree for %s@%s: %w", repo, ref, err)
	}
	return strings.TrimSpace(out), nil
}

func (g *gitFetcher) Checkout(ctx context.Context, repo, ref, dir string) (int64, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("source: mkdir %s: %w", dir, err)
	}
	if _, err := runGit(ctx, dir, "init"); err != nil {
		return 0, fmt.Errorf("source: init %s: %w", dir, err)
	}
	if _, err := runGit(ctx, dir, "fetch", "--depth=1", repo, ref); err != nil {
		return 0, fmt.Errorf("source: fetch %s@%s: %w", repo, ref, err)
	}
	if _, err := runGit(ctx, dir, "checkout", "FETCH_HEAD"); err != nil {
		return 0, fmt.Errorf("source: checkout %s@%s: %w", repo, ref, err)
	}
	out, err := runGit(ctx, dir, "log", "-1", "--format=%ct")
	if err != nil {
		return 0, fmt.Errorf("source: commit time %s@%s: %w", repo, ref, err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("source: parsing commit time: %w", err)
	}
	return ts, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%v: %s", err, out.String())
	}
	return out.String(), nil
}
