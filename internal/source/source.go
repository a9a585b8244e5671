// Package source defines the contract for source-repository resolution.
// spec.md scopes the repo fetcher out ("contracted-interface only"):
// this is the Go interface plus a minimal git-shell-out reference
// implementation.
package source

import "context"

// Fetcher resolves and checks out chunk source trees.
type Fetcher interface {
	// ResolveTree returns the content hash of repo at ref (spec.md §3
	// "tree: resolved content hash of the source tree at ref").
	ResolveTree(ctx context.Context, repo, ref string) (tree string, err error)

	// Checkout materializes repo at ref into dir and returns the
	// commit's timestamp, for SOURCE_DATE_EPOCH (spec.md §4.G run_build).
	Checkout(ctx context.Context, repo, ref, dir string) (commitUnixTime int64, err error)
}

// New returns the reference Fetcher: shells out to git. It assumes repo
// is a local path or a URL git itself understands.
func New() Fetcher {
	return &gitFetcher{}
}
