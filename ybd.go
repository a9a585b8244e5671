// Package ybd contains the small set of types shared across every internal
// package: the definition Kind and BuildMode enums that the rest of the
// engine branches on.
package ybd

// Kind is the kind of a definition node in the build graph.
type Kind string

const (
	KindChunk   Kind = "chunk"
	KindStratum Kind = "stratum"
	KindSystem  Kind = "system"
	KindCluster Kind = "cluster"
)

// NormalizeKind returns kind, or KindChunk if kind is empty (the documented
// default when a definition omits "kind").
func NormalizeKind(kind string) Kind {
	if kind == "" {
		return KindChunk
	}
	return Kind(kind)
}

// BuildMode distinguishes a staged dependency (installed into the consumer's
// sandbox) from a bootstrap one (used only for its own bootstrap chain).
type BuildMode string

const (
	BuildModeStaging   BuildMode = "staging"
	BuildModeBootstrap BuildMode = "bootstrap"
)

// NormalizeBuildMode returns mode, or BuildModeStaging if mode is empty.
func NormalizeBuildMode(mode string) BuildMode {
	if mode == "" {
		return BuildModeStaging
	}
	return BuildMode(mode)
}

// RunMode selects the top-level behavior of a run.
type RunMode string

const (
	ModeNormal   RunMode = "normal"
	ModeNoBuild  RunMode = "no-build"
	ModeKeysOnly RunMode = "keys-only"
)
