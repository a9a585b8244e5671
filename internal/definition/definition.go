// Package definition loads the heterogeneous tree of component definitions
// (clusters, systems, strata, chunks) and exposes a read-only, by-reference
// lookup over them. It is pure: it does not run commands and does not touch
// the cache (spec.md §4.A).
package definition

import (
	"fmt"

	"github.com/nuxeh/ybd"
)

// CacheState is the explicit three-state replacement for the Python
// source's stringly-typed "calculating" sentinel (spec.md Design Notes #9).
type CacheState int

const (
	CacheUnset CacheState = iota
	CacheInProgress
	CacheComputed
)

// BuildStep is one named step in the fixed build-command order
// (spec.md §4.G "Ordering and tie-breaks").
type BuildStep struct {
	Name     string
	Commands []string
}

// StepNames is the fixed, ordered list of build steps every definition may
// define. It is the single source of truth for step order: the cache-key
// engine and the build driver both iterate it.
var StepNames = []string{
	"pre-configure-commands",
	"configure-commands",
	"pre-build-commands",
	"build-commands",
	"pre-install-commands",
	"install-commands",
	"post-install-commands",
}

// System describes one entry in a cluster's "systems" tree, or a
// subsystem thereof.
type System struct {
	Path       string
	Subsystems []System
	Deploy     map[string]interface{}
}

// Stratum describes one entry in a system's "strata" sequence.
type Stratum struct {
	Path      string
	Artifacts []string
}

// Definition is one node of the build graph (spec.md §3).
type Definition struct {
	Name         string
	Path         string
	Kind         ybd.Kind
	Arch         string
	Repo         string
	Ref          string
	UnpetrifyRef string

	BuildSystem string
	Steps       []BuildStep // only the steps that are set, in the order set; look up via StepCommands

	BuildDepends []string // reference keys, resolved via Loader.Get
	Contents     []string

	Systems           []System
	Strata            []Stratum
	SystemIntegration map[string]map[string][]string // product -> name -> commands

	Devices   []map[string]interface{}
	BuildMode ybd.BuildMode

	Submodules string

	// Raw holds the unnormalized document, for fields this engine does not
	// interpret (spec.md §6 "Unknown fields are ignored").
	Raw map[string]interface{}

	// Transient runtime fields, reset at the start of every run
	// (spec.md Design Notes #9).
	CacheState CacheState
	Cache      string // valid only when CacheState == CacheComputed
	Tree       string

	// inline marks a Definition materialized from an inline map (e.g. a
	// cluster's system entry) rather than loaded from a path on disk.
	inline bool
}

// StepCommands returns the commands for the named step, or nil if the step
// is unset on this definition.
func (d *Definition) StepCommands(name string) []string {
	for _, s := range d.Steps {
		if s.Name == name {
			return s.Commands
		}
	}
	return nil
}

// SetStepCommands sets (or replaces) the commands for the named step.
func (d *Definition) SetStepCommands(name string, commands []string) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			d.Steps[i].Commands = commands
			return
		}
	}
	d.Steps = append(d.Steps, BuildStep{Name: name, Commands: commands})
}

// ErrNotFound is returned by Loader.Get for an unknown path — fatal per
// spec.md §7 (DefinitionMissing).
type ErrNotFound struct {
	Ref string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("definition: no definition found for %q", e.Ref)
}
