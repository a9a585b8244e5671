// Package cachekey computes the recursive content hash described in
// spec.md §4.B: a definition's cache key depends on its own build
// inputs plus the cache keys of everything it transitively references.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/renameio"

	"github.com/nuxeh/ybd"
	"github.com/nuxeh/ybd/internal/definition"
	"github.com/nuxeh/ybd/internal/runctx"
	"github.com/nuxeh/ybd/internal/ybderr"
)

// Engine computes and caches definition.cache fields against a single
// Loader's arena (spec.md §4.B).
type Engine struct {
	Loader *definition.Loader
	RunCtx *runctx.Context

	// ArtifactVersion, when non-empty, is folded into the hash factors
	// (spec.md §4.B step 7).
	ArtifactVersion string

	cacheLogMu sync.Mutex
	cacheList  map[string]string
}

// noBuildKey is the literal key every definition gets in no-build mode.
// "Not buildable on this arch" (spec.md's "⊥") has no sentinel value:
// Compute returns (key, true) on success and ("", false) for it.
const noBuildKey = "no-build"

// Compute implements cache_key(defs, node) (spec.md §4.B).
func (e *Engine) Compute(ref definition.Ref) (string, bool, error) {
	d, err := e.Loader.Get(ref)
	if err != nil {
		return "", false, err
	}
	return e.computeDef(d)
}

func (e *Engine) computeDef(d *definition.Definition) (string, bool, error) {
	switch d.CacheState {
	case definition.CacheInProgress:
		return "", false, ybderr.New(ybderr.KindCycleDetected, d.Path)
	case definition.CacheComputed:
		if d.Cache == "" {
			// Computed but bottom: arch mismatch was already determined.
			return "", false, nil
		}
		return d.Cache, true, nil
	}

	if d.Arch != "" && d.Arch != e.RunCtx.Arch {
		d.CacheState = definition.CacheComputed
		d.Cache = ""
		return "", false, nil
	}

	d.CacheState = definition.CacheInProgress

	// Step 6: Compute does not resolve trees and holds no source.Fetcher.
	// d.Tree is whatever the definition file carried; a definition with a
	// repo but no tree in its file contributes no "tree" factor.

	factors := map[string]interface{}{
		"arch": e.RunCtx.Arch,
	}

	depKeys, err := e.refKeys(d.BuildDepends)
	if err != nil {
		return "", false, err
	}
	if len(depKeys) > 0 {
		factors["build-depends"] = depKeys
	}

	contentKeys, err := e.refKeys(d.Contents)
	if err != nil {
		return "", false, err
	}
	if len(contentKeys) > 0 {
		factors["contents"] = contentKeys
	}

	if d.Tree != "" {
		factors["tree"] = d.Tree
	}
	if d.Submodules != "" {
		factors["submodules"] = d.Submodules
	}
	for _, step := range definition.StepNames {
		if cmds := d.StepCommands(step); cmds != nil {
			factors[step] = cmds
		}
	}

	if d.Kind == ybd.KindCluster {
		systems := map[string]interface{}{}
		if err := e.hashSystems(d.Systems, systems); err != nil {
			return "", false, err
		}
		factors["systems"] = systems
	}

	if e.ArtifactVersion != "" {
		factors["artifact-version"] = e.ArtifactVersion
	}

	digest, err := serialize(factors)
	if err != nil {
		return "", false, err
	}

	key := d.Name + "." + digest
	if e.RunCtx.Mode == ybd.ModeNoBuild {
		key = noBuildKey
	}

	d.Cache = key
	d.CacheState = definition.CacheComputed
	e.RunCtx.IncrementTotal()
	e.RunCtx.AddKey(key)

	if e.RunCtx.CacheLog != "" {
		if err := e.logCacheKey(d); err != nil {
			return "", false, err
		}
	}

	return key, true, nil
}

// logCacheKey mirrors Python cache.py's cache_list bookkeeping: every
// computed name/key pair accumulates into one running map, which is
// rewritten to RunCtx.CacheLog in full each time a system's key is
// computed (so the file always reflects every definition catalogued for
// that system so far).
func (e *Engine) logCacheKey(d *definition.Definition) error {
	e.cacheLogMu.Lock()
	defer e.cacheLogMu.Unlock()

	if e.cacheList == nil {
		e.cacheList = map[string]string{}
	}
	e.cacheList[d.Name] = d.Cache

	if d.Kind != ybd.KindSystem {
		return nil
	}

	out, err := json.MarshalIndent(e.cacheList, "", "    ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(e.RunCtx.CacheLog, out, 0644)
}

// hashSystems walks a cluster's systems/subsystems tree, recursively
// computing the cache key of every referenced system path (spec.md §4.B
// step 7's "BROKEN" literal preserved verbatim for missing paths).
func (e *Engine) hashSystems(systems []definition.System, out map[string]interface{}) error {
	for _, s := range systems {
		if s.Path == "" {
			out["BROKEN"] = "BROKEN"
			continue
		}
		key, ok, err := e.Compute(definition.RefPath(s.Path))
		if err != nil {
			return err
		}
		if ok {
			out[s.Path] = key
		} else {
			out[s.Path] = nil
		}
		if len(s.Subsystems) > 0 {
			sub := map[string]interface{}{}
			if err := e.hashSystems(s.Subsystems, sub); err != nil {
				return err
			}
			out[s.Path+"/subsystems"] = sub
		}
	}
	return nil
}

// refKeys resolves a build-depends/contents list to its members' cache
// keys, keyed by reference path so permuting an equal set leaves the
// serialized map unchanged (spec.md Testable Property 3).
func (e *Engine) refKeys(refs []string) (map[string]interface{}, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(refs))
	for _, r := range refs {
		key, ok, err := e.Compute(definition.RefPath(r))
		if err != nil {
			return nil, err
		}
		if ok {
			out[r] = key
		} else {
			out[r] = nil
		}
	}
	return out, nil
}

// serialize produces the deterministic, sorted-key JSON encoding of the
// hash-factor map and returns its SHA-256 hex digest. encoding/json
// already sorts map[string]T keys lexicographically, which is sufficient
// for the determinism requirement in spec.md §4.B step 8. Slice-valued
// factors (step commands) keep their order.
func serialize(factors map[string]interface{}) (string, error) {
	b, err := json.Marshal(factors)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// sortedKeys returns the keys of a factor map in lexicographic order, the
// same order encoding/json writes them in. Nothing calls it at present.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
