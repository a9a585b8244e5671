package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"

	"github.com/nuxeh/ybd"
	"gopkg.in/yaml.v3"
)

// Loader owns the arena of Definitions for one run, keyed by canonical path.
// References between definitions are by path, never by pointer ownership,
// so the arena is the single source of truth (spec.md Design Notes
// "Recursive graph with shared nodes").
type Loader struct {
	root string

	mu      sync.Mutex
	arena   map[string]*Definition
	inlines []*Definition // inline definitions, kept alive but not path-keyed
}

// NewLoader returns a Loader rooted at defdir.
func NewLoader(defdir string) *Loader {
	return &Loader{
		root:  defdir,
		arena: make(map[string]*Definition),
	}
}

// Ref is either a path string (resolved against the loader's root and
// cached in the arena) or an inline document (materialized fresh every
// call, per spec.md 4.A: "inline maps are returned as-is").
type Ref struct {
	Path   string
	Inline map[string]interface{}
}

// RefPath builds a string Ref.
func RefPath(path string) Ref { return Ref{Path: path} }

// RefInline builds an inline-map Ref.
func RefInline(m map[string]interface{}) Ref { return Ref{Inline: m} }

// Get resolves ref, reading and normalizing the backing file on first
// access to a given path. Unknown paths are fatal (spec.md §4.A, §7
// DefinitionMissing).
func (l *Loader) Get(ref Ref) (*Definition, error) {
	if ref.Inline != nil {
		d, err := l.fromDoc(ref.Inline, "<inline>")
		if err != nil {
			return nil, err
		}
		d.inline = true
		l.mu.Lock()
		l.inlines = append(l.inlines, d)
		l.mu.Unlock()
		return d, nil
	}
	return l.getPath(ref.Path)
}

func (l *Loader) getPath(path string) (*Definition, error) {
	l.mu.Lock()
	if d, ok := l.arena[path]; ok {
		l.mu.Unlock()
		return d, nil
	}
	l.mu.Unlock()

	full := filepath.Join(l.root, path)
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, &ErrNotFound{Ref: path}
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("definition: parsing %s: %w", path, err)
	}
	d, err := l.fromDoc(doc, path)
	if err != nil {
		return nil, err
	}
	d.Path = path

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.arena[path]; ok {
		// Lost a race against a concurrent loader; the arena is per-process
		// so this only happens under test doubles, but keep it harmless.
		return existing, nil
	}
	l.arena[path] = d
	return d, nil
}

// All returns every definition currently materialized in the arena
// (path-backed only), for save_trees.
func (l *Loader) All() []*Definition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Definition, 0, len(l.arena))
	for _, d := range l.arena {
		out = append(out, d)
	}
	return out
}

func stringOr(m map[string]interface{}, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func stringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

// refSlice normalizes a contents/build-depends list: bare strings are path
// references, maps are inline definitions (spec.md §4.A normalization).
func refSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch t := it.(type) {
		case string:
			out = append(out, t)
		case map[string]interface{}:
			// Inline child definition: only a synthesized reference string
			// is recorded. The map itself is not loaded into the arena, so
			// Loader.Get on that reference reports ErrNotFound.
			out = append(out, inlinePath(t))
		}
	}
	return out
}

func inlinePath(m map[string]interface{}) string {
	if name, ok := m["name"].(string); ok {
		return "<inline>/" + name
	}
	return fmt.Sprintf("<inline>/%p", &m)
}

func (l *Loader) fromDoc(doc map[string]interface{}, path string) (*Definition, error) {
	d := &Definition{
		Name:        stringOr(doc, "name", filepath.Base(path)),
		Kind:        ybd.NormalizeKind(stringOr(doc, "kind", "")),
		Arch:        stringOr(doc, "arch", ""),
		Repo:        stringOr(doc, "repo", ""),
		Ref:         stringOr(doc, "ref", ""),
		UnpetrifyRef: stringOr(doc, "unpetrify-ref", ""),
		BuildSystem: stringOr(doc, "build-system", ""),
		Submodules:  stringOr(doc, "submodules", ""),
		BuildMode:   ybd.NormalizeBuildMode(stringOr(doc, "build-mode", "")),
		Raw:         doc,
	}
	if v, ok := doc["tree"]; ok {
		if s, ok := v.(string); ok {
			d.Tree = s
		}
	}

	for _, step := range StepNames {
		if v, ok := doc[step]; ok {
			if cmds := stringSlice(v); cmds != nil {
				d.SetStepCommands(step, cmds)
			}
		}
	}

	if v, ok := doc["build-depends"]; ok {
		d.BuildDepends = refSlice(v)
	}
	if v, ok := doc["contents"]; ok {
		d.Contents = refSlice(v)
	}

	if v, ok := doc["systems"]; ok {
		systems, err := parseSystems(v)
		if err != nil {
			return nil, fmt.Errorf("definition: %s: systems: %w", path, err)
		}
		d.Systems = systems
	}

	if v, ok := doc["strata"]; ok {
		strata, err := parseStrata(v)
		if err != nil {
			return nil, fmt.Errorf("definition: %s: strata: %w", path, err)
		}
		d.Strata = strata
	}

	if v, ok := doc["system-integration"]; ok {
		si, err := parseSystemIntegration(v)
		if err != nil {
			return nil, fmt.Errorf("definition: %s: system-integration: %w", path, err)
		}
		d.SystemIntegration = si
	}

	if v, ok := doc["devices"]; ok {
		if items, ok := v.([]interface{}); ok {
			for _, it := range items {
				if m, ok := it.(map[string]interface{}); ok {
					d.Devices = append(d.Devices, m)
				}
			}
		}
	}

	return d, nil
}

func parseSystems(v interface{}) ([]System, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]System, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		s := System{Path: stringOr(m, "path", "")}
		if dep, ok := m["deploy"].(map[string]interface{}); ok {
			s.Deploy = dep
		}
		if sub, ok := m["subsystems"]; ok {
			subs, err := parseSystems(sub)
			if err != nil {
				return nil, err
			}
			s.Subsystems = subs
		}
		out = append(out, s)
	}
	return out, nil
}

func parseStrata(v interface{}) ([]Stratum, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]Stratum, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		st := Stratum{Path: stringOr(m, "path", "")}
		if a, ok := m["artifacts"]; ok {
			st.Artifacts = stringSlice(a)
		}
		out = append(out, st)
	}
	return out, nil
}

func parseSystemIntegration(v interface{}) (map[string]map[string][]string, error) {
	top, ok := v.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	out := make(map[string]map[string][]string, len(top))
	for product, names := range top {
		nm, ok := names.(map[string]interface{})
		if !ok {
			continue
		}
		inner := make(map[string][]string, len(nm))
		for name, cmds := range nm {
			inner[name] = stringSlice(cmds)
		}
		out[product] = inner
	}
	return out, nil
}

// SaveTrees persists resolved tree values for every loaded chunk back to
// its source file, so subsequent runs skip repo resolution (spec.md
// §4.A, §6 "Persisted state").
func (l *Loader) SaveTrees() error {
	for _, d := range l.All() {
		if d.inline || d.Kind != ybd.KindChunk || d.Tree == "" || d.Repo == "" {
			continue
		}
		full := filepath.Join(l.root, d.Path)
		b, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("definition: save-trees: reading %s: %w", d.Path, err)
		}
		var doc map[string]interface{}
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("definition: save-trees: parsing %s: %w", d.Path, err)
		}
		if existing, _ := doc["tree"].(string); existing == d.Tree {
			continue
		}
		doc["tree"] = d.Tree
		out, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("definition: save-trees: encoding %s: %w", d.Path, err)
		}
		if err := renameio.WriteFile(full, out, 0644); err != nil {
			return fmt.Errorf("definition: save-trees: writing %s: %w", d.Path, err)
		}
	}
	return nil
}
