// Package assembly implements the Assembly Driver (spec.md §4.G): the
// recursive compose → assemble → build walk over the definition graph,
// with retry-on-lock-contention at the top level.
package assembly

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nuxeh/ybd"
	"github.com/nuxeh/ybd/internal/cachekey"
	"github.com/nuxeh/ybd/internal/definition"
	"github.com/nuxeh/ybd/internal/kbas"
	"github.com/nuxeh/ybd/internal/lock"
	"github.com/nuxeh/ybd/internal/runctx"
	"github.com/nuxeh/ybd/internal/sandbox"
	"github.com/nuxeh/ybd/internal/source"
	"github.com/nuxeh/ybd/internal/splitmeta"
	"github.com/nuxeh/ybd/internal/store"
	"github.com/nuxeh/ybd/internal/trace"
	"github.com/nuxeh/ybd/internal/ybderr"
)

// Driver owns every collaborator needed to build a definition graph.
type Driver struct {
	Loader  *definition.Loader
	Cache   *cachekey.Engine
	Store   *store.Store
	KBAS    *kbas.Client
	RunCtx  *runctx.Context
	Sandbox sandbox.Sandbox
	Source  source.Fetcher
	Meta    splitmeta.Writer

	rng *rand.Rand
}

func New(rc *runctx.Context, l *definition.Loader, ce *cachekey.Engine, st *store.Store, kb *kbas.Client, sb sandbox.Sandbox, src source.Fetcher, mw splitmeta.Writer) *Driver {
	return &Driver{
		Loader: l, Cache: ce, Store: st, KBAS: kb, RunCtx: rc,
		Sandbox: sb, Source: src, Meta: mw,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RunCompose drives the top-level retry loop around Compose (spec.md
// §4.G "Retry loop"): on a Retry signal, sleep a short bounded interval
// and re-invoke compose from the root. Cache keys are stable and
// Store.Has is checked first on every re-entry, so retrying is cheap and
// idempotent.
func (d *Driver) RunCompose(ctx context.Context, target string) (string, bool, error) {
	for {
		key, ok, err := d.Compose(ctx, definition.RefPath(target))
		if err == nil {
			return key, ok, nil
		}
		if _, isRetry := ybderr.AsRetry(err); isRetry {
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		return "", false, err
	}
}

// Compose implements compose(node) (spec.md §4.G).
func (d *Driver) Compose(ctx context.Context, ref definition.Ref) (string, bool, error) {
	node, err := d.Loader.Get(ref)
	if err != nil {
		return "", false, err
	}

	key, ok, err := d.Cache.Compute(ref)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}

	// keys-only mode only ever wants the recursive cache key, which
	// Cache.Compute above has already walked the whole graph to produce
	// (spec.md S1): no sandbox, no store, no archive.
	if d.RunCtx.Mode == ybd.ModeKeysOnly {
		return key, true, nil
	}

	if d.Store.Has(key) {
		return key, true, nil
	}

	// No local artifact: this definition needs to be built or fetched this
	// run (spec.md §4.G; Python cache.py increments tasks at this same
	// point, for every node lacking a local artifact).
	d.RunCtx.IncrementTasks()

	if d.RunCtx.RemoteEnabled() && !d.RunCtx.Reproduce && node.Kind == ybd.KindChunk {
		hit, err := d.tryRemote(ctx, key)
		if err != nil {
			return "", false, err
		}
		if hit {
			return key, true, nil
		}
	}

	if node.Arch != "" && node.Arch != d.RunCtx.Arch {
		return "", false, nil
	}

	buildDir := d.nodeDir(key)
	teardown, err := d.Sandbox.Setup(ctx, buildDir)
	if err != nil {
		return "", false, fmt.Errorf("assembly: sandbox setup %s: %w", key, err)
	}
	defer teardown()

	if err := d.assemble(ctx, node, buildDir); err != nil {
		return "", false, err
	}
	if err := d.build(ctx, node, key, buildDir); err != nil {
		return "", false, err
	}
	return key, true, nil
}

// tryRemote takes the per-key lock (converting contention into Retry)
// and asks KBAS for the artifact.
func (d *Driver) tryRemote(ctx context.Context, key string) (bool, error) {
	kl, err := lock.AcquireKey(d.RunCtx.Tmp, key)
	if err != nil {
		return false, err
	}
	defer kl.Release()

	if d.Store.Has(key) {
		return true, nil
	}
	return d.KBAS.TryGet(ctx, key)
}

func (d *Driver) nodeDir(key string) string {
	return filepath.Join(d.RunCtx.Tmp, "build", key)
}

// assemble implements spec.md §4.G assemble(node): only a cluster node,
// and only the lead worker (fork == 0), drives cluster-level system
// composition; everything else falls through untouched. (The source's
// dead shuffle-of-cluster-systems branch is deliberately not
// reproduced — see spec.md §9 Open Questions. Also note: §4.G's prose
// names this case by "system nodes", but §4.B's cache-key hashing and
// the data model both gate the systems tree on kind == cluster, and the
// S6 scenario describes a "Cluster with two systems" driving exactly
// this path — resolved here as kind == cluster, see DESIGN.md.)
func (d *Driver) assemble(ctx context.Context, node *definition.Definition, sandboxDir string) error {
	if node.Kind == ybd.KindCluster && d.RunCtx.Fork == 0 {
		if err := d.composeSystems(ctx, node.Systems); err != nil {
			return err
		}
	}
	return d.installContents(ctx, node, sandboxDir)
}

func (d *Driver) composeSystems(ctx context.Context, systems []definition.System) error {
	for _, s := range systems {
		if s.Path == "" {
			continue
		}
		if _, _, err := d.Compose(ctx, definition.RefPath(s.Path)); err != nil {
			return err
		}
		if err := d.composeSystems(ctx, s.Subsystems); err != nil {
			return err
		}
	}
	return nil
}

// installContents implements spec.md §4.G install_contents(node).
func (d *Driver) installContents(ctx context.Context, node *definition.Definition, sandboxDir string) error {
	contents := node.Contents
	if node.Kind != ybd.KindSystem && d.RunCtx.Instances > 1 {
		contents = d.shuffled(contents)
	}

	for _, ref := range contents {
		content, err := d.Loader.Get(definition.RefPath(ref))
		if err != nil {
			return err
		}
		if d.Meta.Exists(sandboxDir, content.Name) {
			continue
		}

		if node.Kind == ybd.KindSystem {
			if err := d.installSystemStratum(ctx, node, content, sandboxDir); err != nil {
				return err
			}
			continue
		}

		if err := d.installContents(ctx, content, sandboxDir); err != nil {
			return err
		}
		_, ok, err := d.Compose(ctx, definition.RefPath(ref))
		if err != nil {
			return err
		}
		if ok && content.BuildMode != ybd.BuildModeBootstrap {
			if err := d.installArtifact(ctx, content, sandboxDir); err != nil {
				return err
			}
		}
	}
	return nil
}

// installSystemStratum handles a system's content when it is a stratum
// entry: look up the matching stratum record by path and compose the
// content. Stratum artifacts are not split into sub-artifacts: with no
// `artifacts` selector the whole artifact is installed; with one, the
// whole artifact is installed only if the selector lists the content's
// own name, and nothing is installed otherwise.
func (d *Driver) installSystemStratum(ctx context.Context, system *definition.Definition, content *definition.Definition, sandboxDir string) error {
	var selector []string
	for _, st := range system.Strata {
		if st.Path == content.Path {
			selector = st.Artifacts
			break
		}
	}

	_, ok, err := d.Compose(ctx, definition.RefPath(content.Path))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if len(selector) == 0 {
		return d.installArtifact(ctx, content, sandboxDir)
	}
	for _, name := range selector {
		if name == content.Name {
			return d.installArtifact(ctx, content, sandboxDir)
		}
	}
	return nil
}

func (d *Driver) installArtifact(ctx context.Context, content *definition.Definition, sandboxDir string) error {
	if content.Cache == "" {
		return nil
	}
	unpacked := filepath.Join(d.Store.Dir, content.Cache, content.Cache+".unpacked")
	return d.Sandbox.InstallArtifact(ctx, sandboxDir, unpacked)
}

func (d *Driver) shuffled(refs []string) []string {
	out := make([]string, len(refs))
	copy(out, refs)
	d.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// installDependencies implements spec.md §4.G install_dependencies(node),
// called by build for chunks only. staged tracks refs already installed
// this call tree so a diamond dependency is only staged once.
//
// component is held fixed across the whole recursive walk: the
// staging-vs-bootstrap filter always compares against the node that
// originally requested the dependency install, never against whichever
// dep the recursion currently happens to be walking (Python assembly.py
// install(defs, component, dependency.get('build-depends')) keeps
// component fixed the same way).
func (d *Driver) installDependencies(ctx context.Context, node *definition.Definition, sandboxDir string, staged map[string]bool) error {
	return d.installDepsOf(ctx, node, node, sandboxDir, staged)
}

func (d *Driver) installDepsOf(ctx context.Context, component *definition.Definition, walk *definition.Definition, sandboxDir string, staged map[string]bool) error {
	for _, ref := range walk.BuildDepends {
		if staged[ref] {
			continue
		}
		dep, err := d.Loader.Get(definition.RefPath(ref))
		if err != nil {
			return err
		}

		if err := d.installDepsOf(ctx, component, dep, sandboxDir, staged); err != nil {
			return err
		}

		directDep := stringInSlice(component.BuildDepends, ref)
		if directDep || dep.BuildMode == component.BuildMode {
			if _, ok, err := d.Compose(ctx, definition.RefPath(ref)); err != nil {
				return err
			} else if ok {
				if err := d.installArtifact(ctx, dep, sandboxDir); err != nil {
					return err
				}
			}
		}
		staged[ref] = true

		if len(dep.Contents) > 0 {
			if err := d.installContentsAsDependencies(ctx, component, dep, sandboxDir, staged); err != nil {
				return err
			}
		}
	}
	return nil
}

// installContentsAsDependencies recurses into a dependency's own
// contents list using the same staging rules as build-depends (spec.md
// §4.G install_dependencies, "If the dep has contents, recurse into
// them as well"), still comparing against the fixed component.
func (d *Driver) installContentsAsDependencies(ctx context.Context, component *definition.Definition, node *definition.Definition, sandboxDir string, staged map[string]bool) error {
	return d.installDepsOf(ctx, component, &definition.Definition{BuildDepends: node.Contents}, sandboxDir, staged)
}

func stringInSlice(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// build implements spec.md §4.G build(node).
func (d *Driver) build(ctx context.Context, node *definition.Definition, key string, buildDir string) error {
	if d.Store.Has(key) {
		return nil
	}

	kl, err := lock.AcquireKey(d.RunCtx.Tmp, key)
	if err != nil {
		return err
	}
	defer kl.Release()

	if d.Store.Has(key) {
		return nil
	}

	if node.Kind == ybd.KindChunk {
		if err := d.installDependencies(ctx, node, buildDir, map[string]bool{}); err != nil {
			return err
		}
	}

	if err := d.runBuild(ctx, node, buildDir); err != nil {
		return err
	}

	if err := d.Meta.Write(buildDir, splitmeta.Meta{
		Name:     node.Name,
		Kind:     string(node.Kind),
		Cache:    key,
		Contents: node.Contents,
	}); err != nil {
		return err
	}

	if err := d.Store.Put(key, buildDir, node.Kind); err != nil {
		return err
	}

	return d.KBAS.TryPush(ctx, key, node.Kind)
}

// runBuild implements spec.md §4.G run_build(node).
func (d *Driver) runBuild(ctx context.Context, node *definition.Definition, buildDir string) error {
	if d.RunCtx.Mode == ybd.ModeNoBuild {
		return os.MkdirAll(filepath.Join(buildDir, "install"), 0755)
	}

	if node.BuildMode != ybd.BuildModeBootstrap {
		if err := d.Sandbox.Ldconfig(ctx, buildDir); err != nil {
			return err
		}
	}

	var env []string
	if node.Repo != "" {
		checkoutDir := filepath.Join(buildDir, "build")
		commitTime, err := d.Source.Checkout(ctx, node.Repo, node.Ref, checkoutDir)
		if err != nil {
			return ybderr.Wrap(ybderr.KindSandboxFailure, node.Path, err)
		}
		env = append(env, fmt.Sprintf("SOURCE_DATE_EPOCH=%d", commitTime))
	}

	if node.Kind == ybd.KindSystem {
		cmds, err := d.gatherIntegrationCommands(node)
		if err != nil {
			return err
		}
		node.SetStepCommands("install-commands", cmds)
	} else {
		resolveBuildSteps(node, filepath.Join(buildDir, "build"))
	}

	for _, step := range definition.StepNames {
		cmds := node.StepCommands(step)
		allowParallel := strings.Contains(step, "build")
		for _, cmd := range cmds {
			ev := trace.Event(node.Name+":"+step, d.RunCtx.Fork)
			err := d.Sandbox.Run(ctx, buildDir, cmd, env, allowParallel)
			ev.Done()
			if err != nil {
				return ybderr.Wrap(ybderr.KindSandboxFailure, node.Path, err)
			}
		}
	}

	if len(node.Devices) > 0 {
		if err := d.Sandbox.CreateDevices(ctx, buildDir, node.Devices); err != nil {
			return err
		}
	}
	return nil
}
