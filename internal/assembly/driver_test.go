package assembly

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/nuxeh/ybd"
	"github.com/nuxeh/ybd/internal/cachekey"
	"github.com/nuxeh/ybd/internal/definition"
	"github.com/nuxeh/ybd/internal/kbas"
	"github.com/nuxeh/ybd/internal/runctx"
	"github.com/nuxeh/ybd/internal/splitmeta"
	"github.com/nuxeh/ybd/internal/store"
	"github.com/nuxeh/ybd/internal/ybderr"
)

func writeDef(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

type testRig struct {
	driver  *Driver
	sandbox *fakeSandbox
	store   *store.Store
	rc      *runctx.Context
}

func newTestRig(t *testing.T, defdir string) *testRig {
	t.Helper()
	rc := runctx.New()
	rc.Arch = "amd64"
	rc.DefDir = defdir
	rc.Tmp = t.TempDir()
	rc.Artifacts = t.TempDir()

	l := definition.NewLoader(defdir)
	ce := &cachekey.Engine{Loader: l, RunCtx: rc}
	st := store.New(rc.Artifacts)
	kb := kbas.New(rc, st)
	sb := &fakeSandbox{}
	d := New(rc, l, ce, st, kb, sb, fakeSource{}, splitmeta.New())
	return &testRig{driver: d, sandbox: sb, store: st, rc: rc}
}

var hexKey = regexp.MustCompile(`^c\.[0-9a-f]{64}$`)

// TestComposeKeysOnlyProducesNoArchive covers spec.md scenario S1.
func TestComposeKeysOnlyProducesNoArchive(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "chunks/c.def", "name: c\nkind: chunk\nbuild-system: manual\n")

	rig := newTestRig(t, dir)
	rig.rc.Mode = ybd.ModeKeysOnly

	key, ok, err := rig.driver.Compose(context.Background(), definition.RefPath("chunks/c.def"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a buildable key")
	}
	if !hexKey.MatchString(key) {
		t.Errorf("unexpected key shape: %q", key)
	}
	if rig.store.Has(key) {
		t.Error("keys-only mode must not produce an archive")
	}
	if len(rig.sandbox.ranCommands()) != 0 {
		t.Errorf("keys-only mode must not run any sandbox commands, ran %v", rig.sandbox.ranCommands())
	}
}

// TestComposeNoBuildModeProducesLiteralKeyAndEmptyArchive covers S2.
func TestComposeNoBuildModeProducesLiteralKeyAndEmptyArchive(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "chunks/a.def", "name: a\nkind: chunk\nbuild-commands:\n  - make\n")
	writeDef(t, dir, "chunks/b.def", "name: b\nkind: chunk\nbuild-commands:\n  - make\n")
	writeDef(t, dir, "strata/s.def", "name: s\nkind: stratum\ncontents:\n  - chunks/a.def\n  - chunks/b.def\n")

	rig := newTestRig(t, dir)
	rig.rc.Mode = ybd.ModeNoBuild

	key, ok, err := rig.driver.Compose(context.Background(), definition.RefPath("strata/s.def"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a buildable key")
	}
	if key != "no-build" {
		t.Errorf("expected literal no-build key, got %q", key)
	}
	if !rig.store.Has("no-build") {
		t.Error("expected an empty archive under the no-build key")
	}
	if len(rig.sandbox.ranCommands()) != 0 {
		t.Errorf("no-build mode must never run a real build command, ran %v", rig.sandbox.ranCommands())
	}

	// Re-running must be a pure cache hit: compose again and confirm no
	// new sandbox activity occurs.
	key2, ok2, err := rig.driver.Compose(context.Background(), definition.RefPath("strata/s.def"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok2 || key2 != key {
		t.Errorf("re-run should be a stable cache hit, got key=%q ok=%v", key2, ok2)
	}
}

// TestComposeRemoteHitSkipsSandbox covers S3.
func TestComposeRemoteHitSkipsSandbox(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "chunks/c.def", "name: c\nkind: chunk\nbuild-commands:\n  - make\n")

	// Discover the exact key a real run would compute, using a throwaway
	// engine over the same definitions, then pre-populate an archive the
	// fake KBAS server will serve back for that key.
	probe := newTestRig(t, dir)
	key, ok, err := probe.driver.Cache.Compute(definition.RefPath("chunks/c.def"))
	if err != nil || !ok {
		t.Fatalf("probe compute: %v ok=%v", err, ok)
	}

	remoteArtifacts := t.TempDir()
	remoteStore := store.New(remoteArtifacts)
	payload := t.TempDir()
	if err := os.MkdirAll(filepath.Join(payload, "install"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(payload, "install", "bin"), []byte("binary"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := remoteStore.Put(key, payload, ybd.KindChunk); err != nil {
		t.Fatal(err)
	}
	archivePath, _, err := remoteStore.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	archiveBytes, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/get/"+key {
			w.WriteHeader(http.StatusOK)
			w.Write(archiveBytes)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rig := newTestRig(t, dir)
	rig.rc.KBASURL = srv.URL

	gotKey, ok, err := rig.driver.Compose(context.Background(), definition.RefPath("chunks/c.def"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || gotKey != key {
		t.Fatalf("expected remote hit with key %q, got %q ok=%v", key, gotKey, ok)
	}
	if len(rig.sandbox.ranCommands()) != 0 {
		t.Errorf("a remote hit must never invoke the sandbox, ran %v", rig.sandbox.ranCommands())
	}
	if !rig.store.Has(key) {
		t.Error("expected the downloaded artifact to land in the local store")
	}
	total, tasks := rig.rc.Counters()
	if total != 1 {
		t.Errorf("expected total == 1, got %d", total)
	}
	if tasks != 1 {
		t.Errorf("expected tasks == 1 for the remote hit, got %d", tasks)
	}
}

// TestComposeReproduceConflictIsFatal covers S5.
func TestComposeReproduceConflictIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "strata/t.def", "name: t\nkind: stratum\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/upload" {
			w.WriteHeader(405)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rig := newTestRig(t, dir)
	rig.rc.KBASURL = srv.URL
	rig.rc.Reproduce = true

	_, _, err := rig.driver.Compose(context.Background(), definition.RefPath("strata/t.def"))
	if err == nil {
		t.Fatal("expected a RemoteConflict error")
	}
	if !ybderr.Is(err, ybderr.KindRemoteConflict) {
		t.Errorf("expected KindRemoteConflict, got %v", err)
	}
}

// TestAssembleClusterSystemsLeadOnly covers S6: only fork == 0 composes
// cluster-level systems.
func TestAssembleClusterSystemsLeadOnly(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "systems/sys1.def", "name: sys1\nkind: system\n")
	writeDef(t, dir, "clusters/c.def", "name: c\nkind: cluster\nsystems:\n  - path: systems/sys1.def\n")

	expected := newTestRig(t, dir)
	sysKey, ok, err := expected.driver.Cache.Compute(definition.RefPath("systems/sys1.def"))
	if err != nil || !ok {
		t.Fatalf("computing expected system key: %v ok=%v", err, ok)
	}

	lead := newTestRig(t, dir)
	lead.rc.Fork = 0
	if _, _, err := lead.driver.Compose(context.Background(), definition.RefPath("clusters/c.def")); err != nil {
		t.Fatal(err)
	}
	if !lead.store.Has(sysKey) {
		t.Error("the lead worker (fork == 0) must compose cluster systems")
	}

	peer := newTestRig(t, dir)
	peer.rc.Fork = 1
	if _, _, err := peer.driver.Compose(context.Background(), definition.RefPath("clusters/c.def")); err != nil {
		t.Fatal(err)
	}
	if peer.store.Has(sysKey) {
		t.Error("a non-lead peer (fork != 0) must not compose cluster systems")
	}
}
