package kbas

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nuxeh/ybd"
	"github.com/nuxeh/ybd/internal/runctx"
	"github.com/nuxeh/ybd/internal/store"
	"github.com/nuxeh/ybd/internal/ybderr"
)

func newTestClient(t *testing.T, url string) (*Client, *store.Store) {
	t.Helper()
	rc := runctx.New()
	rc.KBASURL = url
	st := store.New(t.TempDir())
	return New(rc, st), st
}

func TestTryGetHitStoresArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get/gcc.deadbeef" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("fake archive bytes"))
	}))
	defer srv.Close()

	c, st := newTestClient(t, srv.URL)
	hit, err := c.TryGet(context.Background(), "gcc.deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("expected a hit")
	}
	if !st.Has("gcc.deadbeef") {
		t.Error("expected the downloaded artifact to be stored")
	}
	if !c.RunCtx.RemoteEnabled() {
		t.Error("remote should remain enabled after a clean hit")
	}
}

func TestTryGetMissDoesNotDisableRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	hit, err := c.TryGet(context.Background(), "gcc.deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Fatal("expected a miss")
	}
	if !c.RunCtx.RemoteEnabled() {
		t.Error("a plain 404 miss must not disable the remote")
	}
}

func TestTryGetUnexpectedStatusDisablesRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	hit, err := c.TryGet(context.Background(), "gcc.deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Fatal("expected a miss")
	}
	if c.RunCtx.RemoteEnabled() {
		t.Error("an unexpected status must disable the remote for the rest of the run")
	}
}

func TestTryGetTransportFailureDisablesRemote(t *testing.T) {
	c, _ := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.TryGet(context.Background(), "gcc.deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if c.RunCtx.RemoteEnabled() {
		t.Error("a transport failure must disable the remote")
	}
}

func writeArchive(t *testing.T, st *store.Store, key string) {
	t.Helper()
	dir := t.TempDir()
	install := filepath.Join(dir, "install")
	if err := os.MkdirAll(install, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(install, "file"), []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(key, dir, ybd.KindChunk); err != nil {
		t.Fatal(err)
	}
}

func TestTryPushSkipsNonUploadableKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should never be called for a system kind")
	}))
	defer srv.Close()

	c, st := newTestClient(t, srv.URL)
	writeArchive(t, st, "image.deadbeef")
	if err := c.TryPush(context.Background(), "image.deadbeef", ybd.KindSystem); err != nil {
		t.Fatal(err)
	}
}

func TestTryPushAcceptedIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(201)
	}))
	defer srv.Close()

	c, st := newTestClient(t, srv.URL)
	writeArchive(t, st, "gcc.deadbeef")
	if err := c.TryPush(context.Background(), "gcc.deadbeef", ybd.KindChunk); err != nil {
		t.Fatal(err)
	}
}

func TestTryPushAlreadyPresentRecordsReproduced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(777)
	}))
	defer srv.Close()

	c, st := newTestClient(t, srv.URL)
	writeArchive(t, st, "gcc.deadbeef")
	if err := c.TryPush(context.Background(), "gcc.deadbeef", ybd.KindChunk); err != nil {
		t.Fatal(err)
	}
	if len(c.RunCtx.Reproduced()) != 1 {
		t.Errorf("expected one reproduced pair recorded, got %d", len(c.RunCtx.Reproduced()))
	}
}

func TestTryPushConflictIsFatalOnlyInReproduceMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(405)
	}))
	defer srv.Close()

	c, st := newTestClient(t, srv.URL)
	writeArchive(t, st, "linux.deadbeef")
	c.RunCtx.Reproduce = true
	err := c.TryPush(context.Background(), "linux.deadbeef", ybd.KindStratum)
	if err == nil {
		t.Fatal("expected a RemoteConflict error in reproduce mode")
	}
	if !ybderr.Is(err, ybderr.KindRemoteConflict) {
		t.Errorf("expected KindRemoteConflict, got %v", err)
	}
}

func TestTryPushConflictIsIgnoredOutsideReproduceMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(405)
	}))
	defer srv.Close()

	c, st := newTestClient(t, srv.URL)
	writeArchive(t, st, "linux.deadbeef")
	if err := c.TryPush(context.Background(), "linux.deadbeef", ybd.KindStratum); err != nil {
		t.Fatalf("405 outside reproduce mode must not be fatal: %v", err)
	}
}
