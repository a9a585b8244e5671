package lock

import (
	"testing"

	"github.com/nuxeh/ybd/internal/ybderr"
)

// TestAcquireKeyContentionIsRetry covers the conversion half of spec.md
// §4.F: a peer holding the lock causes the second acquirer to observe a
// *ybderr.Retry, never a bare error.
func TestAcquireKeyContentionIsRetry(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireKey(dir, "gcc.abcdef")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	_, err = AcquireKey(dir, "gcc.abcdef")
	if err == nil {
		t.Fatal("expected contention error, got nil")
	}
	if _, ok := ybderr.AsRetry(err); !ok {
		t.Errorf("expected *ybderr.Retry, got %T: %v", err, err)
	}
}

func TestAcquireKeyReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireKey(dir, "gcc.abcdef")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	second, err := AcquireKey(dir, "gcc.abcdef")
	if err != nil {
		t.Fatalf("second acquire after release: %v", err)
	}
	second.Release()
}

func TestProcessLockSharedAcrossHolders(t *testing.T) {
	dir := t.TempDir()

	a, err := AcquireProcessLock(dir)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer a.Release()

	b, err := AcquireProcessLock(dir)
	if err != nil {
		t.Fatalf("acquire b (shared locks must not contend): %v", err)
	}
	b.Release()
}
