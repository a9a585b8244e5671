package assembly

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

// fakeSandbox is a minimal in-memory Sandbox for driver tests: it never
// actually runs a shell, it just records what it was asked to do and
// drops a marker file so build steps are observable.
type fakeSandbox struct {
	mu       sync.Mutex
	commands []string
	runErr   error
}

func (f *fakeSandbox) Setup(ctx context.Context, dir string) (func() error, error) {
	if err := os.MkdirAll(filepath.Join(dir, "install"), 0755); err != nil {
		return nil, err
	}
	return func() error { return nil }, nil
}

func (f *fakeSandbox) Run(ctx context.Context, dir string, command string, env []string, allowParallel bool) error {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}
	marker := filepath.Join(dir, "install", "ran")
	return os.WriteFile(marker, []byte(command+"\n"), 0644)
}

func (f *fakeSandbox) InstallArtifact(ctx context.Context, dir string, unpackedTree string) error {
	return nil
}

func (f *fakeSandbox) Ldconfig(ctx context.Context, dir string) error { return nil }

func (f *fakeSandbox) CreateDevices(ctx context.Context, dir string, devices []map[string]interface{}) error {
	return nil
}

func (f *fakeSandbox) ranCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// fakeSource never touches the network; Checkout just mkdirs its target.
type fakeSource struct{}

func (fakeSource) ResolveTree(ctx context.Context, repo, ref string) (string, error) {
	return "faketree", nil
}

func (fakeSource) Checkout(ctx context.Context, repo, ref, dir string) (int64, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	return 1700000000, nil
}
