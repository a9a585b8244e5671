package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/nuxeh/ybd"
	"github.com/nuxeh/ybd/internal/assembly"
	"github.com/nuxeh/ybd/internal/cachekey"
	"github.com/nuxeh/ybd/internal/coordinator"
	"github.com/nuxeh/ybd/internal/definition"
	"github.com/nuxeh/ybd/internal/evict"
	"github.com/nuxeh/ybd/internal/kbas"
	"github.com/nuxeh/ybd/internal/lock"
	"github.com/nuxeh/ybd/internal/runctx"
	"github.com/nuxeh/ybd/internal/sandbox"
	"github.com/nuxeh/ybd/internal/source"
	"github.com/nuxeh/ybd/internal/splitmeta"
	"github.com/nuxeh/ybd/internal/store"
	"github.com/nuxeh/ybd/internal/trace"
)

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	rc := runctx.New()
	applyMode := globalFlags(fs, rc)
	traceEnabled := fs.Bool("trace", false, "write a Chrome-trace-format event log to $TMPDIR/ybd.traces")
	if err := fs.Parse(args); err != nil {
		return err
	}
	applyMode()
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one target, got %d", fs.NArg())
	}
	rc.Target = fs.Arg(0)

	if *traceEnabled {
		if err := trace.Enable(rc.Target); err != nil {
			return fmt.Errorf("enabling trace: %w", err)
		}
	}

	if coordinator.IsPeer() {
		rc.Fork = coordinator.ForkIndex()
	}

	pl, err := lock.AcquireProcessLock(rc.Tmp)
	if err != nil {
		return err
	}
	defer pl.Release()

	ctx := baseContext(rc, pl.Release)

	loader := definition.NewLoader(rc.DefDir)
	cacheEngine := &cachekey.Engine{Loader: loader, RunCtx: rc, ArtifactVersion: rc.ArtifactVersion}
	st := store.New(rc.Artifacts)
	kb := kbas.New(rc, st)
	driver := assembly.New(rc, loader, cacheEngine, st, kb, sandbox.New(), source.New(), splitmeta.New())

	buildRoot := filepath.Join(rc.Tmp, "build")
	ybd.RegisterAtExit(func() error {
		return os.RemoveAll(buildRoot)
	})

	if rc.Fork == 0 && !coordinator.IsPeer() {
		// Populate the live-key set before eviction runs, so eviction never
		// culls an artifact this run is about to need (Testable Property 8;
		// Python __main__.py computes cache_key(target) before calling
		// cull). Compute walks the whole target graph and records every key
		// it touches via RunCtx.AddKey, exactly as Compose would.
		if _, _, err := cacheEngine.Compute(definition.RefPath(rc.Target)); err != nil {
			return err
		}
		if err := evict.Run(rc.Artifacts, rc.LiveKeys(), rc.MinGigabytes); err != nil {
			return err
		}
	}

	var peers []*exec.Cmd
	if rc.Fork == 0 && !coordinator.IsPeer() && rc.Instances > 1 {
		peers, err = coordinator.SpawnPeers(rc.Instances)
		if err != nil {
			return err
		}
	}

	key, ok, composeErr := driver.RunCompose(ctx, rc.Target)

	if len(peers) > 0 {
		if waitErr := coordinator.WaitAll(peers); waitErr != nil && composeErr == nil {
			composeErr = waitErr
		}
	}
	if composeErr != nil {
		return composeErr
	}
	if !ok {
		return fmt.Errorf("target %s is not buildable for arch %s", rc.Target, rc.Arch)
	}

	if rc.Mode == ybd.ModeKeysOnly {
		if err := os.WriteFile("ybd.result", []byte(key+"\n"), 0644); err != nil {
			return err
		}
	}

	total, tasks := rc.Counters()
	if rc.LogVerbose {
		fmt.Fprintf(os.Stderr, "ybd: target %s key %s (total=%d tasks=%d)\n", rc.Target, key, total, tasks)
	}
	return nil
}
