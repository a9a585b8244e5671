// Command ybd is the build orchestrator's CLI entry point: dispatches to
// the build, gc, graph, and save-trees subcommands and wires the global
// flags into an internal/runctx.Context (spec.md §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nuxeh/ybd"
	"github.com/nuxeh/ybd/internal/oninterrupt"
	"github.com/nuxeh/ybd/internal/runctx"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	sub := os.Args[1]
	args := os.Args[2:]

	var err error
	switch sub {
	case "build":
		err = runBuild(args)
	case "gc":
		err = runGC(args)
	case "graph":
		err = runGraph(args)
	case "save-trees":
		err = runSaveTrees(args)
	default:
		usage()
		os.Exit(2)
	}

	if atErr := ybd.RunAtExit(); atErr != nil && err == nil {
		err = atErr
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ybd %s: %v\n", sub, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ybd <build|gc|graph|save-trees> [flags] <target>")
}

// globalFlags populates a runctx.Context from the flag set shared by
// every subcommand (spec.md §6 "CLI/config surface"). The returned
// func must be called after fs.Parse to apply the mode flag, since
// ybd.RunMode is a string type flag.StringVar can't target directly.
func globalFlags(fs *flag.FlagSet, rc *runctx.Context) func() {
	fs.StringVar(&rc.Arch, "arch", rc.Arch, "target architecture")
	fs.StringVar(&rc.DefDir, "defdir", rc.DefDir, "definitions root directory")
	fs.StringVar(&rc.Tmp, "tmp", rc.Tmp, "scratch/lock directory")
	fs.StringVar(&rc.Artifacts, "artifacts", rc.Artifacts, "artifact store directory")
	fs.IntVar(&rc.Instances, "instances", rc.Instances, "number of peer worker instances")
	fs.StringVar(&rc.KBASURL, "kbas-url", rc.KBASURL, "remote cache base URL (empty disables)")
	fs.StringVar(&rc.KBASPassword, "kbas-password", rc.KBASPassword, "remote cache upload password")
	fs.IntVar(&rc.MinGigabytes, "min-gigabytes", rc.MinGigabytes, "minimum free space to maintain")
	fs.StringVar(&rc.ArtifactVersion, "artifact-version", rc.ArtifactVersion, "artifact-version override")
	fs.BoolVar(&rc.Reproduce, "reproduce", rc.Reproduce, "fail on remote content mismatch for strata")
	fs.StringVar(&rc.CacheLog, "cache-log", rc.CacheLog, "optional cache-key log file")
	fs.BoolVar(&rc.LogVerbose, "log-verbose", rc.LogVerbose, "verbose logging")

	mode := fs.String("mode", string(rc.Mode), "normal | no-build | keys-only")
	return func() { rc.Mode = parseMode(*mode) }
}

func parseMode(s string) ybd.RunMode {
	switch s {
	case "no-build":
		return ybd.ModeNoBuild
	case "keys-only":
		return ybd.ModeKeysOnly
	default:
		return ybd.ModeNormal
	}
}

// baseContext builds an interruptible context and registers the process
// lock release as a SIGINT cleanup handler (spec.md §5 "Cancellation").
func baseContext(rc *runctx.Context, releaseLock func() error) context.Context {
	ctx, _ := ybd.InterruptibleContext()
	oninterrupt.Register(func() {
		if releaseLock != nil {
			releaseLock()
		}
	})
	return ctx
}
