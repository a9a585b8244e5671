package main

import (
	"flag"
	"fmt"

	"github.com/nuxeh/ybd/internal/evict"
	"github.com/nuxeh/ybd/internal/runctx"
)

// runGC runs eviction standalone, against an empty live-key set (i.e.
// nothing from the current invocation is protected), distinct from the
// per-build eviction pass in runBuild. Like that pass, it deletes oldest
// entries only until -min-gigabytes of free space is reached.
func runGC(args []string) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	rc := runctx.New()
	applyMode := globalFlags(fs, rc)
	if err := fs.Parse(args); err != nil {
		return err
	}
	applyMode()

	if err := evict.Run(rc.Artifacts, map[string]bool{}, rc.MinGigabytes); err != nil {
		return err
	}
	fmt.Printf("ybd gc: reclaimed artifacts to reach %d GB free under %s\n", rc.MinGigabytes, rc.Artifacts)
	return nil
}
