package main

import (
	"flag"
	"fmt"

	"github.com/nuxeh/ybd/internal/definition"
	"github.com/nuxeh/ybd/internal/runctx"
)

// runSaveTrees loads every definition reachable from target and calls
// Loader.SaveTrees (spec.md §4.A save_trees, §6 "Persisted state"). It
// does not resolve any tree itself: the only Tree values on the freshly
// loaded definitions are those read from their files, and SaveTrees skips
// a value equal to the one already on disk.
func runSaveTrees(args []string) error {
	fs := flag.NewFlagSet("save-trees", flag.ExitOnError)
	rc := runctx.New()
	applyMode := globalFlags(fs, rc)
	if err := fs.Parse(args); err != nil {
		return err
	}
	applyMode()
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one target, got %d", fs.NArg())
	}

	loader := definition.NewLoader(rc.DefDir)
	if _, err := loader.Get(definition.RefPath(fs.Arg(0))); err != nil {
		return err
	}
	if err := loadReachable(loader, fs.Arg(0), map[string]bool{}); err != nil {
		return err
	}
	return loader.SaveTrees()
}

func loadReachable(loader *definition.Loader, path string, seen map[string]bool) error {
	if seen[path] {
		return nil
	}
	seen[path] = true
	d, err := loader.Get(definition.RefPath(path))
	if err != nil {
		return err
	}
	for _, ref := range append(append([]string{}, d.BuildDepends...), d.Contents...) {
		if err := loadReachable(loader, ref, seen); err != nil {
			return err
		}
	}
	return nil
}
