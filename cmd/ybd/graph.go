package main

import (
	"flag"
	"fmt"

	"github.com/nuxeh/ybd/internal/definition"
	"github.com/nuxeh/ybd/internal/graphview"
	"github.com/nuxeh/ybd/internal/runctx"
)

// runGraph is the read-only `ybd graph <target>` diagnostic: it reports
// build order and flags cycles, but never builds anything and never
// breaks a cycle to keep going (spec.md §4 supplemental feature).
func runGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
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
	report, err := graphview.Build(loader, fs.Arg(0))
	if err != nil {
		return err
	}
	for _, path := range report.Order {
		fmt.Println(path)
	}
	return nil
}
