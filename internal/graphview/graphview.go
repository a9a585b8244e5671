// Package graphview is a read-only build-order and cycle diagnostic
// over the definition graph, for `ybd graph <target>`. It is grounded on
// distri's internal/batch.go use of gonum.org/v1/gonum/graph — but
// unlike batch.go, which breaks cycles to keep scheduling alive, this
// package only ever reports: a cycle here is a fatal CycleDetected per
// spec.md §7, never something to route around silently.
package graphview

import (
	"fmt"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/nuxeh/ybd/internal/definition"
	"github.com/nuxeh/ybd/internal/ybderr"
)

// Report is the outcome of walking the graph rooted at target.
type Report struct {
	// Order lists definition paths in a valid build order (dependencies
	// before dependents), when the graph is acyclic.
	Order []string
}

// Build walks every content/build-depends edge reachable from target and
// returns a topological Report, or a *ybderr.Error of KindCycleDetected
// if the graph is not a DAG.
func Build(loader *definition.Loader, target string) (*Report, error) {
	g := simple.NewDirectedGraph()
	ids := map[string]int64{}
	paths := map[int64]string{}
	var nextID int64

	idFor := func(path string) int64 {
		if id, ok := ids[path]; ok {
			return id
		}
		id := nextID
		nextID++
		ids[path] = id
		paths[id] = path
		g.AddNode(simple.Node(id))
		return id
	}

	visited := map[string]bool{}
	var walk func(path string) error
	walk = func(path string) error {
		if visited[path] {
			return nil
		}
		visited[path] = true
		d, err := loader.Get(definition.RefPath(path))
		if err != nil {
			return err
		}
		from := idFor(path)
		for _, dep := range append(append([]string{}, d.BuildDepends...), d.Contents...) {
			to := idFor(dep)
			g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(target); err != nil {
		return nil, err
	}

	sorted, err := topo.Sort(g)
	if err != nil {
		if _, ok := err.(topo.Unorderable); ok {
			return nil, ybderr.New(ybderr.KindCycleDetected, fmt.Sprintf("cycle reachable from %s", target))
		}
		return nil, err
	}

	// topo.Sort orders dependents before dependencies for this edge
	// direction (F -> T meaning "depends on"); reverse so the report
	// reads leaves-first, matching the order the driver actually builds in.
	order := make([]string, len(sorted))
	for i, n := range sorted {
		order[len(sorted)-1-i] = paths[n.ID()]
	}
	return &Report{Order: order}, nil
}
