package assembly

import (
	"sort"

	"github.com/nuxeh/ybd/internal/definition"
)

// gatherIntegrationCommands recursively collects system-integration
// command sequences from node's contents, keyed "<name>-<product>", and
// returns them concatenated in asciibetical order of that composite key
// (spec.md §4.G run_build).
func (d *Driver) gatherIntegrationCommands(node *definition.Definition) ([]string, error) {
	type keyed struct {
		key      string
		commands []string
	}
	var collected []keyed

	var walk func(n *definition.Definition) error
	walk = func(n *definition.Definition) error {
		for product, names := range n.SystemIntegration {
			for name, cmds := range names {
				collected = append(collected, keyed{key: name + "-" + product, commands: cmds})
			}
		}
		for _, ref := range n.Contents {
			child, err := d.Loader.Get(definition.RefPath(ref))
			if err != nil {
				return err
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(node); err != nil {
		return nil, err
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].key < collected[j].key })

	var out []string
	for _, k := range collected {
		out = append(out, k.commands...)
	}
	return out, nil
}
