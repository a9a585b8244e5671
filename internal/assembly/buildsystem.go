package assembly

import (
	"os"

	"github.com/nuxeh/ybd/internal/definition"
)

// predefinedBuildSystems is the table of named command sets a chunk can
// select via build-system, or that autodetection falls back to (spec.md
// §4.G "inherit from the predefined build-system"). Kept as a single pure
// data table plus a pure lookup function, per spec.md Design Notes
// "Command autodetection... a single pure function so it can be unit
// tested in isolation".
var predefinedBuildSystems = map[string]map[string][]string{
	"manual": {},
	"autotools": {
		"configure-commands": {"./configure --prefix=/usr"},
		"build-commands":     {"make"},
		"install-commands":   {"make DESTDIR=\"$DESTDIR\" install"},
	},
	"cmake": {
		"configure-commands": {"cmake -DCMAKE_INSTALL_PREFIX=/usr ."},
		"build-commands":     {"make"},
		"install-commands":   {"make DESTDIR=\"$DESTDIR\" install"},
	},
	"python-distutils": {
		"build-commands":   {"python setup.py build"},
		"install-commands": {"python setup.py install --root=\"$DESTDIR\""},
	},
	"make": {
		"build-commands":   {"make"},
		"install-commands": {"make DESTDIR=\"$DESTDIR\" install"},
	},
}

// buildSystemCommands returns the predefined command set for name, or nil
// if name is unrecognized.
func buildSystemCommands(name string) map[string][]string {
	return predefinedBuildSystems[name]
}

// autodetectBuildSystem inspects the checked-out file list in dir and
// returns the name of a predefined build system, or "manual" if nothing
// matches (spec.md §4.G "autodetected from the checked-out file list").
// Pure with respect to its input slice so it can be tested without a
// filesystem.
func autodetectBuildSystem(files []string) string {
	has := func(name string) bool {
		for _, f := range files {
			if f == name {
				return true
			}
		}
		return false
	}
	switch {
	case has("CMakeLists.txt"):
		return "cmake"
	case has("configure"):
		return "autotools"
	case has("setup.py"):
		return "python-distutils"
	case has("Makefile"):
		return "make"
	default:
		return "manual"
	}
}

// listDir is the filesystem-touching wrapper around autodetectBuildSystem.
func listDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// resolveBuildSteps fills any build step left unset on d by inheriting
// from its build-system (explicit, or autodetected from buildDir).
func resolveBuildSteps(d *definition.Definition, buildDir string) {
	name := d.BuildSystem
	if name == "" {
		name = autodetectBuildSystem(listDir(buildDir))
	}
	table := buildSystemCommands(name)
	for _, step := range definition.StepNames {
		if d.StepCommands(step) != nil {
			continue
		}
		if cmds, ok := table[step]; ok {
			d.SetStepCommands(step, cmds)
		}
	}
}
