// Package runctx centralizes the configuration and run-scoped counters that
// spec.md §6 requires, as a single value passed explicitly to every
// component rather than global mutable state (spec.md Design Notes #9).
package runctx

import (
	"os"
	"sync"

	"github.com/nuxeh/ybd"
)

// DefaultRoot is the fallback definitions root, analogous to distri's
// DISTRIROOT environment variable lookup.
func DefaultRoot() string {
	if v := os.Getenv("YBDROOT"); v != "" {
		return v
	}
	return os.ExpandEnv("$HOME/ybd")
}

// Context is the run-scoped configuration and mutable counters shared by
// every component. Each peer worker spawned by the coordinator owns its own
// Context pointing at the same shared filesystem paths (spec.md §9).
type Context struct {
	// Configuration, fixed for the duration of a run.
	Arch             string
	Target           string
	DefDir           string
	Tmp              string
	Artifacts        string
	Mode             ybd.RunMode
	Instances        int
	Fork             int
	KBASURL          string
	KBASPassword     string
	MinGigabytes     int
	ArtifactVersion  string
	Reproduce        bool
	CacheLog         string
	LogVerbose       bool

	// Mutable counters, read by reporting only; each worker's copy is
	// independent (spec.md §5 "Shared-resource policy").
	mu         sync.Mutex
	total      int
	tasks      int
	keys       map[string]bool
	reproduced []ReproducedPair
}

// ReproducedPair records a (md5, cache key) pair confirmed bit-for-bit
// identical to the remote's copy (spec.md §4.D, 777 status).
type ReproducedPair struct {
	MD5 string
	Key string
}

// New returns a Context with sane defaults, analogous to distri's env
// package resolving DISTRIROOT.
func New() *Context {
	return &Context{
		Arch:         "amd64",
		DefDir:       DefaultRoot(),
		Tmp:          os.TempDir(),
		Artifacts:    DefaultRoot() + "/artifacts",
		Mode:         ybd.ModeNormal,
		Instances:    1,
		MinGigabytes: 10,
		keys:         make(map[string]bool),
	}
}

// Clone returns an independent Context sharing the same configuration and
// filesystem paths but with its own counters, for a peer worker instance.
func (c *Context) Clone(fork int) *Context {
	clone := *c
	clone.Fork = fork
	clone.mu = sync.Mutex{}
	clone.keys = make(map[string]bool)
	clone.reproduced = nil
	return &clone
}

func (c *Context) IncrementTotal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
}

func (c *Context) IncrementTasks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks++
}

func (c *Context) AddKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = true
}

// LiveKeys returns the set of cache keys visited so far this run — the set
// eviction must never delete from (spec.md §4.E).
func (c *Context) LiveKeys() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.keys))
	for k := range c.keys {
		out[k] = true
	}
	return out
}

func (c *Context) RecordReproduced(md5, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reproduced = append(c.reproduced, ReproducedPair{MD5: md5, Key: key})
}

func (c *Context) Reproduced() []ReproducedPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ReproducedPair, len(c.reproduced))
	copy(out, c.reproduced)
	return out
}

func (c *Context) Counters() (total, tasks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.tasks
}

// DisableRemote clears the KBAS URL, matching spec.md §4.D "Any failure
// disables the remote for the rest of the run".
func (c *Context) DisableRemote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.KBASURL = ""
}

func (c *Context) RemoteEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.KBASURL != ""
}

// URL returns the current KBAS base URL, or "" if the remote has been
// disabled (e.g. after a failed request this run).
func (c *Context) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.KBASURL
}
