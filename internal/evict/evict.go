// Package evict implements the free-space-based culling of local
// artifacts described in spec.md §4.E: two explicitly separate LRU
// passes, never touching the current run's live-key set.
package evict

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nuxeh/ybd/internal/ybderr"
	"golang.org/x/sys/unix"
)

// FreeBytes reports free space on the filesystem containing dir.
func FreeBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("evict: statfs %s: %w", dir, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

type entry struct {
	name    string
	path    string
	modTime int64
}

func listSortedByAge(dir string, suffix string) ([]entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("evict: reading %s: %w", dir, err)
	}
	var out []entry
	for _, de := range des {
		if suffix != "" && !strings.HasSuffix(de.Name(), suffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, entry{name: de.Name(), path: filepath.Join(dir, de.Name()), modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].modTime < out[j].modTime })
	return out, nil
}

// atomicRemoveAll moves path aside before deleting it, so a concurrent
// reader never observes a partially-deleted tree (spec.md §4.E).
func atomicRemoveAll(path string) error {
	tmp := path + fmt.Sprintf(".evicting.%d", os.Getpid())
	if err := os.Rename(path, tmp); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.RemoveAll(tmp)
}

// keyFromUnpackedName strips the ".unpacked" suffix from an unpacked
// directory's own name to recover its owning key (e.g. "foo.abcd.unpacked").
func keyFromUnpackedName(name string) string {
	return strings.TrimSuffix(name, ".unpacked")
}

// unpackedPass is eviction's first pass: remove extracted "<key>.unpacked/"
// trees whose key is not in the live set. It does not touch the archive
// itself, only its lazily-materialized unpacked copy.
func unpackedPass(artifactsDir string, live map[string]bool, minFree uint64) error {
	keyDirs, err := os.ReadDir(artifactsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("evict: reading %s: %w", artifactsDir, err)
	}

	var unpacked []entry
	for _, kd := range keyDirs {
		if !kd.IsDir() {
			continue
		}
		found, err := listSortedByAge(filepath.Join(artifactsDir, kd.Name()), ".unpacked")
		if err != nil {
			return err
		}
		unpacked = append(unpacked, found...)
	}
	sort.Slice(unpacked, func(i, j int) bool { return unpacked[i].modTime < unpacked[j].modTime })

	for _, e := range unpacked {
		free, err := FreeBytes(artifactsDir)
		if err != nil {
			return err
		}
		if free >= minFree {
			return nil
		}
		key := keyFromUnpackedName(e.name)
		if live[key] {
			continue
		}
		if err := atomicRemoveAll(e.path); err != nil {
			return fmt.Errorf("evict: removing %s: %w", e.path, err)
		}
	}
	return nil
}

// artifactPass is eviction's second pass: remove whole "<key>/" entries
// (archive, md5, and any unpacked sibling) not in the live set.
func artifactPass(artifactsDir string, live map[string]bool, minFree uint64) error {
	keyDirs, err := listSortedByAge(artifactsDir, "")
	if err != nil {
		return err
	}
	for _, e := range keyDirs {
		free, err := FreeBytes(artifactsDir)
		if err != nil {
			return err
		}
		if free >= minFree {
			return nil
		}
		if live[e.name] {
			continue
		}
		if err := atomicRemoveAll(e.path); err != nil {
			return fmt.Errorf("evict: removing %s: %w", e.path, err)
		}
	}
	return nil
}

// Run performs both passes in order, stopping early once minGigabytes of
// free space is reached. If the artifact pass still leaves the volume
// under threshold, the run aborts with a ybderr.KindNoSpace error (spec.md
// §4.E, §7).
func Run(artifactsDir string, live map[string]bool, minGigabytes int) error {
	minFree := uint64(minGigabytes) * 1 << 30

	free, err := FreeBytes(artifactsDir)
	if err != nil {
		return err
	}
	if free >= minFree {
		return nil
	}

	if err := unpackedPass(artifactsDir, live, minFree); err != nil {
		return err
	}

	free, err = FreeBytes(artifactsDir)
	if err != nil {
		return err
	}
	if free >= minFree {
		return nil
	}

	if err := artifactPass(artifactsDir, live, minFree); err != nil {
		return err
	}

	free, err = FreeBytes(artifactsDir)
	if err != nil {
		return err
	}
	if free < minFree {
		return ybderr.New(ybderr.KindNoSpace, fmt.Sprintf("only %d bytes free after eviction, need %d", free, minFree))
	}
	return nil
}
