// Package layerplan combines a filesystem scan with an optional parent
// layer index to decide what actually needs to go into the new layer tar:
// unchanged entries are omitted (spec.md §4.6 dedup), changed or new
// entries are kept, and paths the parent had but the new scan no longer
// does become whiteouts. Grounded on new code; no example repo implements
// parent-aware layer diffing (the corpus reads/pushes layers, it does not
// build them from a filesystem diff), so this follows the whiteout
// convention documented in spec.md §3/§4.6 directly.
package layerplan

import (
	"reflect"
	"sort"
	"strings"

	"github.com/containers/ocibuild/internal/parentlayer"
	"github.com/containers/ocibuild/internal/tarlayer"
)

// Plan is the ordered, deduped sequence of entries to serialize into a
// layer tar. Empty means the layer has no content changes relative to its
// parent (spec.md §4.9's "empty_layer" history case).
type Plan struct {
	Entries []tarlayer.FsEntry
	Empty   bool
}

// Build compares scanned (already byte-ascending ordered, per fsscan.Scan)
// against parent (nil for a from-scratch image) and returns the entries
// the new layer must actually contain.
func Build(scanned []tarlayer.FsEntry, parent *parentlayer.Index) Plan {
	newPaths := make(map[string]bool, len(scanned))
	kept := make([]tarlayer.FsEntry, 0, len(scanned))

	for _, e := range scanned {
		newPaths[e.Path] = true
		if parent == nil {
			kept = append(kept, e)
			continue
		}
		if parentFP, ok := parent.Lookup(e.Path); ok && reflect.DeepEqual(parentFP, e.Fingerprint) {
			continue // unchanged relative to parent: omit
		}
		kept = append(kept, e)
	}

	if parent != nil {
		kept = append(kept, whiteouts(parent, newPaths, opaqueDirs(scanned))...)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Path < kept[j].Path })

	return Plan{Entries: kept, Empty: len(kept) == 0}
}

// opaqueDirs returns, for every tarlayer.KindOpaqueWhiteout marker fsscan
// found in the new scan, the directory it opaques. spec.md §4.6: a source
// layer's own opaque marker clears parent-side history for that subtree, so
// the planner must not also whiteout the individual paths the parent had
// there.
func opaqueDirs(scanned []tarlayer.FsEntry) map[string]bool {
	dirs := make(map[string]bool)
	for _, e := range scanned {
		if e.Kind != tarlayer.KindOpaqueWhiteout {
			continue
		}
		dir, _ := splitPath(e.Path)
		dirs[dir] = true
	}
	return dirs
}

// whiteouts finds parent paths absent from the new scan and emits the
// minimal set of whiteout markers: a whiteout on a directory implicitly
// deletes everything beneath it, so a path whose nearest missing ancestor
// is already whited needs no marker of its own. Paths under a directory the
// new scan itself opaques are skipped entirely: the opaque marker already
// supersedes the parent's contents there.
func whiteouts(parent *parentlayer.Index, newPaths map[string]bool, opaque map[string]bool) []tarlayer.FsEntry {
	missing := make([]string, 0)
	for _, p := range parent.Paths() {
		if !newPaths[p] && !underOpaqueDir(p, opaque) {
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)

	whited := make(map[string]bool, len(missing))
	var out []tarlayer.FsEntry

	for _, p := range missing {
		if ancestorWhited(p, whited) {
			continue
		}

		dir, base := splitPath(p)
		whiteoutPath := ".wh." + base
		if dir != "" {
			whiteoutPath = dir + "/" + whiteoutPath
		}

		out = append(out, tarlayer.FsEntry{
			Path: whiteoutPath,
			Kind: tarlayer.KindWhiteout,
			Mode: 0o644,
		})

		if fp, ok := parent.Lookup(p); ok && fp.Kind == tarlayer.KindDirectory {
			whited[p] = true
		}
	}

	return out
}

// underOpaqueDir reports whether p is dir itself or falls beneath it, for
// any dir the new scan marked opaque.
func underOpaqueDir(p string, opaque map[string]bool) bool {
	for dir := range opaque {
		if p == dir || strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

func ancestorWhited(p string, whited map[string]bool) bool {
	parts := strings.Split(p, "/")
	for i := 1; i < len(parts); i++ {
		if whited[strings.Join(parts[:i], "/")] {
			return true
		}
	}
	return false
}

func splitPath(p string) (dir, base string) {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}
