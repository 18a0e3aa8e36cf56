package build

import (
	"path/filepath"
	"sort"

	"github.com/sandialabs/canary/internal/specmodel"
)

// draft pairs an UnresolvedSpec with its computed ID so later steps never
// recompute it.
type draft struct {
	id   specmodel.ID
	spec *specmodel.UnresolvedSpec
}

// peerIndex implements : the two maps used to resolve
// dependency patterns against peers before falling back to a glob scan.
type peerIndex struct {
	byID               map[specmodel.ID]*draft
	byName             map[string][]specmodel.ID
	byFamily           map[string][]specmodel.ID
	byDisplayName      map[string][]specmodel.ID
	byDisplayNameDone  map[string][]specmodel.ID
	byFilePath         map[string][]specmodel.ID
	all                []*draft
}

func buildPeerIndex(drafts []*draft) *peerIndex {
	idx := &peerIndex{
		byID:              make(map[specmodel.ID]*draft, len(drafts)),
		byName:            make(map[string][]specmodel.ID),
		byFamily:          make(map[string][]specmodel.ID),
		byDisplayName:     make(map[string][]specmodel.ID),
		byDisplayNameDone: make(map[string][]specmodel.ID),
		byFilePath:        make(map[string][]specmodel.ID),
		all:               drafts,
	}
	for _, d := range drafts {
		idx.byID[d.id] = d
		idx.byName[d.spec.Name()] = append(idx.byName[d.spec.Name()], d.id)
		idx.byFamily[d.spec.Family] = append(idx.byFamily[d.spec.Family], d.id)
		dn := specmodel.DisplayName(d.spec.Family, d.spec.Parameters, specmodel.StylePlain)
		idx.byDisplayName[dn] = append(idx.byDisplayName[dn], d.id)
		// "display_name(plain, resolved=True)" in is the
		// same plain display name computed once dependencies are known to
		// be resolvable; since display name is a pure function of
		// (family, parameters) it's identical to the unresolved form, so
		// both indices are populated from the same key deliberately.
		idx.byDisplayNameDone[dn] = append(idx.byDisplayNameDone[dn], d.id)
		idx.byFilePath[d.spec.FilePath] = append(idx.byFilePath[d.spec.FilePath], d.id)
	}
	return idx
}

// exactMatch looks up pattern across the unique/non-unique indices,
// returning the matching peer IDs ("exact hits on
// unique or non-unique maps").
func (idx *peerIndex) exactMatch(pattern string) []specmodel.ID {
	if d, ok := idx.byID[specmodel.ID(pattern)]; ok {
		return []specmodel.ID{d.id}
	}
	for _, m := range []map[string][]specmodel.ID{idx.byName, idx.byFamily, idx.byDisplayName, idx.byDisplayNameDone, idx.byFilePath} {
		if ids, ok := m[pattern]; ok {
			return ids
		}
	}
	return nil
}

// globMatch falls back to an fnmatch scan over every peer.
func (idx *peerIndex) globMatch(pattern string) []specmodel.ID {
	var out []specmodel.ID
	for _, d := range idx.all {
		candidates := []string{
			string(d.id), d.spec.Name(), d.spec.Family,
			specmodel.DisplayName(d.spec.Family, d.spec.Parameters, specmodel.StylePlain),
			d.spec.FilePath,
		}
		for _, c := range candidates {
			if ok, _ := filepath.Match(pattern, c); ok {
				out = append(out, d.id)
				break
			}
		}
	}
	return out
}

// dedupeIDs removes duplicate IDs while preserving first-seen order:
// duplicates matched within one dependency pattern are excluded.
func dedupeIDs(ids []specmodel.ID) []specmodel.ID {
	seen := make(map[specmodel.ID]bool, len(ids))
	out := make([]specmodel.ID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortIDs(ids []specmodel.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
