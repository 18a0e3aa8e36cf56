package specmodel

// ResolvedSpec has the same shape as UnresolvedSpec except Dependencies is
// a list of references to peer ResolvedSpecs (no cycles) with
// a parallel DepDoneCriteria slice. |Dependencies| == |DepDoneCriteria| is
// an invariant enforced by the builder at construction time.
type ResolvedSpec struct {
	UnresolvedSpec

	ID ID `json:"id"`

	Dependencies    []*ResolvedSpec `json:"-"` // graph edges; serialized as IDs, see store package
	DepDoneCriteria []string        `json:"dep_done_criteria,omitempty"`
}

// DependencyIDs returns the IDs of Dependencies, in order, for
// serialization or logging.
func (r *ResolvedSpec) DependencyIDs() []ID {
	ids := make([]ID, len(r.Dependencies))
	for i, d := range r.Dependencies {
		ids[i] = d.ID
	}
	return ids
}

// CheckInvariant validates |Dependencies| == |DepDoneCriteria|.
func (r *ResolvedSpec) CheckInvariant() error {
	if len(r.Dependencies) != len(r.DepDoneCriteria) {
		return errDepCriteriaMismatch{specID: r.ID, deps: len(r.Dependencies), crit: len(r.DepDoneCriteria)}
	}
	return nil
}

type errDepCriteriaMismatch struct {
	specID     ID
	deps, crit int
}

func (e errDepCriteriaMismatch) Error() string {
	return "spec " + string(e.specID) + ": dependencies/dep_done_criteria length mismatch"
}
