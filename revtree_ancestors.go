package revdb

import "slices"

// CommonAncestor returns the nearest revision that is an ancestor of (or
// equal to) both a and b, or nil if they share none.
func (t *RevTree) CommonAncestor(a, b RevID) *Rev {
	ra, rb := t.revs[a], t.revs[b]
	if ra == nil || rb == nil {
		return nil
	}
	seen := make(map[*Rev]struct{})
	for r := ra; r != nil; r = t.parentOf(r) {
		seen[r] = struct{}{}
	}
	for r := rb; r != nil; r = t.parentOf(r) {
		if _, ok := seen[r]; ok {
			return r
		}
	}
	return nil
}

// IsAncestor reports whether anc is id or one of its retained ancestors.
func (t *RevTree) IsAncestor(anc, id RevID) bool {
	for r := t.revs[id]; r != nil; r = t.parentOf(r) {
		if r.ID == anc {
			return true
		}
	}
	return false
}

// PossibleAncestors lists known revisions with a lower generation than
// target, highest generation first. A peer pushing target can use it to
// propose a starting point for the history exchange.
func (t *RevTree) PossibleAncestors(target RevID) []*Rev {
	var result []*Rev
	for _, r := range t.order {
		if r.ID.Generation() < target.Generation() {
			result = append(result, r)
		}
	}
	slices.SortFunc(result, func(a, b *Rev) int {
		return -CompareRevIDs(a.ID, b.ID)
	})
	return result
}

// nextPossibleAncestor returns the highest candidate for target that sorts
// below after; after may be zero to start from the top.
func (t *RevTree) nextPossibleAncestor(target, after RevID) *Rev {
	var best *Rev
	for _, r := range t.order {
		if r.ID.Generation() >= target.Generation() {
			continue
		}
		if !after.IsZero() && CompareRevIDs(r.ID, after) >= 0 {
			continue
		}
		if best == nil || CompareRevIDs(r.ID, best.ID) > 0 {
			best = r
		}
	}
	return best
}
