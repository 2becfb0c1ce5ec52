package revdb

const (
	// DefaultMaxRevTreeDepth is used when neither the call nor the store sets a depth.
	DefaultMaxRevTreeDepth = 20

	// MaxRevTreeDepthLimit bounds depths, history lengths and tree sizes.
	MaxRevTreeDepthLimit = 65535
)

// Prune removes every revision that is more than maxDepth revisions away from
// the nearest leaf below it. Leaves are at distance 1 and are never removed.
// Children of removed revisions become roots. Returns the number removed.
func (t *RevTree) Prune(maxDepth int) int {
	if maxDepth <= 0 || len(t.order) <= maxDepth {
		return 0
	}
	nearest := make(map[*Rev]int, len(t.order))
	for _, leaf := range t.order {
		if !leaf.IsLeaf() {
			continue
		}
		depth := 0
		for r := leaf; r != nil; r = t.parentOf(r) {
			depth++
			if d, ok := nearest[r]; ok && d <= depth {
				// everything above was reached from a closer leaf already
				break
			}
			nearest[r] = depth
		}
	}

	var removed int
	kept := t.order[:0]
	for _, r := range t.order {
		if nearest[r] > maxDepth {
			delete(t.revs, r.ID)
			removed++
		} else {
			kept = append(kept, r)
		}
	}
	if removed == 0 {
		return 0
	}
	for i := len(kept); i < len(t.order); i++ {
		t.order[i] = nil
	}
	t.order = kept
	for _, r := range t.order {
		if !r.Parent.IsZero() && t.revs[r.Parent] == nil {
			r.Parent = RevID{}
		}
	}
	t.changed = true
	return removed
}

// Purge removes the revision id with all of its descendants, then walks up
// removing ancestors left without children. Returns the number of revisions
// removed.
func (t *RevTree) Purge(id RevID) (int, error) {
	target := t.revs[id]
	if target == nil {
		return 0, docErrf(CodeNotFound, "", id, nil, "revision not found")
	}

	kids := make(map[RevID][]*Rev, len(t.order))
	for _, r := range t.order {
		if !r.Parent.IsZero() {
			kids[r.Parent] = append(kids[r.Parent], r)
		}
	}

	doomed := make(map[*Rev]bool)
	queue := []*Rev{target}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		doomed[r] = true
		queue = append(queue, kids[r.ID]...)
	}

	for p := t.parentOf(target); p != nil; p = t.parentOf(p) {
		alive := false
		for _, c := range kids[p.ID] {
			if !doomed[c] {
				alive = true
				break
			}
		}
		if alive {
			break
		}
		doomed[p] = true
	}

	kept := t.order[:0]
	for _, r := range t.order {
		if doomed[r] {
			delete(t.revs, r.ID)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(t.order); i++ {
		t.order[i] = nil
	}
	t.order = kept
	t.changed = true
	if len(t.order) > 0 {
		t.clearResolvedConflict()
	}
	return len(doomed), nil
}
