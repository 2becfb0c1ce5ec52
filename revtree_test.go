package revdb

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// buildTree inserts revisions given as "id" or "id<parent", allowing conflicts.
func buildTree(t testing.TB, edges ...string) *RevTree {
	t.Helper()
	tree := NewRevTree()
	for _, edge := range edges {
		idStr, parentStr, _ := strings.Cut(edge, "<")
		var parent RevID
		if parentStr != "" {
			parent = MustParseRevID(parentStr)
		}
		_, err := tree.Insert(MustParseRevID(idStr), []byte(idStr), 0, parent, true)
		if err != nil {
			t.Fatalf("Insert(%s): %v", edge, err)
		}
	}
	return tree
}

func revIDs(revs []*Rev) []string {
	var result []string
	for _, r := range revs {
		result = append(result, r.ID.String())
	}
	return result
}

func ids(s ...string) []RevID {
	var result []RevID
	for _, v := range s {
		result = append(result, MustParseRevID(v))
	}
	return result
}

func TestRevTree_linear(t *testing.T) {
	tree := buildTree(t, "1-a", "2-b<1-a", "3-c<2-b")
	deepEqual(t, tree.Len(), 3)
	deepEqual(t, tree.Current().ID.String(), "3-c")
	deepEqual(t, revIDs(tree.Leaves()), []string{"3-c"})
	deepEqual(t, tree.HasConflict(), false)
	deepEqual(t, tree.Get(MustParseRevID("2-b")).IsLeaf(), false)
	deepEqual(t, tree.Parent(MustParseRevID("3-c")).ID.String(), "2-b")
	deepEqual(t, tree.History(MustParseRevID("3-c")), ids("3-c", "2-b", "1-a"))
	if !tree.Changed() {
		t.Errorf("Changed() = false after inserts")
	}
}

func TestRevTree_insertErrors(t *testing.T) {
	tree := buildTree(t, "1-a", "2-b<1-a")

	_, err := tree.Insert(MustParseRevID("2-b"), nil, 0, MustParseRevID("1-a"), true)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate insert err = %v, wanted ErrConflict", err)
	}
	_, err = tree.Insert(MustParseRevID("3-x"), nil, 0, MustParseRevID("2-zz"), true)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing parent err = %v, wanted ErrNotFound", err)
	}
	_, err = tree.Insert(MustParseRevID("4-x"), nil, 0, MustParseRevID("2-b"), true)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("generation gap err = %v, wanted ErrInvalidParameter", err)
	}
	_, err = tree.Insert(MustParseRevID("3@p"), nil, 0, MustParseRevID("2-b"), true)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("mixed schemes err = %v, wanted ErrInvalidParameter", err)
	}
	_, err = tree.Insert(MustParseRevID("2-x"), nil, 0, RevID{}, true)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("root with gen 2 err = %v, wanted ErrInvalidParameter", err)
	}
	_, err = tree.Insert(MustParseRevID("2-c"), nil, 0, MustParseRevID("1-a"), false)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("conflicting insert err = %v, wanted ErrConflict", err)
	}
	deepEqual(t, tree.Len(), 2)
}

func TestRevTree_conflict(t *testing.T) {
	tree := buildTree(t, "1-a", "2-b<1-a", "3-c<2-b")
	r4, err := tree.Insert(MustParseRevID("3-d"), []byte("d"), 0, MustParseRevID("2-b"), true)
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, tree.HasConflict(), true)
	// 3-d outranks 3-c by digest, so it wins
	deepEqual(t, tree.Current(), r4)
	deepEqual(t, r4.IsConflict(), false)
	deepEqual(t, revIDs(tree.Leaves()), []string{"3-d", "3-c"})

	tree = buildTree(t, "1-a", "2-b<1-a", "3-c<2-b", "3-0<2-b")
	deepEqual(t, tree.Current().ID.String(), "3-c")
	deepEqual(t, tree.Get(MustParseRevID("3-0")).IsConflict(), true)
}

func TestRevTree_winnerPrefersLiveLeaves(t *testing.T) {
	tree := NewRevTree()
	must(tree.Insert(MustParseRevID("1-a"), []byte{}, 0, RevID{}, false))
	must(tree.Insert(MustParseRevID("2-a"), []byte{}, 0, MustParseRevID("1-a"), false))
	must(tree.Insert(MustParseRevID("3-z"), []byte{}, RevDeleted, MustParseRevID("2-a"), false))
	must(tree.Insert(MustParseRevID("2-b"), []byte{}, 0, MustParseRevID("1-a"), true))
	deepEqual(t, tree.Current().ID.String(), "2-b")
	deepEqual(t, tree.HasConflict(), false)
	deepEqual(t, revIDs(tree.Leaves()), []string{"2-b", "3-z"})
}

func TestRevTree_insertHistory(t *testing.T) {
	tree := buildTree(t, "1-a", "2-b<1-a")

	common, err := tree.InsertHistory(ids("5-e", "4-d", "3-c", "2-b", "1-a"), []byte("e"), RevForeign)
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, common, 3)
	deepEqual(t, tree.Current().ID.String(), "5-e")
	deepEqual(t, tree.Get(MustParseRevID("4-d")).IsStub(), true)
	deepEqual(t, tree.Get(MustParseRevID("5-e")).Body, []byte("e"))
	deepEqual(t, tree.Get(MustParseRevID("4-d")).IsForeign(), true)

	common, err = tree.InsertHistory(ids("5-e", "4-d"), nil, 0)
	if err != nil || common != 0 {
		t.Errorf("InsertHistory(known) = %d, %v, wanted 0, nil", common, err)
	}

	_, err = tree.InsertHistory(ids("7-g", "5-e"), nil, 0)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("broken chain err = %v, wanted ErrInvalidParameter", err)
	}
	_, err = tree.InsertHistory(nil, nil, 0)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("empty history err = %v, wanted ErrInvalidParameter", err)
	}

	// unrelated history starts a new root
	common, err = tree.InsertHistory(ids("2-y", "1-x"), []byte("y"), 0)
	if err != nil || common != 2 {
		t.Fatalf("InsertHistory(unrelated) = %d, %v", common, err)
	}
	deepEqual(t, tree.Get(MustParseRevID("1-x")).Parent.IsZero(), true)
	deepEqual(t, tree.Get(MustParseRevID("2-y")).IsConflict(), true)
}

func TestRevTree_prune(t *testing.T) {
	const n, depth = 30, 7
	tree := NewRevTree()
	var parent RevID
	for i := 1; i <= n; i++ {
		id := MustParseRevID(fmt.Sprintf("%d-a", i))
		must(tree.Insert(id, []byte{}, 0, parent, false))
		parent = id
	}
	removed := tree.Prune(depth)
	deepEqual(t, removed, n-depth)
	deepEqual(t, tree.Len(), depth)
	deepEqual(t, len(tree.History(tree.Current().ID)), depth)
	oldest := tree.Get(MustParseRevID(fmt.Sprintf("%d-a", n-depth+1)))
	if oldest == nil || !oldest.Parent.IsZero() {
		t.Fatalf("oldest retained = %v, wanted root %d-a", oldest, n-depth+1)
	}

	deepEqual(t, tree.Prune(depth), 0)
	deepEqual(t, tree.Prune(0), 0)
}

func TestRevTree_pruneBranches(t *testing.T) {
	// a short side branch keeps its shared ancestors alive
	tree := buildTree(t, "1-a", "2-a<1-a", "3-a<2-a", "4-a<3-a", "5-a<4-a", "3-b<2-a")
	removed := tree.Prune(2)
	deepEqual(t, removed, 2)
	deepEqual(t, revIDs(tree.All()), []string{"5-a", "3-b", "4-a", "2-a"})
	deepEqual(t, tree.Get(MustParseRevID("2-a")).Parent.IsZero(), true)
}

func TestRevTree_purge(t *testing.T) {
	tree := buildTree(t, "1-a", "2-a<1-a", "3-a<2-a", "3-b<2-a", "4-b<3-b")
	deepEqual(t, tree.HasConflict(), true)

	n, err := tree.Purge(MustParseRevID("3-b"))
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, n, 2)
	deepEqual(t, revIDs(tree.All()), []string{"3-a", "2-a", "1-a"})
	deepEqual(t, tree.HasConflict(), false)

	n, err = tree.Purge(MustParseRevID("3-a"))
	deepEqual(t, n, 3)
	deepEqual(t, err, nil)
	deepEqual(t, tree.Len(), 0)
	deepEqual(t, tree.Current(), (*Rev)(nil))

	_, err = tree.Purge(MustParseRevID("9-z"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Purge(missing) err = %v, wanted ErrNotFound", err)
	}
}

func TestRevTree_commonAncestor(t *testing.T) {
	tree := buildTree(t, "1-a", "2-a<1-a", "3-a<2-a", "3-b<2-a", "4-b<3-b", "1-z")
	ca := func(a, b string) string {
		r := tree.CommonAncestor(MustParseRevID(a), MustParseRevID(b))
		if r == nil {
			return ""
		}
		return r.ID.String()
	}
	deepEqual(t, ca("3-a", "4-b"), "2-a")
	deepEqual(t, ca("4-b", "3-a"), "2-a")
	deepEqual(t, ca("4-b", "2-a"), "2-a")
	deepEqual(t, ca("3-a", "3-a"), "3-a")
	deepEqual(t, ca("3-a", "1-z"), "")
	deepEqual(t, ca("3-a", "9-q"), "")

	deepEqual(t, tree.IsAncestor(MustParseRevID("1-a"), MustParseRevID("4-b")), true)
	deepEqual(t, tree.IsAncestor(MustParseRevID("3-a"), MustParseRevID("4-b")), false)
}

func TestRevTree_possibleAncestors(t *testing.T) {
	tree := buildTree(t, "1-a", "2-b<1-a", "3-c<2-b")
	target := MustParseRevID("3-x")

	var got []string
	for r := tree.nextPossibleAncestor(target, RevID{}); r != nil; r = tree.nextPossibleAncestor(target, r.ID) {
		got = append(got, r.ID.String())
	}
	deepEqual(t, got, []string{"2-b", "1-a"})
	deepEqual(t, revIDs(tree.PossibleAncestors(target)), []string{"2-b", "1-a"})
	deepEqual(t, tree.nextPossibleAncestor(MustParseRevID("1-q"), RevID{}), (*Rev)(nil))
}

// drawTree builds a random set of revisions as parent links plus deleted
// flags, with IDs unique across generations.
func drawTree(t *rapid.T) (all []RevID, parents map[RevID]RevID, deleted map[RevID]bool) {
	n := rapid.IntRange(1, 12).Draw(t, "n")
	parents = make(map[RevID]RevID)
	deleted = make(map[RevID]bool)
	for i := 0; i < n; i++ {
		var parent RevID
		if len(all) > 0 && rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("root%d", i)) > 0 {
			parent = all[rapid.IntRange(0, len(all)-1).Draw(t, fmt.Sprintf("parent%d", i))]
		}
		gen := parent.Generation() + 1
		id := MustParseRevID(fmt.Sprintf("%d-%c%d", gen, 'a'+rune(rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("d%d", i))), i))
		all = append(all, id)
		parents[id] = parent
		deleted[id] = rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("del%d", i)) == 0
	}
	return
}

func historyOf(id RevID, parents map[RevID]RevID) []RevID {
	var h []RevID
	for ; !id.IsZero(); id = parents[id] {
		h = append(h, id)
	}
	return h
}

func TestRevTree_winnerIndependentOfOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		all, parents, deleted := drawTree(t)
		perm := rapid.Permutation(all).Draw(t, "perm")

		build := func(order []RevID) *RevTree {
			tree := NewRevTree()
			for _, id := range order {
				var flags RevFlags
				if deleted[id] {
					flags = RevDeleted
				}
				// ancestors may arrive first as stubs, then get skipped here
				if _, err := tree.InsertHistory(historyOf(id, parents), []byte{}, flags); err != nil {
					t.Fatalf("InsertHistory(%v): %v", id, err)
				}
			}
			return tree
		}
		a, b := build(all), build(perm)
		if a.Current().ID != b.Current().ID {
			t.Fatalf("winner %v vs %v", a.Current().ID, b.Current().ID)
		}
		if a.HasConflict() != b.HasConflict() {
			t.Fatalf("HasConflict %v vs %v", a.HasConflict(), b.HasConflict())
		}
		if fmt.Sprint(revIDs(a.Leaves())) != fmt.Sprint(revIDs(b.Leaves())) {
			t.Fatalf("leaves %v vs %v", revIDs(a.Leaves()), revIDs(b.Leaves()))
		}
	})
}

func TestRevTree_commonAncestorSymmetricProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		all, parents, _ := drawTree(t)
		tree := NewRevTree()
		for _, id := range all {
			if _, err := tree.Insert(id, []byte{}, 0, parents[id], true); err != nil {
				t.Fatalf("Insert(%v): %v", id, err)
			}
		}
		a := rapid.SampledFrom(all).Draw(t, "a")
		b := rapid.SampledFrom(all).Draw(t, "b")
		ab, ba := tree.CommonAncestor(a, b), tree.CommonAncestor(b, a)
		if ab != ba {
			t.Fatalf("CommonAncestor(%v, %v) = %v, reversed %v", a, b, ab, ba)
		}
		if tree.IsAncestor(a, b) && (ab == nil || ab.ID != a) {
			t.Fatalf("CommonAncestor(%v, %v) = %v, wanted the ancestor", a, b, ab)
		}
		if a == b && (ab == nil || ab.ID != a) {
			t.Fatalf("CommonAncestor(%v, %v) = %v, wanted itself", a, b, ab)
		}
	})
}

func TestRevTree_pruneDepthProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		all, parents, _ := drawTree(t)
		depth := rapid.IntRange(1, 6).Draw(t, "depth")
		tree := NewRevTree()
		for _, id := range all {
			must(tree.Insert(id, []byte{}, 0, parents[id], true))
		}
		leavesBefore := revIDs(tree.Leaves())
		tree.Prune(depth)
		if fmt.Sprint(revIDs(tree.Leaves())) != fmt.Sprint(leavesBefore) {
			t.Fatalf("leaves changed: %v => %v", leavesBefore, revIDs(tree.Leaves()))
		}
		within := make(map[RevID]bool)
		for _, leaf := range tree.Leaves() {
			h := tree.History(leaf.ID)
			for i := 0; i < len(h) && i < depth; i++ {
				within[h[i]] = true
			}
		}
		for _, r := range tree.All() {
			if !within[r.ID] {
				t.Fatalf("%v is more than %d revisions away from every leaf", r.ID, depth)
			}
		}
		for _, r := range tree.All() {
			if !r.Parent.IsZero() && !tree.Contains(r.Parent) {
				t.Fatalf("%v points to pruned parent %v", r.ID, r.Parent)
			}
		}
	})
}
