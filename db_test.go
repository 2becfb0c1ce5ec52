package revdb

import (
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func TestCreateThenGet(t *testing.T) {
	db := setup(t, Options{})

	var created *Document
	err := db.Update(func(tx *Tx) error {
		var err error
		created, err = tx.Create("doc1", []byte(`{"a":1}`), 0)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, created.RevID().Generation(), uint64(1))
	deepEqual(t, created.Sequence(), uint64(1))
	deepEqual(t, created.Flags(), DocExists)

	doc := must(db.Get("doc1", true))
	deepEqual(t, string(doc.SelectedBody()), `{"a":1}`)
	deepEqual(t, doc.RevID(), created.RevID())
	deepEqual(t, doc.SelectedRevID().Generation(), uint64(1))
	deepEqual(t, doc.SelectedSequence(), uint64(1))
	deepEqual(t, doc.HasUnsavedChanges(), false)

	_, err = db.Get("nope", true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, wanted ErrNotFound", err)
	}
	empty := must(db.Get("nope", false))
	deepEqual(t, empty.Exists(), false)
	deepEqual(t, empty.RevID().IsZero(), true)
}

func TestCreate_existingAndDeleted(t *testing.T) {
	db := setup(t, Options{})
	create(t, db, "d", "one")

	err := db.Update(func(tx *Tx) error {
		_, err := tx.Create("d", []byte("two"), 0)
		return err
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Create(existing) err = %v, wanted ErrConflict", err)
	}

	var tomb RevID
	ensure(db.Update(func(tx *Tx) error {
		doc, err := tx.Delete("d")
		if err != nil {
			return err
		}
		tomb = doc.RevID()
		deepEqual(t, doc.IsDeleted(), true)
		deepEqual(t, doc.Exists(), true)
		return nil
	}))

	err = db.Update(func(tx *Tx) error {
		_, err := tx.Delete("d")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete(deleted) err = %v, wanted ErrNotFound", err)
	}

	doc := create(t, db, "d", "again")
	deepEqual(t, doc.RevID().Generation(), uint64(3))
	deepEqual(t, doc.Tree().Parent(doc.RevID()).ID, tomb)
	deepEqual(t, doc.IsDeleted(), false)
}

func TestConflictThenResolve(t *testing.T) {
	db := setup(t, Options{})
	r1 := create(t, db, "doc", "v1").RevID()
	r2 := update(t, db, "doc", "v2").RevID()
	r3 := update(t, db, "doc", "v3").RevID()

	// a put whose parent is not current fails without allowConflict
	err := db.Update(func(tx *Tx) error {
		_, err := tx.Put(PutRequest{DocID: "doc", Body: []byte("v4"), History: []RevID{r2}})
		return err
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Put(stale parent) err = %v, wanted ErrConflict", err)
	}

	var r4 RevID
	ensure(db.Update(func(tx *Tx) error {
		doc, err := tx.Put(PutRequest{DocID: "doc", Body: []byte("v4"), History: []RevID{r2}, AllowConflict: true})
		if err != nil {
			return err
		}
		r4 = doc.SelectedRevID()
		return nil
	}))
	deepEqual(t, r4.Generation(), uint64(3))

	doc := must(db.Get("doc", true))
	deepEqual(t, doc.IsConflicted(), true)
	deepEqual(t, doc.Tree().Get(r3).IsLeaf(), true)
	deepEqual(t, doc.Tree().Get(r4).IsLeaf(), true)
	deepEqual(t, doc.Tree().Get(r1).IsStub(), true)

	var r5 RevID
	ensure(db.Update(func(tx *Tx) error {
		doc := must(tx.Get("doc", true))
		if err := doc.ResolveConflict(tx, r3, r4, []byte("merged"), 0); err != nil {
			return err
		}
		r5 = doc.SelectedRevID()
		return doc.Save(tx, 0)
	}))

	doc = must(db.Get("doc", true))
	deepEqual(t, doc.RevID(), r5)
	deepEqual(t, r5.Generation(), uint64(4))
	deepEqual(t, doc.Tree().Parent(r5).ID, r3)
	deepEqual(t, doc.IsConflicted(), false)
	deepEqual(t, string(doc.SelectedBody()), "merged")
	deepEqual(t, doc.Tree().Get(r4).IsLeaf(), false)
	deepEqual(t, doc.Tree().HasConflict(), false)
}

func TestUpdate_staleHandle(t *testing.T) {
	db := setup(t, Options{})
	create(t, db, "doc", "v1")

	stale := must(db.Get("doc", true))
	update(t, db, "doc", "v2")

	err := db.Update(func(tx *Tx) error {
		_, err := stale.Update(tx, []byte("v3"), 0)
		return err
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale Update err = %v, wanted ErrConflict", err)
	}

	fresh := must(db.Get("doc", true))
	deepEqual(t, string(fresh.SelectedBody()), "v2")
}

func TestSave_staleHandle(t *testing.T) {
	db := setup(t, Options{})
	create(t, db, "doc", "v1")
	a := must(db.Get("doc", true))
	b := must(db.Get("doc", true))

	ensure(db.Update(func(tx *Tx) error {
		if _, err := a.PurgeRevision(tx, a.RevID()); err != nil {
			return err
		}
		return a.Save(tx, 0)
	}))
	_, err := db.Get("doc", true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after purging the only revision err = %v", err)
	}

	err = db.Update(func(tx *Tx) error {
		if err := b.ResolveConflict(tx, b.RevID(), b.RevID(), nil, 0); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("ResolveConflict(same) err = %v", err)
		}
		if _, err := b.PurgeRevision(tx, b.RevID()); err != nil {
			return err
		}
		return b.Save(tx, 0)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Save(stale) err = %v, wanted ErrConflict", err)
	}
}

func TestPutExisting_idempotent(t *testing.T) {
	db := setup(t, Options{})
	history := ids("3-c", "2-b", "1-a")
	rq := PutRequest{DocID: "doc", Body: []byte("c"), ExistingRevision: true, History: history}

	first := put(t, db, rq)
	deepEqual(t, first.RevID(), history[0])
	deepEqual(t, first.Sequence(), uint64(1))
	deepEqual(t, first.Tree().Len(), 3)
	deepEqual(t, first.Tree().Get(history[0]).IsForeign(), true)

	second := put(t, db, rq)
	deepEqual(t, second.Sequence(), uint64(1))
	deepEqual(t, second.Tree().Len(), 3)

	// a shorter peer history for a known ancestor is a no-op as well
	third := put(t, db, PutRequest{DocID: "doc", Body: []byte("b"), ExistingRevision: true, History: history[1:]})
	deepEqual(t, third.Sequence(), uint64(1))
}

func TestPutExisting_conflictPolicy(t *testing.T) {
	db := setup(t, Options{})
	put(t, db, PutRequest{DocID: "doc", Body: []byte("c"), ExistingRevision: true, History: ids("3-c", "2-b", "1-a")})

	// a losing branch is accepted and recorded
	doc := put(t, db, PutRequest{DocID: "doc", Body: []byte("x"), ExistingRevision: true, History: ids("3-a", "2-b")})
	deepEqual(t, doc.RevID().String(), "3-c")
	deepEqual(t, doc.IsConflicted(), true)

	// a branch that would win needs AllowConflict
	err := db.Update(func(tx *Tx) error {
		_, err := tx.Put(PutRequest{DocID: "doc", Body: []byte("z"), ExistingRevision: true, History: ids("3-z", "2-b")})
		return err
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("winning conflict err = %v, wanted ErrConflict", err)
	}
	doc = put(t, db, PutRequest{DocID: "doc", Body: []byte("z"), ExistingRevision: true, AllowConflict: true, History: ids("3-z", "2-b")})
	deepEqual(t, doc.RevID().String(), "3-z")

	// extending the current branch is not a conflict
	doc = put(t, db, PutRequest{DocID: "doc", Body: []byte("q"), ExistingRevision: true, History: ids("4-q", "3-z")})
	deepEqual(t, doc.RevID().String(), "4-q")
}

func TestPut_validation(t *testing.T) {
	db := setup(t, Options{MaxBodySize: 8})
	create(t, db, "doc", "v1")

	tests := []struct {
		name string
		rq   PutRequest
		want error
	}{
		{"empty doc ID", PutRequest{Body: []byte("x")}, ErrBadDocID},
		{"control char", PutRequest{DocID: "a\nb"}, ErrBadDocID},
		{"long doc ID", PutRequest{DocID: strings.Repeat("x", MaxDocIDLength+1)}, ErrBadDocID},
		{"invalid utf8", PutRequest{DocID: "\xff"}, ErrBadDocID},
		{"bad flags", PutRequest{DocID: "n", Flags: RevLeaf}, ErrInvalidParameter},
		{"body too large", PutRequest{DocID: "n", Body: []byte("123456789")}, ErrLimitExceeded},
		{"negative depth", PutRequest{DocID: "n", MaxDepth: -1}, ErrInvalidParameter},
		{"huge depth", PutRequest{DocID: "n", MaxDepth: MaxRevTreeDepthLimit + 1}, ErrLimitExceeded},
		{"vector ID in tree store", PutRequest{DocID: "doc", History: ids("1@bob")}, ErrMalformedRevID},
		{"zero ID in history", PutRequest{DocID: "doc", History: []RevID{{}}}, ErrMalformedRevID},
		{"long new history", PutRequest{DocID: "doc", History: ids("2-b", "1-a")}, ErrInvalidParameter},
		{"existing without history", PutRequest{DocID: "doc", ExistingRevision: true}, ErrInvalidParameter},
		{"missing parent", PutRequest{DocID: "doc", History: ids("7-q")}, ErrNotFound},
		{"gappy history", PutRequest{DocID: "doc", ExistingRevision: true, History: ids("5-e", "3-c")}, ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.Update(func(tx *Tx) error {
				_, err := tx.Put(tt.rq)
				return err
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Put err = %v, wanted %v", err, tt.want)
			}
		})
	}

	doc := must(db.Get("doc", true))
	deepEqual(t, doc.Tree().Len(), 1)
}

func TestPut_sameContentIsNoop(t *testing.T) {
	db := setup(t, Options{})
	r1 := create(t, db, "doc", "v1").RevID()
	r2 := update(t, db, "doc", "v2").RevID()

	// same parent and content yields the same ID
	doc := put(t, db, PutRequest{DocID: "doc", Body: []byte("v2"), History: []RevID{r1}, AllowConflict: true})
	deepEqual(t, doc.RevID(), r2)
	deepEqual(t, doc.Tree().Len(), 2)
	deepEqual(t, doc.Sequence(), uint64(2))
}

func TestSave_prunesToDepth(t *testing.T) {
	db := setup(t, Options{MaxRevTreeDepth: 5})
	create(t, db, "doc", "v0")
	for i := 1; i < 20; i++ {
		update(t, db, "doc", "v")
	}
	doc := must(db.Get("doc", true))
	deepEqual(t, doc.Tree().Len(), 5)
	deepEqual(t, len(doc.SelectedHistory()), 5)
	deepEqual(t, doc.RevID().Generation(), uint64(20))

	// per-call depth overrides the store default
	doc = put(t, db, PutRequest{DocID: "doc", Body: []byte("w"), History: []RevID{doc.RevID()}, MaxDepth: 2})
	deepEqual(t, doc.Tree().Len(), 2)

	for _, r := range doc.Tree().All() {
		if !r.IsLeaf() && !r.IsStub() {
			t.Errorf("ancestor %v kept its body", r.ID)
		}
	}
}

func TestKeepBody(t *testing.T) {
	db := setup(t, Options{})
	create(t, db, "doc", "v1")
	kept := put(t, db, PutRequest{DocID: "doc", Body: []byte("keep"), Flags: RevKeepBody, History: []RevID{must(db.Get("doc", true)).RevID()}})
	update(t, db, "doc", "v3")

	doc := must(db.Get("doc", true))
	r := doc.Tree().Get(kept.RevID())
	deepEqual(t, string(r.Body), "keep")
	deepEqual(t, doc.Tree().Get(doc.Tree().History(doc.RevID())[2]).IsStub(), true)
}

func TestVectorMode(t *testing.T) {
	db := setup(t, Options{Mode: VectorMode, PeerID: "alice"})
	deepEqual(t, db.Mode(), VectorMode)
	deepEqual(t, db.PeerID(), "alice")

	r1 := create(t, db, "doc", "v1").RevID()
	deepEqual(t, r1.String(), "1@alice")
	r2 := update(t, db, "doc", "v2").RevID()
	deepEqual(t, r2.String(), "2@alice")

	doc := put(t, db, PutRequest{DocID: "doc", Body: []byte("b3"), ExistingRevision: true, History: ids("3@bob", "2@alice")})
	deepEqual(t, doc.RevID().String(), "3@bob")

	// a local edit on a stale parent collides with our own counter
	err := db.Update(func(tx *Tx) error {
		_, err := tx.Put(PutRequest{DocID: "doc", Body: []byte("x"), History: []RevID{r1}, AllowConflict: true})
		return err
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("colliding vector ID err = %v, wanted ErrConflict", err)
	}

	err = db.Update(func(tx *Tx) error {
		_, err := tx.Put(PutRequest{DocID: "doc", History: ids("3-abc")})
		return err
	})
	if !errors.Is(err, ErrMalformedRevID) {
		t.Fatalf("tree ID in vector store err = %v, wanted ErrMalformedRevID", err)
	}
}

func TestVectorMode_resolvePurgesLoser(t *testing.T) {
	db := setup(t, Options{Mode: VectorMode, PeerID: "alice"})
	r1 := create(t, db, "doc", "v1").RevID()
	put(t, db, PutRequest{DocID: "doc", Body: []byte("a2"), ExistingRevision: true, History: ids("2@alice", "1@alice")})
	put(t, db, PutRequest{DocID: "doc", Body: []byte("b2"), ExistingRevision: true, AllowConflict: true, History: ids("2@bob", "1@alice")})

	doc := must(db.Get("doc", true))
	deepEqual(t, doc.IsConflicted(), true)
	deepEqual(t, doc.RevID().String(), "2@bob")

	ensure(db.Update(func(tx *Tx) error {
		doc := must(tx.Get("doc", true))
		if err := doc.ResolveConflict(tx, MustParseRevID("2@bob"), MustParseRevID("2@alice"), []byte("m"), 0); err != nil {
			return err
		}
		return doc.Save(tx, 0)
	}))
	doc = must(db.Get("doc", true))
	deepEqual(t, doc.RevID().String(), "3@alice")
	deepEqual(t, doc.IsConflicted(), false)
	deepEqual(t, doc.Tree().Contains(MustParseRevID("2@alice")), false)
	deepEqual(t, doc.Tree().Contains(r1), true)
}

func TestOpen_options(t *testing.T) {
	_, err := Open("", Options{Backend: BackendMem, MaxRevTreeDepth: -1})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("negative depth err = %v", err)
	}
	_, err = Open("", Options{Backend: BackendMem, MaxRevTreeDepth: MaxRevTreeDepthLimit + 1})
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("huge depth err = %v", err)
	}
	_, err = Open("", Options{Backend: BackendMem, PeerID: "no spaces"})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("bad peer err = %v", err)
	}
	_, err = Open("", Options{Backend: "floppy"})
	if err == nil || !strings.Contains(err.Error(), "floppy") {
		t.Errorf("unknown backend err = %v", err)
	}

	db := setup(t, Options{})
	deepEqual(t, db.MaxRevTreeDepth(), DefaultMaxRevTreeDepth)
	ensure(db.SetMaxRevTreeDepth(3))
	deepEqual(t, db.MaxRevTreeDepth(), 3)
	ensure(db.SetMaxRevTreeDepth(0))
	deepEqual(t, db.MaxRevTreeDepth(), DefaultMaxRevTreeDepth)
	if err := db.SetMaxRevTreeDepth(MaxRevTreeDepthLimit + 1); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("SetMaxRevTreeDepth(huge) err = %v", err)
	}
	deepEqual(t, db.PeerID(), LocalPeerID)
	deepEqual(t, db.Digester().Name(), "sha1")
}

func TestOpen_reopenKeepsSettings(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a file-backed store")
	}
	path := filepath.Join(t.TempDir(), "revdb.db")
	db := must(Open(path, Options{IsTesting: true, Mode: VectorMode, PeerID: "carol"}))
	create(t, db, "doc", "v1")
	db.Close()

	_, err := Open(path, Options{IsTesting: true, Mode: TreeMode})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("reopen in another mode err = %v, wanted ErrInvalidParameter", err)
	}

	db = must(Open(path, Options{IsTesting: true, Mode: VectorMode}))
	defer db.Close()
	deepEqual(t, db.PeerID(), "carol")
	doc := update(t, db, "doc", "v2")
	deepEqual(t, doc.RevID().String(), "2@carol")
	deepEqual(t, doc.Sequence(), uint64(2))
}

func TestBLAKE3Digest(t *testing.T) {
	db := setup(t, Options{Digest: BLAKE3Digester{}})
	doc := create(t, db, "doc", "v1")
	deepEqual(t, len(doc.RevID().Digest()), 32)

	sha := SHA1Digester{}.Digest(RevID{}, false, []byte("v1"))
	deepEqual(t, len(sha), 20)
	if reflect.DeepEqual(sha, doc.RevID().Digest()[:20]) {
		t.Errorf("BLAKE3 digest matches SHA-1")
	}
}

func setup(t testing.TB, opt Options) *DB {
	t.Helper()
	opt.IsTesting = true
	if opt.Logf == nil {
		opt.Logf = t.Logf
		opt.Verbose = true
	}
	var path string
	switch {
	case testing.Short() && opt.Backend == "":
		opt.Backend = BackendMem
	case opt.Backend == "" || opt.Backend == BackendBolt:
		path = filepath.Join(t.TempDir(), "revdb.db")
		t.Logf("DB: %s", path)
	}
	db := must(Open(path, opt))
	t.Cleanup(db.Close)
	return db
}

func put(t testing.TB, db *DB, rq PutRequest) *Document {
	t.Helper()
	var doc *Document
	err := db.Update(func(tx *Tx) error {
		var err error
		doc, err = tx.Put(rq)
		return err
	})
	if err != nil {
		t.Fatalf("Put(%s): %v", rq.DocID, err)
	}
	return doc
}

func create(t testing.TB, db *DB, docID, body string) *Document {
	t.Helper()
	return put(t, db, PutRequest{DocID: docID, Body: []byte(body)})
}

func update(t testing.TB, db *DB, docID, body string) *Document {
	t.Helper()
	var doc *Document
	err := db.Update(func(tx *Tx) error {
		cur, err := tx.Get(docID, true)
		if err != nil {
			return err
		}
		doc, err = cur.Update(tx, []byte(body), 0)
		return err
	})
	if err != nil {
		t.Fatalf("Update(%s): %v", docID, err)
	}
	return doc
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func diff[T any](t testing.TB, a, e T, opts ...cmp.Option) {
	if d := cmp.Diff(e, a, opts...); d != "" {
		t.Helper()
		t.Errorf("** mismatch (-wanted +got):\n%s", d)
	}
}

func TestPut_generationLimit(t *testing.T) {
	for _, opt := range []Options{{}, {Mode: VectorMode, PeerID: "alice"}} {
		t.Run(opt.Mode.String(), func(t *testing.T) {
			db := setup(t, opt)
			top := "18446744073709551615-aa"
			if opt.Mode == VectorMode {
				top = "18446744073709551615@bob"
			}
			stored := put(t, db, PutRequest{DocID: "d", Body: []byte("top"), ExistingRevision: true, History: ids(top)})
			deepEqual(t, stored.RevID().String(), top)

			err := db.Update(func(tx *Tx) error {
				doc := must(tx.Get("d", true))
				_, err := doc.Update(tx, []byte("next"), 0)
				return err
			})
			if !errors.Is(err, ErrLimitExceeded) {
				t.Errorf("Update err = %v, wanted ErrLimitExceeded", err)
			}

			err = db.Update(func(tx *Tx) error {
				_, err := tx.Put(PutRequest{DocID: "d", Body: []byte("next"), History: ids(top)})
				return err
			})
			if !errors.Is(err, ErrLimitExceeded) {
				t.Errorf("Put err = %v, wanted ErrLimitExceeded", err)
			}

			tx := db.BeginUpdate()
			_, err = tx.Delete("d")
			if !errors.Is(err, ErrLimitExceeded) {
				t.Errorf("Delete err = %v, wanted ErrLimitExceeded", err)
			}
			ensure(tx.Rollback())

			doc := must(db.Get("d", true))
			deepEqual(t, doc.RevID().String(), top)
			deepEqual(t, string(doc.SelectedBody()), "top")
			deepEqual(t, doc.Sequence(), stored.Sequence())
		})
	}
}
