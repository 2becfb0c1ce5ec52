package revdb

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDB_SizeAndDescribeOpenTxns(t *testing.T) {
	t.Run("mem", func(t *testing.T) {
		db := setup(t, Options{Backend: BackendMem})
		create(t, db, "a", "x")
		if db.Size() <= 0 {
			t.Errorf("Size() = %d, wanted > 0", db.Size())
		}
	})

	t.Run("bolt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "misc.db")
		db := must(Open(path, Options{IsTesting: true}))
		defer db.Close()
		create(t, db, "a", "x")
		if db.Size() <= 0 {
			t.Errorf("Size() = %d, wanted > 0", db.Size())
		}

		rtx := db.BeginRead()
		desc := db.DescribeOpenTxns()
		if !strings.Contains(desc, "1 OPEN TRANSACTIONS") || !strings.Contains(desc, "read, open for") {
			t.Fatalf("DescribeOpenTxns() missing expected text, got: %q", desc)
		}
		rtx.Close()
		if got := db.DescribeOpenTxns(); got != "NO OPEN TRANSACTIONS" {
			t.Fatalf("DescribeOpenTxns() = %q, wanted NO OPEN TRANSACTIONS", got)
		}
	})
}
