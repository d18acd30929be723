package emberdb

import "testing"

func TestAutoCommitStoreAndGet(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	if err := idx.Store(nil, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	value, found, err := idx.Get(nil, []byte("k"))
	if err != nil || !found || string(value) != "v1" {
		t.Fatalf("Get = (%q,%v,%v), want (v1,true,nil)", value, found, err)
	}
}

func TestTransactionRollbackRestoresOldValue(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	if err := idx.Store(nil, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("seed Store: %v", err)
	}

	txn := db.NewTransaction()
	if err := idx.storeLocked(txn, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("store v2: %v", err)
	}
	value, found, err := idx.tree.Get([]byte("k"))
	if err != nil || !found || string(value) != "v2" {
		t.Fatalf("in-transaction read = (%q,%v), want v2", value, found)
	}

	if err := txn.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	value, found, err = idx.Get(nil, []byte("k"))
	if err != nil || !found || string(value) != "v1" {
		t.Fatalf("after rollback = (%q,%v), want v1", value, found)
	}
}

func TestTransactionDeleteRollbackRestoresEntry(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	if err := idx.Store(nil, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("seed Store: %v", err)
	}

	txn := db.NewTransaction()
	deleted, err := idx.deleteLocked(txn, []byte("k"))
	if err != nil || !deleted {
		t.Fatalf("deleteLocked = (%v,%v), want (true,nil)", deleted, err)
	}
	if err := txn.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	value, found, err := idx.Get(nil, []byte("k"))
	if err != nil || !found || string(value) != "v1" {
		t.Fatalf("after rollback = (%q,%v), want v1", value, found)
	}
}

func TestNestedScopeCommitPromotesButDoesNotFinalize(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	txn := db.NewTransaction()
	if err := idx.storeLocked(txn, []byte("outer"), []byte("1")); err != nil {
		t.Fatalf("store outer: %v", err)
	}

	if err := txn.Enter(); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := idx.storeLocked(txn, []byte("inner"), []byte("2")); err != nil {
		t.Fatalf("store inner: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("nested Commit: %v", err)
	}
	if err := txn.Exit(); err != nil {
		t.Fatalf("Exit nested scope: %v", err)
	}

	// Neither write is durable yet: the outer scope never committed.
	if err := txn.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, found, _ := idx.Get(nil, []byte("outer")); found {
		t.Fatal("outer write survived rollback of the enclosing scope")
	}
	if _, found, _ := idx.Get(nil, []byte("inner")); found {
		t.Fatal("inner write survived rollback of the enclosing scope")
	}
}

func TestCommitAllFinalizesNestedWrites(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	txn := db.NewTransaction()
	if err := idx.storeLocked(txn, []byte("outer"), []byte("1")); err != nil {
		t.Fatalf("store outer: %v", err)
	}
	if err := txn.Enter(); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := idx.storeLocked(txn, []byte("inner"), []byte("2")); err != nil {
		t.Fatalf("store inner: %v", err)
	}
	if err := txn.CommitAll(); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	if _, found, _ := idx.Get(nil, []byte("outer")); !found {
		t.Fatal("outer write missing after CommitAll")
	}
	if _, found, _ := idx.Get(nil, []byte("inner")); !found {
		t.Fatal("inner write missing after CommitAll")
	}
}
