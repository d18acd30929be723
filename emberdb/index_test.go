package emberdb

import (
	"errors"
	"testing"
	"time"

	"github.com/shubhamn/emberdb/internal/errs"
)

func TestConflictingExclusiveLocksTimeOut(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}

	holder := db.NewTransaction()
	holder.lockTimeoutNanos = time.Millisecond.Nanoseconds()
	if err := idx.storeLocked(holder, []byte("k"), []byte("1")); err != nil {
		t.Fatalf("store under holder: %v", err)
	}
	defer holder.Reset()

	waiter := db.NewTransaction()
	waiter.lockTimeoutNanos = 5 * time.Millisecond.Nanoseconds()
	defer waiter.Reset()

	err = idx.storeLocked(waiter, []byte("k"), []byte("2"))
	var lockErr *errs.LockFailureError
	if !errors.As(err, &lockErr) || lockErr.Kind != errs.TimedOut {
		t.Fatalf("storeLocked under contention = %v, want a TimedOut LockFailureError", err)
	}
}

func TestDeletedKeyIsGhostedUntilCommit(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	if err := idx.Store(nil, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("seed Store: %v", err)
	}

	txn := db.NewTransaction()
	deleted, err := idx.deleteLocked(txn, []byte("k"))
	if err != nil || !deleted {
		t.Fatalf("deleteLocked = (%v,%v)", deleted, err)
	}
	if !db.lockMgr.IsGhosted(idx.id, []byte("k")) {
		t.Fatal("key should be ghosted before commit")
	}

	if err := txn.CommitAll(); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if db.lockMgr.IsGhosted(idx.id, []byte("k")) {
		t.Fatal("ghost flag should be cleared once the delete's commit reaps it")
	}
	if _, found, err := idx.Get(nil, []byte("k")); err != nil || found {
		t.Fatalf("Get after committed delete = (found=%v), want false", found)
	}
}

func TestOpenTemporaryIndexNotInCatalog(t *testing.T) {
	db := openTestDB(t)
	tmp, err := db.OpenTemporaryIndex()
	if err != nil {
		t.Fatalf("OpenTemporaryIndex: %v", err)
	}
	if !tmp.IsTemporary() {
		t.Fatal("expected temporary index to report IsTemporary()")
	}
	if err := tmp.Store(nil, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Store into temp index: %v", err)
	}

	c := db.catalog.NewCursor()
	defer c.Close()
	err = c.First()
	for err == nil {
		key, kerr := c.Key()
		if kerr != nil {
			t.Fatalf("Key: %v", kerr)
		}
		if string(key) == tmp.Name() {
			t.Fatalf("temporary index %q should never appear in the catalog", tmp.Name())
		}
		err = c.Next()
	}
}
