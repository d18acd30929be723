package redo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shubhamn/emberdb/internal/config"
)

func TestStoreAndScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Enter(1); err != nil {
		t.Fatal(err)
	}
	if err := w.Store(1, 7, []byte("k1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := w.Store(1, 7, []byte("k2"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := w.CommitFinal(1, config.SyncMode); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var ops []Op
	var txnIDs []int64
	err = Scan(path, func(r Record) error {
		ops = append(ops, r.Op)
		txnIDs = append(txnIDs, r.TxnID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []Op{OpEnter, OpStore, OpDelete, OpCommitFinal, OpClose}
	if len(ops) != len(want) {
		t.Fatalf("got %d ops, want %d: %v", len(ops), len(want), ops)
	}
	for i, op := range want {
		if ops[i] != op {
			t.Fatalf("op %d: got %v, want %v", i, ops[i], op)
		}
		if txnIDs[i] != 1 && op != OpClose {
			t.Fatalf("op %d: txn id %d, want 1", i, txnIDs[i])
		}
	}
}

func TestDisabledWriterNeverPersists(t *testing.T) {
	w := Disabled()
	if err := w.Store(1, 1, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.CommitFinal(1, config.SyncMode); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTornTrailingRecordStopsScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Store(1, 7, []byte("k1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Append a truncated record (opcode and txn-id delta only, no index
	// id, key or terminator) to simulate a crash mid-write.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{byte(OpStore), 0x01}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	var count int
	err = Scan(path, func(r Record) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected the 2 well-formed records (STORE, CLOSE), got %d", count)
	}
}
