package undo

import (
	"reflect"
	"testing"
)

func TestPushAndFullRollbackIsLIFO(t *testing.T) {
	l := NewLog(256)
	if err := l.Push(UnInsert, 1, []byte("k1")); err != nil {
		t.Fatal(err)
	}
	if err := l.Push(UnUpdate, 1, []byte("k2-old")); err != nil {
		t.Fatal(err)
	}
	if err := l.Push(UnDelete, 1, []byte("k3-old")); err != nil {
		t.Fatal(err)
	}

	var seen []Entry
	if err := l.FullRollback(func(e Entry) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	want := []Op{UnDelete, UnUpdate, UnInsert}
	for i, op := range want {
		if seen[i].Op != op {
			t.Fatalf("entry %d: got %v, want %v", i, seen[i].Op, op)
		}
	}
	if !l.IsEmpty() {
		t.Fatal("expected log empty after full rollback")
	}
}

func TestSavepointRollsBackOnlyNestedScope(t *testing.T) {
	l := NewLog(256)
	if err := l.Push(UnInsert, 1, []byte("outer")); err != nil {
		t.Fatal(err)
	}

	sp := l.Savepoint()

	if err := l.Push(UnInsert, 1, []byte("inner-1")); err != nil {
		t.Fatal(err)
	}
	if err := l.Push(UnInsert, 1, []byte("inner-2")); err != nil {
		t.Fatal(err)
	}

	var undone [][]byte
	if err := l.Rollback(sp, func(e Entry) error {
		undone = append(undone, append([]byte(nil), e.Payload...))
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	want := [][]byte{[]byte("inner-2"), []byte("inner-1")}
	if !reflect.DeepEqual(undone, want) {
		t.Fatalf("got %v, want %v", undone, want)
	}
	if l.IsEmpty() {
		t.Fatal("outer entry should still be present after nested rollback")
	}
}

func TestPushSpansMultiplePages(t *testing.T) {
	l := NewLog(64) // small pages force chaining
	const n = 20
	for i := 0; i < n; i++ {
		if err := l.Push(UnInsert, 1, []byte("payload-bytes")); err != nil {
			t.Fatal(err)
		}
	}

	count := 0
	if err := l.FullRollback(func(e Entry) error {
		count++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Fatalf("got %d entries, want %d", count, n)
	}
}

func TestTruncateClearsLog(t *testing.T) {
	l := NewLog(256)
	l.Push(UnInsert, 1, []byte("x"))
	l.Truncate()
	if !l.IsEmpty() {
		t.Fatal("expected empty log after truncate")
	}
}
