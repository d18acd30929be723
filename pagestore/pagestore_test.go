package pagestore

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	fa, err := Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer fa.Close()

	if err := fa.SetPageCount(4); err != nil {
		t.Fatal(err)
	}

	page := bytes.Repeat([]byte{0x7a}, 4096)
	if err := fa.WritePage(2, page, 0); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, 4096)
	if err := fa.ReadPage(2, out, 0, 4096); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, page) {
		t.Fatal("read did not match written page")
	}

	if err := fa.Sync(false); err != nil {
		t.Fatal(err)
	}
}

func TestOpenTwiceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	fa, err := Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer fa.Close()

	if _, err := Open(path, 4096); err == nil {
		t.Fatal("expected second open of the same file to fail the advisory lock")
	}
}

func TestPageCountGrowsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	fa, err := Open(path, 512)
	if err != nil {
		t.Fatal(err)
	}
	defer fa.Close()

	if fa.PageCount() != 0 {
		t.Fatalf("expected fresh file to have 0 pages, got %d", fa.PageCount())
	}
	if err := fa.SetPageCount(10); err != nil {
		t.Fatal(err)
	}
	if fa.PageCount() != 10 {
		t.Fatalf("expected 10 pages, got %d", fa.PageCount())
	}
}

func TestPagePoolRoundTrip(t *testing.T) {
	pool := NewPagePool(128, 2)
	a := pool.Remove()
	b := pool.Remove()
	if len(a) != 128 || len(b) != 128 {
		t.Fatal("wrong page size from pool")
	}
	pool.Add(a)
	pool.Add(b)
	c := pool.Remove()
	if len(c) != 128 {
		t.Fatal("wrong page size after re-add")
	}
}
