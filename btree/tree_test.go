package btree

import (
	"fmt"
	"testing"

	"github.com/shubhamn/emberdb/internal/fragment"
	"github.com/shubhamn/emberdb/internal/nodemap"
)

// memPageArray is a minimal in-memory stand-in for pagestore.PageArray,
// sized only for exercising Tree without touching a real file.
type memPageArray struct {
	pageSize uint32
	pages    [][]byte
}

func newMemPageArray(pageSize uint32) *memPageArray {
	return &memPageArray{pageSize: pageSize}
}

func (m *memPageArray) PageSize() uint32   { return m.pageSize }
func (m *memPageArray) PageCount() uint64  { return uint64(len(m.pages)) }
func (m *memPageArray) SetPageCount(n uint64) error {
	for uint64(len(m.pages)) < n {
		m.pages = append(m.pages, make([]byte, m.pageSize))
	}
	m.pages = m.pages[:n]
	return nil
}

func (m *memPageArray) ensure(index uint64) {
	for uint64(len(m.pages)) <= index {
		m.pages = append(m.pages, make([]byte, m.pageSize))
	}
}

func (m *memPageArray) ReadPage(index uint64, out []byte, offset, length int) error {
	m.ensure(index)
	copy(out[:length], m.pages[index][offset:offset+length])
	return nil
}

func (m *memPageArray) WritePage(index uint64, buf []byte, offset int) error {
	m.ensure(index)
	copy(m.pages[index][offset:], buf)
	return nil
}

func newTestOpenTree(t *testing.T, pageSize uint32) *Tree {
	t.Helper()
	pa := newMemPageArray(pageSize)
	nm := nodemap.New()
	ul := nodemap.NewUsageList()
	frags := fragment.NewDefaultService(32)
	cfg := Config{MaxKeySize: 128, MaxEntrySize: 128, MaxFragmentedEntrySize: 1 << 20}
	tr, err := Open(1, 0, pa, nm, ul, frags, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestTreeStoreGetDeleteRoundTrip(t *testing.T) {
	tr := newTestOpenTree(t, 512)

	if err := tr.Store([]byte("hello"), []byte("world")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := tr.Get([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "world" {
		t.Fatalf("Get(hello) = (%q,%v), want (world,true)", v, ok)
	}

	if _, ok, err := tr.Get([]byte("missing")); err != nil || ok {
		t.Fatalf("Get(missing) = (_,%v,%v), want (_,false,nil)", ok, err)
	}

	deleted, err := tr.Delete([]byte("hello"), false)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected Delete to report the key existed")
	}
	if _, ok, err := tr.Get([]byte("hello")); err != nil || ok {
		t.Fatalf("Get after delete = (_,%v,%v), want (_,false,nil)", ok, err)
	}
}

func TestTreeUpdateExistingKey(t *testing.T) {
	tr := newTestOpenTree(t, 512)

	if err := tr.Store([]byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Store([]byte("k"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Store([]byte("k"), []byte("a much longer replacement value")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := tr.Get([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "a much longer replacement value" {
		t.Fatalf("Get(k) = (%q,%v)", v, ok)
	}
}

func TestTreeGhostDeleteThenReap(t *testing.T) {
	tr := newTestOpenTree(t, 512)

	if err := tr.Store([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	deleted, err := tr.Delete([]byte("k"), true)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected ghost delete to report the key existed")
	}

	// A ghosted key is invisible to Get even before the ghost is reaped.
	if _, ok, err := tr.Get([]byte("k")); err != nil || ok {
		t.Fatalf("Get on ghosted key = (_,%v,%v), want (_,false,nil)", ok, err)
	}

	if err := tr.ReapGhost([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := tr.Get([]byte("k")); err != nil || ok {
		t.Fatalf("Get after reap = (_,%v,%v), want (_,false,nil)", ok, err)
	}
}

func TestTreeSplitsAcrossManyInserts(t *testing.T) {
	// A small page forces splits (and eventually a new root) well before
	// this many distinct keys have been inserted.
	tr := newTestOpenTree(t, 256)

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("val-%04d", i))
		if err := tr.Store(key, val); err != nil {
			t.Fatalf("Store(%s): %v", key, err)
		}
	}

	if !tr.root.isInternal() {
		t.Fatal("expected root to have been promoted to an internal node")
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := fmt.Sprintf("val-%04d", i)
		v, ok, err := tr.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if !ok || string(v) != want {
			t.Fatalf("Get(%s) = (%q,%v), want (%q,true)", key, v, ok, want)
		}
	}

	// Delete every other key and confirm the rest remain reachable.
	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if _, err := tr.Delete(key, false); err != nil {
			t.Fatalf("Delete(%s): %v", key, err)
		}
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		_, ok, err := tr.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if i%2 == 0 && ok {
			t.Fatalf("Get(%s) still found after delete", key)
		}
		if i%2 == 1 && !ok {
			t.Fatalf("Get(%s) missing, want present", key)
		}
	}
}

func TestTreeFragmentsOversizedValues(t *testing.T) {
	tr := newTestOpenTree(t, 512)
	tr.maxEntrySize = 16

	big := make([]byte, 500)
	for i := range big {
		big[i] = byte('a' + i%26)
	}

	if err := tr.Store([]byte("big"), big); err != nil {
		t.Fatal(err)
	}
	v, ok, err := tr.Get([]byte("big"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != string(big) {
		t.Fatalf("Get(big) round trip mismatch (ok=%v, len=%d)", ok, len(v))
	}
}

func TestTreeFragmentsOversizedKeys(t *testing.T) {
	tr := newTestOpenTree(t, 512)
	tr.maxKeySize = 4

	bigKey := make([]byte, 200)
	for i := range bigKey {
		bigKey[i] = byte('a' + i%26)
	}

	if err := tr.Store(bigKey, []byte("v")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := tr.Get(bigKey)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "v" {
		t.Fatalf("Get(bigKey) round trip mismatch (ok=%v, v=%q)", ok, v)
	}
}
