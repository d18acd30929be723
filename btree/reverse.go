package btree

// ReverseView flips a Cursor's sense of direction: First/Last and
// Next/Previous swap. Grounded directly in Tupl's ReverseView.java
// (original_source), which wraps a View the same way rather than
// duplicating cursor logic (SPEC_FULL.md 6's supplemented features).
type ReverseView struct {
	c *Cursor
}

// Reverse wraps c so that First behaves like Last, Next like Previous,
// and vice versa. The wrapped cursor is not copied; both handles walk
// the same underlying position.
func (c *Cursor) Reverse() *ReverseView {
	return &ReverseView{c: c}
}

func (r *ReverseView) First() error    { return r.c.Last() }
func (r *ReverseView) Last() error     { return r.c.First() }
func (r *ReverseView) Next() error     { return r.c.Previous() }
func (r *ReverseView) Previous() error { return r.c.Next() }
func (r *ReverseView) Find(key []byte) error { return r.c.Find(key) }
func (r *ReverseView) Key() ([]byte, error)   { return r.c.Key() }
func (r *ReverseView) Value() ([]byte, error) { return r.c.Value() }
func (r *ReverseView) Close()                 { r.c.Close() }

// Unwrap returns the underlying forward cursor.
func (r *ReverseView) Unwrap() *Cursor { return r.c }
