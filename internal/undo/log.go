package undo

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// page is one node in the undo log's page chain: entries are appended
// forward from the header, and offsets records each entry's start so a
// rollback can pop from the top without re-scanning the byte buffer
// (the buffer format itself stays forward-length-prefixed, matching
// spec.md 4.7's "top pointer records the next free byte in the top
// node"). prev is the "lower node id" chain link.
type page struct {
	buf     []byte
	top     int
	offsets []int
	prev    *page
}

func newPage(pageSize int, prev *page) *page {
	return &page{buf: make([]byte, pageSize), prev: prev}
}

func (p *page) remaining() int { return len(p.buf) - p.top }

// Savepoint snapshots a log's write position, letting Rollback unwind
// exactly to a nested scope's boundary.
type Savepoint struct {
	pg  *page
	top int
}

// Log is a per-transaction undo log.
type Log struct {
	pageSize int
	top      *page
}

func NewLog(pageSize int) *Log {
	return &Log{pageSize: pageSize, top: newPage(pageSize, nil)}
}

const maxEntryHeader = 1 + binary.MaxVarintLen64*2 // op + indexID + length

// Push appends an undo entry. Payloads larger than a page are rejected —
// callers (btree's mutation path) are expected to keep undo payloads
// bounded by max_entry_size, well under a page.
func (l *Log) Push(op Op, indexID uint64, payload []byte) error {
	need := maxEntryHeader + len(payload)
	if need > len(l.top.buf) {
		return errors.Errorf("undo: entry of %d bytes does not fit in a %d byte page", need, len(l.top.buf))
	}
	if l.top.remaining() < need {
		l.top = newPage(l.pageSize, l.top)
	}
	start := l.top.top
	n := l.top.top
	l.top.buf[n] = byte(op)
	n++
	n += binary.PutUvarint(l.top.buf[n:], indexID)
	n += binary.PutUvarint(l.top.buf[n:], uint64(len(payload)))
	n += copy(l.top.buf[n:], payload)
	l.top.top = n
	l.top.offsets = append(l.top.offsets, start)
	return nil
}

// PushCommit appends a COMMIT marker. Callers hold the commit lock while
// calling this, per spec.md 4.7 ("commit of the top scope writes a
// COMMIT entry to the undo log under the commit lock").
func (l *Log) PushCommit() error {
	return l.Push(Commit, 0, nil)
}

// Savepoint captures the log's current write position.
func (l *Log) Savepoint() Savepoint {
	return Savepoint{pg: l.top, top: l.top.top}
}

// Entry is a decoded undo record handed to a rollback callback.
type Entry struct {
	Op      Op
	IndexID uint64
	Payload []byte
}

func decode(buf []byte, start int) Entry {
	n := start
	op := Op(buf[n])
	n++
	indexID, sz := binary.Uvarint(buf[n:])
	n += sz
	plen, sz := binary.Uvarint(buf[n:])
	n += sz
	payload := buf[n : n+int(plen)]
	return Entry{Op: op, IndexID: indexID, Payload: payload}
}

// Rollback pops every entry pushed since sp, in reverse (most recent
// first), invoking apply for each, then truncates the log back to sp.
// If apply returns an error, rollback stops immediately, leaving the log
// state undefined — callers treat that as a fatal, database-panicking
// condition per spec.md 7 ("undo failures during rollback panic the
// database").
func (l *Log) Rollback(sp Savepoint, apply func(Entry) error) error {
	for l.top != sp.pg || l.top.top != sp.top {
		if len(l.top.offsets) == 0 {
			// Exhausted this page without reaching sp: move to the
			// previous page in the chain.
			if l.top.prev == nil {
				return errors.New("undo: savepoint not found in chain")
			}
			l.top = l.top.prev
			continue
		}
		last := len(l.top.offsets) - 1
		start := l.top.offsets[last]
		entry := decode(l.top.buf, start)
		if err := apply(entry); err != nil {
			return err
		}
		l.top.offsets = l.top.offsets[:last]
		l.top.top = start
	}
	return nil
}

// FullRollback rolls back to the very beginning of the log.
func (l *Log) FullRollback(apply func(Entry) error) error {
	base := l.base()
	return l.Rollback(Savepoint{pg: base, top: 0}, apply)
}

func (l *Log) base() *page {
	p := l.top
	for p.prev != nil {
		p = p.prev
	}
	return p
}

// Truncate discards the entire log, used once a transaction's commit is
// durable and its undo history no longer serves any purpose.
func (l *Log) Truncate() {
	l.top = newPage(l.pageSize, nil)
}

// IsEmpty reports whether the log holds no entries at all; savepoints do
// not bound it.
func (l *Log) IsEmpty() bool {
	return l.top.prev == nil && l.top.top == 0
}
