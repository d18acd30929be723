package redo

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Record is one decoded redo log entry.
type Record struct {
	Op      Op
	TxnID   int64
	IndexID uint64
	Key     []byte
	Value   []byte // nil for Op==OpDelete and for ops with no value payload
}

// Scan reads every well-formed record from path in order and calls fn for
// each. It stops, without error, the moment a record's terminator byte is
// missing or a read hits an unexpected EOF mid-record: both indicate a
// torn trailing write from a crash, which spec.md 6 says a decoder must
// treat as "the log's end-of-file" rather than corruption.
func Scan(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "redo: open for scan")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var lastTxnID int64

	for {
		opByte, err := r.ReadByte()
		if err != nil {
			return nil // clean EOF between records
		}
		op := Op(opByte)

		rec := Record{Op: op}
		ok := true

		switch op {
		case OpReset:
			lastTxnID = 0
		case OpTimestamp, OpEndFile, OpClose, OpShutdown:
			// no operand
		case OpEnter, OpCommit, OpCommitFinal, OpRollback, OpRollbackFinal, OpCustom:
			delta, err := binary.ReadVarint(r)
			if err != nil {
				return nil
			}
			lastTxnID += delta
			rec.TxnID = lastTxnID
			if op == OpCustom {
				rec.Value, ok = readBytes(r)
			}
		case OpStore, OpDelete:
			delta, err := binary.ReadVarint(r)
			if err != nil {
				return nil
			}
			lastTxnID += delta
			rec.TxnID = lastTxnID
			idx, err := binary.ReadUvarint(r)
			if err != nil {
				return nil
			}
			rec.IndexID = idx
			rec.Key, ok = readBytes(r)
			if ok && op == OpStore {
				rec.Value, ok = readBytes(r)
			}
		case OpRenameIndex:
			delta, err := binary.ReadVarint(r)
			if err != nil {
				return nil
			}
			lastTxnID += delta
			rec.TxnID = lastTxnID
			idx, err := binary.ReadUvarint(r)
			if err != nil {
				return nil
			}
			rec.IndexID = idx
			rec.Value, ok = readBytes(r)
		case OpDeleteIndex:
			delta, err := binary.ReadVarint(r)
			if err != nil {
				return nil
			}
			lastTxnID += delta
			rec.TxnID = lastTxnID
			idx, err := binary.ReadUvarint(r)
			if err != nil {
				return nil
			}
			rec.IndexID = idx
		default:
			return nil // unknown opcode: treat as end of well-formed stream
		}

		if !ok {
			return nil
		}

		term, err := r.ReadByte()
		if err != nil || term != terminator {
			return nil
		}

		if err := fn(rec); err != nil {
			return err
		}
	}
}

func readBytes(r *bufio.Reader) ([]byte, bool) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, false
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false
	}
	return buf, true
}
