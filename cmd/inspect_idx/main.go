// Inspect an emberdb index file (one of databases/*/idx-N.db; idx-0.db
// is the catalog): prints its page size, page count, and the root page id
// recorded in its page-0 superblock.
// Usage: go run ./cmd/inspect_idx <path-to-.db> [page-size]
// Example: go run ./cmd/inspect_idx databases/demo/idx-1.db
package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/shubhamn/emberdb/pagestore"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <index.db> [page-size]\n", os.Args[0])
		os.Exit(1)
	}
	path := os.Args[1]

	pageSize := uint32(4096)
	if len(os.Args) > 2 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad page-size %q: %v\n", os.Args[2], err)
			os.Exit(1)
		}
		pageSize = uint32(n)
	}

	if err := inspect(path, pageSize, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func inspect(path string, pageSize uint32, w *os.File) error {
	fa, err := pagestore.Open(path, pageSize)
	if err != nil {
		return err
	}
	defer fa.Close()

	fmt.Fprintf(w, "file:       %s\n", path)
	fmt.Fprintf(w, "page size:  %d\n", fa.PageSize())
	fmt.Fprintf(w, "page count: %d\n", fa.PageCount())

	if fa.PageCount() == 0 {
		fmt.Fprintln(w, "(empty file, no superblock yet)")
		return nil
	}

	buf := make([]byte, fa.PageSize())
	if err := fa.ReadPage(0, buf, 0, len(buf)); err != nil {
		return err
	}
	rootID := binary.LittleEndian.Uint64(buf[:8])
	fmt.Fprintf(w, "root page:  %d\n", rootID)

	tail := buf[8:]
	if len(tail) > 64 {
		tail = tail[:64]
	}
	fmt.Fprintf(w, "superblock tail (hex): %s\n", hex.EncodeToString(tail))
	return nil
}
