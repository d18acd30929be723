// emberdb command line tool: opens a database directory and runs a
// single operation against one of its indexes.
//
// Run: go run ./cmd/emberdb -dir databases/demo -index widgets put foo bar
// Or:  go run ./cmd/emberdb -dir databases/demo -index widgets get foo
// Or:  go run ./cmd/emberdb -dir databases/demo -index widgets scan
// Or:  go run ./cmd/emberdb -dir databases/demo checkpoint
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/shubhamn/emberdb/emberdb"
	"github.com/shubhamn/emberdb/internal/config"
)

func main() {
	dir := flag.String("dir", "databases/demo", "database directory")
	indexName := flag.String("index", "default", "index name")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		log.Fatalf("usage: %s [-dir DIR] [-index NAME] put|get|delete|scan|checkpoint [args...]", os.Args[0])
	}

	db, err := emberdb.Open(*dir, config.Default(), nil)
	if err != nil {
		log.Fatalf("open %s: %v", *dir, err)
	}
	defer db.Close()

	cmd := args[0]
	rest := args[1:]

	if cmd == "checkpoint" {
		if err := db.Checkpoint(); err != nil {
			log.Fatalf("checkpoint: %v", err)
		}
		fmt.Println("checkpoint complete")
		return
	}

	idx, err := db.OpenIndex(*indexName)
	if err != nil {
		log.Fatalf("open index %s: %v", *indexName, err)
	}

	switch cmd {
	case "put":
		if len(rest) != 2 {
			log.Fatalf("put requires KEY VALUE")
		}
		if err := idx.Store(nil, []byte(rest[0]), []byte(rest[1])); err != nil {
			log.Fatalf("put: %v", err)
		}

	case "get":
		if len(rest) != 1 {
			log.Fatalf("get requires KEY")
		}
		value, found, err := idx.Get(nil, []byte(rest[0]))
		if err != nil {
			log.Fatalf("get: %v", err)
		}
		if !found {
			fmt.Println("(not found)")
			return
		}
		fmt.Println(string(value))

	case "delete":
		if len(rest) != 1 {
			log.Fatalf("delete requires KEY")
		}
		deleted, err := idx.Delete(nil, []byte(rest[0]))
		if err != nil {
			log.Fatalf("delete: %v", err)
		}
		fmt.Println("deleted:", deleted)

	case "scan":
		c := idx.NewCursor()
		defer c.Close()
		for err := c.First(); err != io.EOF; err = c.Next() {
			if err != nil {
				log.Fatalf("scan: %v", err)
			}
			key, err := c.Key()
			if err != nil {
				log.Fatalf("scan key: %v", err)
			}
			value, err := c.Value()
			if err != nil {
				log.Fatalf("scan value: %v", err)
			}
			fmt.Printf("%s = %s\n", key, value)
		}

	default:
		log.Fatalf("unknown command %q", cmd)
	}
}
