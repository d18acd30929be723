// Seed program: creates a database under databases/demo with a couple of
// indexes and sample rows, then prints them back out.
// Run: go run ./cmd/seed
// Then inspect: databases/demo/*.db (one file per index, the catalog being idx-0.db)
// and databases/demo/redo.log.
package main

import (
	"fmt"
	"io"
	"log"

	"github.com/shubhamn/emberdb/emberdb"
	"github.com/shubhamn/emberdb/internal/config"
)

const baseDir = "databases/demo"

func main() {
	db, err := emberdb.Open(baseDir, config.Default(), nil)
	if err != nil {
		log.Fatalf("open %s: %v", baseDir, err)
	}
	defer db.Close()

	students, err := db.OpenIndex("students")
	if err != nil {
		log.Fatalf("open students index: %v", err)
	}
	courses, err := db.OpenIndex("courses")
	if err != nil {
		log.Fatalf("open courses index: %v", err)
	}
	grades, err := db.OpenIndex("grades")
	if err != nil {
		log.Fatalf("open grades index: %v", err)
	}

	fmt.Println("Seeding students, courses, grades...")

	put := func(idx *emberdb.Index, key, value string) {
		if err := idx.Store(nil, []byte(key), []byte(value)); err != nil {
			log.Fatalf("store %q=%q: %v", key, value, err)
		}
	}

	put(students, "S001", "Alice,20")
	put(students, "S002", "Bob,21")
	put(students, "S003", "Carol,19")

	put(courses, "CS101", "Intro to CS")
	put(courses, "CS102", "Data Structures")

	put(grades, "1", "CS101,A")
	put(grades, "2", "CS102,B")
	put(grades, "3", "CS101,A")

	dump := func(name string, idx *emberdb.Index) {
		fmt.Printf("\n--- %s ---\n", name)
		c := idx.NewCursor()
		defer c.Close()
		for err := c.First(); err != io.EOF; err = c.Next() {
			if err != nil {
				log.Fatalf("%s scan: %v", name, err)
			}
			key, kerr := c.Key()
			if kerr != nil {
				log.Fatalf("%s key: %v", name, kerr)
			}
			value, verr := c.Value()
			if verr != nil {
				log.Fatalf("%s value: %v", name, verr)
			}
			fmt.Printf("%s = %s\n", key, value)
		}
	}

	dump("students", students)
	dump("courses", courses)
	dump("grades", grades)

	if err := db.Checkpoint(); err != nil {
		log.Fatalf("checkpoint: %v", err)
	}

	fmt.Println("\nDone. Inspect:")
	fmt.Println("  - Per-index files: ", baseDir+"/idx-*.db")
	fmt.Println("  - Catalog file:    ", baseDir+"/idx-0.db")
	fmt.Println("  - Redo log:        ", baseDir+"/redo.log")
}
