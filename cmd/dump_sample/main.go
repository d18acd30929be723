// dump_sample runs the seed program and then inspects every index file it
// produced, writing all output to cmd/sample_run_output.txt.
// Run from repo root: go run ./cmd/dump_sample
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/shubhamn/emberdb/pagestore"
)

const (
	baseDir    = "databases/demo"
	outputFile = "cmd/sample_run_output.txt"
)

func main() {
	outPath := outputFile
	// Without a cmd directory here (e.g. run from cmd/dump_sample), write
	// to the current directory.
	if _, err := os.Stat("cmd"); os.IsNotExist(err) {
		outPath = "sample_run_output.txt"
	}

	f, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	root := repoRoot()

	// Clean previous run so seed starts fresh.
	os.RemoveAll(filepath.Join(root, baseDir))

	fmt.Fprintln(f, "========== SEED (open database, create indexes, store/scan rows) ==========")
	cmd := exec.Command("go", "run", "./cmd/seed")
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.Dir = root
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(f, "seed exited with error: %v\n", err)
	}

	fmt.Fprintln(f, "\n========== INSPECT idx-0.db (catalog) ==========")
	inspectTo(f, filepath.Join(root, baseDir, "idx-0.db"))

	entries, err := os.ReadDir(filepath.Join(root, baseDir))
	if err != nil {
		fmt.Fprintf(f, "list %s: %v\n", baseDir, err)
	} else {
		for _, e := range entries {
			name := e.Name()
			if name == "idx-0.db" || filepath.Ext(name) != ".db" {
				continue
			}
			fmt.Fprintf(f, "\n========== INSPECT %s ==========\n", name)
			inspectTo(f, filepath.Join(root, baseDir, name))
		}
	}

	fmt.Printf("Output written to %s\n", outPath)
}

func inspectTo(f *os.File, path string) {
	fa, err := pagestore.Open(path, 4096)
	if err != nil {
		fmt.Fprintf(f, "open %s: %v\n", path, err)
		return
	}
	defer fa.Close()
	fmt.Fprintf(f, "page size:  %d\n", fa.PageSize())
	fmt.Fprintf(f, "page count: %d\n", fa.PageCount())
}

func repoRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
