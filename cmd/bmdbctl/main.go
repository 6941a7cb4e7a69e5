// Command bmdbctl is a thin smoke-test CLI over pkg/storage's Store
// contract: open a database directory, put/get/scan documents, and
// trigger a checkpoint/compaction. It deliberately does not grow a
// query language or parser.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobboyms/bmdb/pkg/catalog"
	"github.com/bobboyms/bmdb/pkg/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "put":
		runPut(args)
	case "get":
		runGet(args)
	case "del":
		runDel(args)
	case "scan":
		runScan(args)
	case "compact":
		runCompact(args)
	case "indexes":
		runIndexes(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `bmdbctl: bmdb storage-engine smoke CLI

Usage:
  bmdbctl put     -dir PATH [-backend wal|binary] TABLE KEY JSON
  bmdbctl get     -dir PATH [-backend wal|binary] TABLE KEY
  bmdbctl del     -dir PATH [-backend wal|binary] TABLE KEY
  bmdbctl scan    -dir PATH [-backend wal|binary] TABLE
  bmdbctl compact -dir PATH [-backend wal|binary]
  bmdbctl indexes -dir PATH [-backend wal|binary]`)
}

// openBackend opens the backend named by backend ("wal" or "binary")
// at dir, using the JSON codec so document bodies round-trip as plain
// JSON text on the command line.
func openBackend(dir, backend string) (storage.Store, func(), error) {
	if dir == "" {
		return nil, nil, fmt.Errorf("bmdbctl: -dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}

	switch backend {
	case "wal", "":
		s, err := storage.OpenWALStore(dir, storage.JSONCodec{})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "binary":
		s, err := storage.OpenBinaryStore(dir, storage.JSONCodec{})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("bmdbctl: unknown backend %q", backend)
	}
}

// parseFlagsWithPositional parses -dir/-backend and returns the
// remaining positional arguments.
func parseFlagsWithPositional(name string, args []string) (*flag.FlagSet, string, string, []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dir := fs.String("dir", "", "database directory")
	backend := fs.String("backend", "wal", "storage backend: wal | binary")
	fs.Parse(args)
	return fs, *dir, *backend, fs.Args()
}

func runPut(args []string) {
	fs, dir, backend, rest := parseFlagsWithPositional("put", args)
	if len(rest) != 3 {
		fmt.Fprintln(os.Stderr, "usage: bmdbctl put -dir PATH TABLE KEY JSON")
		fs.Usage()
		os.Exit(2)
	}
	table, key, body := rest[0], rest[1], rest[2]

	var probe json.RawMessage
	if err := json.Unmarshal([]byte(body), &probe); err != nil {
		fmt.Fprintf(os.Stderr, "bmdbctl: invalid JSON document: %v\n", err)
		os.Exit(1)
	}

	store, closeFn, err := openBackend(dir, backend)
	fatalIf(err)
	defer closeFn()

	if err := store.Write(table, key, []byte(body)); err != nil {
		fmt.Fprintf(os.Stderr, "bmdbctl: put failed: %v\n", err)
		os.Exit(1)
	}
}

func runGet(args []string) {
	fs, dir, backend, rest := parseFlagsWithPositional("get", args)
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: bmdbctl get -dir PATH TABLE KEY")
		fs.Usage()
		os.Exit(2)
	}
	table, key := rest[0], rest[1]

	store, closeFn, err := openBackend(dir, backend)
	fatalIf(err)
	defer closeFn()

	data, ok, err := store.Read(table, key)
	fatalIf(err)
	if !ok {
		fmt.Fprintln(os.Stderr, "bmdbctl: not found")
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func runDel(args []string) {
	fs, dir, backend, rest := parseFlagsWithPositional("del", args)
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: bmdbctl del -dir PATH TABLE KEY")
		fs.Usage()
		os.Exit(2)
	}
	table, key := rest[0], rest[1]

	store, closeFn, err := openBackend(dir, backend)
	fatalIf(err)
	defer closeFn()

	existed, err := store.Delete(table, key)
	fatalIf(err)
	if !existed {
		fmt.Fprintln(os.Stderr, "bmdbctl: not found")
		os.Exit(1)
	}
}

func runScan(args []string) {
	fs, dir, backend, rest := parseFlagsWithPositional("scan", args)
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: bmdbctl scan -dir PATH TABLE")
		fs.Usage()
		os.Exit(2)
	}
	table := rest[0]

	store, closeFn, err := openBackend(dir, backend)
	fatalIf(err)
	defer closeFn()

	keys, err := store.AllKeys(table)
	fatalIf(err)
	for _, k := range keys {
		data, ok, err := store.Read(table, k)
		if err != nil || !ok {
			continue
		}
		fmt.Printf("%s\t%s\n", k, string(data))
	}
}

func runCompact(args []string) {
	fs, dir, backend, rest := parseFlagsWithPositional("compact", args)
	if len(rest) != 0 {
		fmt.Fprintln(os.Stderr, "usage: bmdbctl compact -dir PATH")
		fs.Usage()
		os.Exit(2)
	}

	store, closeFn, err := openBackend(dir, backend)
	fatalIf(err)
	defer closeFn()

	fatalIf(store.Compact())
}

func runIndexes(args []string) {
	fs, dir, _, rest := parseFlagsWithPositional("indexes", args)
	if len(rest) != 0 || dir == "" {
		fmt.Fprintln(os.Stderr, "usage: bmdbctl indexes -dir PATH")
		fs.Usage()
		os.Exit(2)
	}

	cat, err := catalog.Open(filepath.Join(dir, "catalog.json"))
	fatalIf(err)

	for _, def := range cat.ListIndexes() {
		fmt.Printf("%s\ttable=%s\tfields=%v\tunique=%v\n", def.Name, def.Table, def.Fields, def.Unique)
	}
}

func fatalIf(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "bmdbctl: %v\n", err)
		os.Exit(1)
	}
}
