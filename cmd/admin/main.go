package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "spodb.dev/internal/persistence/log"
	"spodb.dev/internal/persistence/objectdb"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "objects":
			objectsCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	objectsCmd(os.Args[1:])
}

func defaultDBPath(dataDir string) string {
	return filepath.Join(dataDir, "db", "spodb.sqlite")
}

func objectsCmd(args []string) {
	fs := flag.NewFlagSet("objects", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/db/spodb.sqlite)")
	all := fs.Bool("all", false, "include tombstoned objects")
	system := fs.String("system", "", "solar_system filter (optional)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = defaultDBPath(*dataDir)
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := objectdb.OpenSQLite(path, 1, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	rows, err := db.List(context.Background(), *all)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	for _, r := range rows {
		if *system != "" && r.SystemID != *system {
			continue
		}
		printJSON(r)
	}
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	id := fs.String("id", "", "object id filter (optional)")
	since := fs.Int64("since_tick", 0, "skip entries before tick")
	limit := fs.Int("limit", 0, "stop after n entries (0: no limit)")
	_ = fs.Parse(args)

	n := 0
	err := persistlog.ReadJournal(*dataDir, func(e persistlog.JournalEntry) error {
		if e.Tick < *since || (*id != "" && e.ID != *id) {
			return nil
		}
		printJSON(e)
		n++
		if *limit > 0 && n >= *limit {
			return errStop
		}
		return nil
	})
	if err != nil && err != errStop {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
}

var errStop = errors.New("stop")
