package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	persistlog "spodb.dev/internal/persistence/log"
	"spodb.dev/internal/persistence/snapshot"
	"spodb.dev/internal/sim/world"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory (journal and snapshots)")
		snapPath = flag.String("snapshot", "", "path to .snap.zst (optional; defaults to latest, or an empty world)")
		toTick   = flag.Int64("to_tick", 0, "stop at tick (inclusive, optional)")
		outPath  = flag.String("out", "", "write the replayed world as a new snapshot (optional)")
		lineage  = flag.String("lineage", "", "journal lineage to replay without a snapshot (optional; defaults to the newest)")
	)
	flag.Parse()

	entries, lastTick, err := readEntries(*dataDir, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		path = latestSnapshot(*dataDir)
	}
	cfg := world.WorldConfig{Lineage: strings.TrimSpace(*lineage)}
	if cfg.Lineage == "" && path == "" {
		cfg.Lineage = newestLineage(entries)
	}
	w, err := world.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "world:", err)
		os.Exit(1)
	}
	if path != "" {
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		if err := w.ImportSnapshot(snap); err != nil {
			fmt.Fprintln(os.Stderr, "import snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d tick=%d objects=%d (%s)\n", snap.Header.Version, snap.Header.Tick, len(snap.Objects), path)
	} else {
		fmt.Println("no snapshot; replaying the journal onto an empty world")
	}
	fmt.Printf("lineage %s\n", w.Lineage())

	res := replayResult{
		read:     len(entries),
		applied:  persistlog.Replay(w, entries),
		lastTick: lastTick,
	}

	counts := map[string]int{}
	for _, o := range w.ScanDistanceFrom(nil, "") {
		t, _ := o.Values["type"].(string)
		counts[t]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	var b strings.Builder
	for _, t := range types {
		fmt.Fprintf(&b, " %s=%d", t, counts[t])
	}
	fmt.Printf("replay ok: read=%d applied=%d last_tick=%d active:%s\n", res.read, res.applied, res.lastTick, b.String())

	if *outPath != "" {
		snap := w.ExportSnapshot()
		if res.lastTick > snap.Header.Tick {
			snap.Header.Tick = res.lastTick
		}
		if err := snapshot.WriteSnapshot(*outPath, snap); err != nil {
			fmt.Fprintln(os.Stderr, "write snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s tick=%d objects=%d\n", *outPath, snap.Header.Tick, len(snap.Objects))
	}
}

type replayResult struct {
	read     int
	applied  int
	lastTick int64
}

// readEntries returns the journal entries up to toTick (0 means all) and the
// highest tick among them.
func readEntries(dataDir string, toTick int64) ([]persistlog.JournalEntry, int64, error) {
	var entries []persistlog.JournalEntry
	var lastTick int64
	err := persistlog.ReadJournal(dataDir, func(e persistlog.JournalEntry) error {
		if toTick != 0 && e.Tick > toTick {
			return nil
		}
		entries = append(entries, e)
		if e.Tick > lastTick {
			lastTick = e.Tick
		}
		return nil
	})
	return entries, lastTick, err
}

// newestLineage is the lineage of the last entry in journal order, which is
// the most recent server lifetime.
func newestLineage(entries []persistlog.JournalEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[len(entries)-1].Lineage
}

func latestSnapshot(dataDir string) string {
	dir := filepath.Join(dataDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick int64
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseInt(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			best, bestTick = filepath.Join(dir, name), tick
		}
	}
	return best
}
