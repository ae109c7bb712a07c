package main

import (
	"testing"

	persistlog "spodb.dev/internal/persistence/log"
	"spodb.dev/internal/sim/world"
)

func TestReadEntries_StopsAtTick(t *testing.T) {
	dataDir := t.TempDir()
	j := persistlog.NewMutationJournal(dataDir, "run-1", 16, nil)
	j.OnWorldStateChange(80, "a", 0, 0, world.Values{"type": "ship", "health": 100.0})
	j.OnWorldStateChange(160, "a", 0, 1, world.Values{"health": 80.0})
	j.OnWorldStateChange(240, "a", 1, 2, world.Values{"health": 50.0})
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, lastTick, err := readEntries(dataDir, 160)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 || lastTick != 160 {
		t.Fatalf("entries=%d lastTick=%d", len(entries), lastTick)
	}
	if got := newestLineage(entries); got != "run-1" {
		t.Fatalf("lineage=%q want=run-1", got)
	}

	w, err := world.New(world.WorldConfig{Lineage: newestLineage(entries)})
	if err != nil {
		t.Fatal(err)
	}
	if n := persistlog.Replay(w, entries); n != 2 {
		t.Fatalf("applied=%d want=2", n)
	}
	obj, ok := w.Get("a")
	if !ok || obj.Revision != 1 || obj.Values["health"] != 80.0 {
		t.Fatalf("obj=%+v ok=%v", obj, ok)
	}
}

func TestNewestLineage_PicksLastLifetime(t *testing.T) {
	entries := []persistlog.JournalEntry{{Lineage: "run-1"}, {Lineage: "run-1"}, {Lineage: "run-2"}}
	if got := newestLineage(entries); got != "run-2" {
		t.Fatalf("lineage=%q want=run-2", got)
	}
	if got := newestLineage(nil); got != "" {
		t.Fatalf("lineage=%q want empty", got)
	}
}

func TestLatestSnapshot_EmptyDir(t *testing.T) {
	if got := latestSnapshot(t.TempDir()); got != "" {
		t.Fatalf("latest=%q want empty", got)
	}
}
