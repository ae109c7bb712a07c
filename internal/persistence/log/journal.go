package log

import (
	"encoding/json"
	stdlog "log"
	"path/filepath"
	"sync"
	"sync/atomic"

	"spodb.dev/internal/sim/patch"
	"spodb.dev/internal/sim/world"
)

// JournalEntry is one accepted mutation as broadcast by the world. Lineage
// is the world's lineage when the entry was written; revisions from
// different lineages are unrelated.
type JournalEntry struct {
	Lineage  string       `json:"lineage"`
	Tick     int64        `json:"tick"`
	ID       string       `json:"key"`
	Previous int64        `json:"previous"`
	Version  int64        `json:"version"`
	Patch    world.Values `json:"patch"`
}

type JournalStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// MutationJournal is a world.StateChangeListener that records every
// broadcast to <dir>/journal/journal-*.jsonl.zst. Entries are handed to a
// writer goroutine; when it falls behind entries are dropped and counted.
type MutationJournal struct {
	w       *JSONLZstdWriter
	log     *stdlog.Logger
	lineage string

	mu     sync.RWMutex
	closed bool
	ch     chan JournalEntry
	wg     sync.WaitGroup
	once   sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func JournalDir(dataDir string) string { return filepath.Join(dataDir, "journal") }

// NewMutationJournal stamps every entry with lineage, which must be the
// lineage of the world the journal listens to.
func NewMutationJournal(dataDir, lineage string, queue int, logger *stdlog.Logger) *MutationJournal {
	if queue <= 0 {
		queue = 4096
	}
	j := &MutationJournal{
		w:       NewJSONLZstdWriter(JournalDir(dataDir), "journal"),
		log:     logger,
		lineage: lineage,
		ch:      make(chan JournalEntry, queue),
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.loop()
	}()
	return j
}

func (j *MutationJournal) OnWorldStateChange(tick int64, id string, oldRev, newRev int64, p world.Values) {
	e := JournalEntry{Lineage: j.lineage, Tick: tick, ID: id, Previous: oldRev, Version: newRev, Patch: patch.Clone(p)}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- e:
	default:
		j.dropped.Add(1)
	}
}

func (j *MutationJournal) Stats() JournalStats {
	return JournalStats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
	}
}

// Close writes out queued entries and closes the current file.
func (j *MutationJournal) Close() error {
	var err error
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.ch)
		j.mu.Unlock()
		j.wg.Wait()
		err = j.w.Close()
	})
	return err
}

func (j *MutationJournal) loop() {
	for e := range j.ch {
		if err := j.w.Write(e); err != nil {
			j.failed.Add(1)
			if j.log != nil {
				j.log.Printf("journal write failed key=%s version=%d: %v", e.ID, e.Version, err)
			}
			continue
		}
		j.written.Add(1)
		if len(j.ch) == 0 {
			_ = j.w.Flush()
		}
	}
}

// ReadJournal calls fn with every entry under dataDir, oldest file first.
func ReadJournal(dataDir string, fn func(JournalEntry) error) error {
	files, err := ListFiles(JournalDir(dataDir), "journal")
	if err != nil {
		return err
	}
	for _, path := range files {
		err := ReadJSONL(path, func(line []byte) error {
			var e JournalEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Replay applies entries of w's lineage on top of its current state. An
// entry is applied only when it continues the stored revision of its object,
// so entries already contained in a snapshot are skipped. Replay returns the
// number of applied entries.
func Replay(w *world.World, entries []JournalEntry) int {
	lineage := w.Lineage()
	n := 0
	for _, e := range entries {
		if e.Lineage != lineage {
			continue
		}
		obj, ok := w.Get(e.ID)
		var rev int64
		if ok {
			rev = obj.Revision
		}
		if e.Previous == 0 && e.Version == 0 {
			// Creation broadcast.
			if ok {
				continue
			}
			w.Restore(world.SpaceObject{ID: e.ID, Values: e.Patch})
			n++
			continue
		}
		if rev != e.Previous {
			continue
		}
		values := obj.Values
		if values == nil {
			values = world.Values{}
		}
		patch.Merge(values, e.Patch)
		w.Restore(world.SpaceObject{ID: e.ID, Revision: e.Version, Values: values})
		n++
	}
	return n
}
