package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"spodb.dev/internal/persistence/snapshot"
	"spodb.dev/internal/sim/world"
)

// snapshotter writes <dir>/<tick>.snap.zst every `every` ticks and on admin
// request. It is registered as a tick listener; the file is written off the
// tick goroutine.
type snapshotter struct {
	world *world.World
	dir   string
	every int
	log   *log.Logger

	ticks atomic.Int64
	busy  atomic.Bool
	mu    sync.Mutex
}

func newSnapshotter(w *world.World, dataDir string, every int, logger *log.Logger) *snapshotter {
	return &snapshotter{
		world: w,
		dir:   filepath.Join(dataDir, "snapshots"),
		every: every,
		log:   logger,
	}
}

func (s *snapshotter) OnWorldTick(int64) {
	if s.every <= 0 {
		return
	}
	if s.ticks.Add(1)%int64(s.every) != 0 {
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.busy.Store(false)
		if path, _, err := s.SaveSnapshot(context.Background()); err != nil {
			s.log.Printf("snapshot: %v", err)
		} else {
			s.log.Printf("snapshot written %s", path)
		}
	}()
}

func (s *snapshotter) SaveSnapshot(ctx context.Context) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	snap := s.world.ExportSnapshot()
	path := filepath.Join(s.dir, fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", snap.Header.Tick, err
	}
	return path, snap.Header.Tick, nil
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
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseInt(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}
