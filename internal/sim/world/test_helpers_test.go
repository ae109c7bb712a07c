package world

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"spodb.dev/internal/sim/patch"
)

type fakeDurable struct {
	mu         sync.Mutex
	next       int
	inserts    []Values
	updates    []durableCall
	tombstones []string
	insertErr  error
}

type durableCall struct {
	ID  string
	Doc Values
}

func (d *fakeDurable) Insert(_ context.Context, doc Values) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.insertErr != nil {
		return "", d.insertErr
	}
	d.next++
	d.inserts = append(d.inserts, doc)
	return fmt.Sprintf("obj-%d", d.next), nil
}

func (d *fakeDurable) Update(id string, doc Values) <-chan error {
	d.mu.Lock()
	d.updates = append(d.updates, durableCall{ID: id, Doc: doc})
	d.mu.Unlock()
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (d *fakeDurable) Tombstone(id string) <-chan error {
	d.mu.Lock()
	d.tombstones = append(d.tombstones, id)
	d.mu.Unlock()
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (d *fakeDurable) LoadActive(_ context.Context, fn func(id string, doc Values) error) error {
	rows := []struct {
		id  string
		doc Values
	}{
		{"row-1", Values{"type": "ship", "account": "acct-1"}},
		{"row-2", Values{"type": "station"}},
	}
	for _, r := range rows {
		if err := fn(r.id, r.doc); err != nil {
			return err
		}
	}
	return nil
}

type change struct {
	Tick   int64
	ID     string
	OldRev int64
	NewRev int64
	Patch  Values
}

type recordingListener struct {
	name  string
	calls *[]string
	seen  []change
	ticks []int64
}

func (l *recordingListener) OnWorldStateChange(tick int64, id string, oldRev, newRev int64, p Values) {
	if l.calls != nil {
		*l.calls = append(*l.calls, l.name)
	}
	l.seen = append(l.seen, change{Tick: tick, ID: id, OldRev: oldRev, NewRev: newRev, Patch: patch.Clone(p)})
}

func (l *recordingListener) OnWorldTick(tick int64) {
	if l.calls != nil {
		*l.calls = append(*l.calls, l.name)
	}
	l.ticks = append(l.ticks, tick)
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newTestWorld(t *testing.T, d DurableStore) *World {
	t.Helper()
	cfg := WorldConfig{Clock: fixedClock(1_000_037)}
	if d != nil {
		cfg.Durable = d
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	return w
}
