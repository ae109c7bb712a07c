package world

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"spodb.dev/internal/persistence/snapshot"
)

func TestAddObjectThenConflictingMutation(t *testing.T) {
	d := &fakeDurable{}
	w := newTestWorld(t, d)
	l := &recordingListener{}
	if err := w.AddListener(l); err != nil {
		t.Fatalf("add listener: %v", err)
	}

	id, err := w.AddObject(context.Background(), Values{"health": 100, "type": "ship"})
	if err != nil {
		t.Fatalf("add object: %v", err)
	}
	obj, ok := w.Get(id)
	if !ok || obj.Revision != 0 {
		t.Fatalf("after add: ok=%v rev=%d want rev=0", ok, obj.Revision)
	}

	m, err := w.MutateWorldState(id, 0, Values{"health": 80})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if m.Previous != 0 || m.Version != 1 {
		t.Fatalf("mutation prev=%d version=%d want 0/1", m.Previous, m.Version)
	}
	last := l.seen[len(l.seen)-1]
	if !reflect.DeepEqual(last.Patch, Values{"health": 80}) {
		t.Fatalf("broadcast patch=%v want health:80 only", last.Patch)
	}

	_, err = w.MutateWorldState(id, 0, Values{"health": 60})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v want ConflictError", err)
	}
	if ce.Expected != 0 || ce.Found != 1 || ce.ID != id {
		t.Fatalf("conflict=%+v want expected=0 found=1 id=%s", ce, id)
	}
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("errors.Is(err, ErrConflict)=false")
	}
	obj, _ = w.Get(id)
	if obj.Revision != 1 || obj.Values["health"] != 80 {
		t.Fatalf("after conflict: rev=%d health=%v want 1/80", obj.Revision, obj.Values["health"])
	}
	if len(l.seen) != 2 {
		t.Fatalf("broadcasts=%d want=2 (create + accepted mutation)", len(l.seen))
	}
}

func TestAddObject_BroadcastsFromRevisionZero(t *testing.T) {
	w := newTestWorld(t, &fakeDurable{})
	l := &recordingListener{}
	_ = w.AddListener(l)

	id, err := w.AddObject(context.Background(), Values{"type": "ship"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(l.seen) != 1 {
		t.Fatalf("broadcasts=%d want=1", len(l.seen))
	}
	c := l.seen[0]
	if c.ID != id || c.OldRev != 0 || c.NewRev != 0 || c.Patch["type"] != "ship" {
		t.Fatalf("create broadcast=%+v", c)
	}
}

func TestAddObject_InsertFailureLeavesStoreUntouched(t *testing.T) {
	d := &fakeDurable{insertErr: errors.New("db down")}
	w := newTestWorld(t, d)
	if _, err := w.AddObject(context.Background(), Values{"type": "ship"}); err == nil {
		t.Fatalf("expected insert error")
	}
	if got := w.Metrics().Objects; got != 0 {
		t.Fatalf("objects=%d want=0", got)
	}
}

type preparer struct{}

func (preparer) OnPrepareNewObject(v Values) { v["health"] = 100 }

func TestAddObject_PreparersAdjustValues(t *testing.T) {
	d := &fakeDurable{}
	w := newTestWorld(t, d)
	p := &preparer{}
	if err := w.AddListener(p); err != nil {
		t.Fatalf("add preparer: %v", err)
	}
	id, _ := w.AddObject(context.Background(), Values{"type": "ship"})
	obj, _ := w.Get(id)
	if obj.Values["health"] != 100 {
		t.Fatalf("health=%v want=100", obj.Values["health"])
	}
	if d.inserts[0]["health"] != 100 {
		t.Fatalf("durable insert missed prepared values: %v", d.inserts[0])
	}
}

func TestMutate_MergesRecursively(t *testing.T) {
	w := newTestWorld(t, nil)
	w.Restore(SpaceObject{ID: "s", Revision: 4, Values: Values{
		"weapon":  map[string]any{"state": "shoot", "damage": 10},
		"effects": map[string]any{"shooting": "t"},
	}})

	if _, err := w.MutateWorldState("s", 4, Values{"weapon": map[string]any{"state": nil}}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	obj, _ := w.Get("s")
	want := Values{
		"weapon":  map[string]any{"state": nil, "damage": 10},
		"effects": map[string]any{"shooting": "t"},
	}
	if obj.Revision != 5 || !reflect.DeepEqual(obj.Values, want) {
		t.Fatalf("rev=%d values=%v want rev=5 values=%v", obj.Revision, obj.Values, want)
	}
}

func TestMutate_ConflictLeavesRecordUnchanged(t *testing.T) {
	w := newTestWorld(t, nil)
	w.Restore(SpaceObject{ID: "s", Revision: 2, Values: Values{"nested": map[string]any{"a": 1}}})
	before, _ := w.Get("s")

	for _, expected := range []int64{0, 1, 3, 100} {
		_, err := w.MutateWorldState("s", expected, Values{"nested": map[string]any{"a": 2}, "tombstone": true})
		var ce *ConflictError
		if !errors.As(err, &ce) || ce.Expected != expected || ce.Found != 2 {
			t.Fatalf("expected=%d err=%v", expected, err)
		}
	}
	after, _ := w.Get("s")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("record changed on conflict: before=%+v after=%+v", before, after)
	}
	if got := w.Metrics().Conflicts; got != 4 {
		t.Fatalf("conflicts=%d want=4", got)
	}
}

func TestMutate_UnknownIDStartsFromEmptyRecord(t *testing.T) {
	w := newTestWorld(t, nil)
	if _, err := w.MutateWorldState("ghost", 1, Values{"a": 1}); !errors.Is(err, ErrConflict) {
		t.Fatalf("err=%v want conflict (found 0)", err)
	}
	if _, ok := w.Get("ghost"); ok {
		t.Fatalf("conflicting mutation must not create the record")
	}
	m, err := w.MutateWorldState("ghost", 0, Values{"a": 1})
	if err != nil || m.Version != 1 {
		t.Fatalf("m=%+v err=%v", m, err)
	}
}

func TestMutate_TombstoneWrittenOnceOnTransition(t *testing.T) {
	d := &fakeDurable{}
	w := newTestWorld(t, d)
	w.Restore(SpaceObject{ID: "t", Values: Values{"health": 5}})

	if _, err := w.MutateWorldState("t", 0, Values{"tombstone": false}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if _, err := w.MutateWorldState("t", 1, Values{"tombstone": true}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if _, err := w.MutateWorldState("t", 2, Values{"tombstone": true, "health": 0}); err != nil {
		t.Fatalf("mutate on tombstoned object: %v", err)
	}
	if len(d.tombstones) != 1 || d.tombstones[0] != "t" {
		t.Fatalf("tombstones=%v want exactly [t]", d.tombstones)
	}
}

func TestMutate_TombstoneIsTerminal(t *testing.T) {
	d := &fakeDurable{}
	w := newTestWorld(t, d)
	l := &recordingListener{}
	if err := w.AddListener(l); err != nil {
		t.Fatal(err)
	}

	steps := []Values{
		{"type": "ship"},
		{"tombstone": true},
		{"tombstone": false, "health": 3},
		{"tombstone": true},
	}
	for i, p := range steps {
		if _, err := w.MutateWorldState("x", int64(i), p); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	if got := w.ScanDistanceFrom(nil, ""); len(got) != 0 {
		t.Fatalf("scan=%v want empty", got)
	}
	obj, _ := w.Get("x")
	if !obj.Tombstoned() || obj.Values["health"] != 3 || obj.Revision != 4 {
		t.Fatalf("obj=%+v", obj)
	}
	if len(d.tombstones) != 1 {
		t.Fatalf("durable tombstone writes=%d want=1", len(d.tombstones))
	}
	if _, ok := l.seen[2].Patch["tombstone"]; ok {
		t.Fatalf("broadcast patch kept tombstone clear: %v", l.seen[2].Patch)
	}
	if steps[2]["tombstone"] != false {
		t.Fatalf("caller patch modified: %v", steps[2])
	}
}

func TestMutate_DurableUpdateOnlyForDurableKeys(t *testing.T) {
	d := &fakeDurable{}
	w := newTestWorld(t, d)
	w.Restore(SpaceObject{ID: "s", Values: Values{"health": 10}})

	m, err := w.MutateWorldState("s", 0, Values{"health": 9})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if m.Durable != nil || len(d.updates) != 0 {
		t.Fatalf("ephemeral patch persisted: %v", d.updates)
	}

	m, err = w.MutateWorldState("s", 1, Values{"account": "acct-7"})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if m.Durable == nil {
		t.Fatalf("durable key change returned no durable signal")
	}
	if err := <-m.Durable; err != nil {
		t.Fatalf("durable: %v", err)
	}
	if len(d.updates) != 1 {
		t.Fatalf("updates=%d want=1", len(d.updates))
	}
	want := Values{"health": 9, "account": "acct-7"}
	if !reflect.DeepEqual(d.updates[0].Doc, want) {
		t.Fatalf("durable doc=%v want full merged values %v", d.updates[0].Doc, want)
	}
}

func TestBroadcast_RegistrationOrderAndSameTuple(t *testing.T) {
	w := newTestWorld(t, nil)
	var calls []string
	ls := []*recordingListener{
		{name: "L1", calls: &calls},
		{name: "L2", calls: &calls},
		{name: "L3", calls: &calls},
	}
	for _, l := range ls {
		if err := w.AddListener(l); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if _, err := w.MutateWorldState("x", 0, Values{"v": 1}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if !reflect.DeepEqual(calls, []string{"L1", "L2", "L3"}) {
		t.Fatalf("order=%v", calls)
	}
	for _, l := range ls[1:] {
		if !reflect.DeepEqual(l.seen, ls[0].seen) {
			t.Fatalf("%s saw %+v, L1 saw %+v", l.name, l.seen, ls[0].seen)
		}
	}
	want := change{Tick: 1_000_000, ID: "x", OldRev: 0, NewRev: 1, Patch: Values{"v": 1}}
	if !reflect.DeepEqual(ls[0].seen[0], want) {
		t.Fatalf("tuple=%+v want=%+v", ls[0].seen[0], want)
	}
}

func TestListeners_RejectAndRemove(t *testing.T) {
	w := newTestWorld(t, nil)
	if err := w.AddListener(struct{}{}); !errors.Is(err, ErrNotListener) {
		t.Fatalf("err=%v want ErrNotListener", err)
	}
	l := &recordingListener{}
	_ = w.AddListener(l)
	w.RemoveListener(l)
	w.RemoveListener(l)
	if _, err := w.MutateWorldState("x", 0, Values{"v": 1}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if len(l.seen) != 0 {
		t.Fatalf("removed listener still notified")
	}
}

func TestScanDistanceFrom_ExcludesTombstonesAndFiltersType(t *testing.T) {
	w := newTestWorld(t, nil)
	w.Restore(SpaceObject{ID: "a", Values: Values{"type": "ship"}})
	w.Restore(SpaceObject{ID: "b", Values: Values{"type": "station"}})
	w.Restore(SpaceObject{ID: "c", Values: Values{"type": "ship", "tombstone": true}})
	w.Restore(SpaceObject{ID: "d", Values: Values{"type": "ship"}})

	ids := func(objs []SpaceObject) []string {
		out := []string{}
		for _, o := range objs {
			if o.Tombstoned() {
				t.Fatalf("scan returned tombstoned %s", o.ID)
			}
			out = append(out, o.ID)
		}
		return out
	}
	if got := ids(w.ScanDistanceFrom(nil, "")); !reflect.DeepEqual(got, []string{"a", "b", "d"}) {
		t.Fatalf("scan all=%v", got)
	}
	if got := ids(w.ScanDistanceFrom(&Coords{1, 2, 3}, "ship")); !reflect.DeepEqual(got, []string{"a", "d"}) {
		t.Fatalf("scan ships=%v", got)
	}

	if _, err := w.MutateWorldState("a", 0, Values{"tombstone": true}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if got := ids(w.ScanDistanceFrom(nil, "ship")); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("scan after tombstone=%v", got)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	w := newTestWorld(t, nil)
	w.Restore(SpaceObject{ID: "a", Values: Values{"effects": map[string]any{"x": 1}}})
	obj, _ := w.Get("a")
	obj.Values["effects"].(map[string]any)["x"] = 2
	again, _ := w.Get("a")
	if again.Values["effects"].(map[string]any)["x"] != 1 {
		t.Fatalf("Get leaked internal state")
	}
}

func TestQuantize(t *testing.T) {
	cases := []struct{ ms, want int64 }{
		{0, 0}, {79, 0}, {80, 80}, {161, 160}, {1_000_037, 1_000_000}, {-1, -80},
	}
	for _, c := range cases {
		if got := Quantize(c.ms, 80); got != c.want {
			t.Fatalf("Quantize(%d)=%d want=%d", c.ms, got, c.want)
		}
	}
	w := newTestWorld(t, nil)
	if got := w.CurrentTick(); got != 1_000_000 {
		t.Fatalf("CurrentTick=%d want=1000000", got)
	}
}

func TestWorldTick_InvokesTickListenersInOrder(t *testing.T) {
	w := newTestWorld(t, nil)
	var calls []string
	a := &recordingListener{name: "a", calls: &calls}
	b := &recordingListener{name: "b", calls: &calls}
	_ = w.AddListener(a)
	_ = w.AddListener(b)

	tick := w.WorldTick()
	if tick != 1_000_000 {
		t.Fatalf("tick=%d", tick)
	}
	if !reflect.DeepEqual(calls, []string{"a", "b"}) || a.ticks[0] != tick || b.ticks[0] != tick {
		t.Fatalf("calls=%v a=%v b=%v", calls, a.ticks, b.ticks)
	}
	if m := w.Metrics(); m.Ticks != 1 || m.Tick != tick {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestSubscribe_SnapshotThenPatches(t *testing.T) {
	w := newTestWorld(t, nil)
	w.Restore(SpaceObject{ID: "a", Revision: 3, Values: Values{"type": "ship"}})
	w.Restore(SpaceObject{ID: "dead", Values: Values{"tombstone": true}})

	l := &recordingListener{}
	var snap []SpaceObject
	if err := w.Subscribe(l, func(_ int64, objs []SpaceObject) { snap = objs }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(snap) != 1 || snap[0].ID != "a" || snap[0].Revision != 3 {
		t.Fatalf("snapshot=%+v", snap)
	}
	if _, err := w.MutateWorldState("a", 3, Values{"x": 1}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if len(l.seen) != 1 || l.seen[0].OldRev != 3 {
		t.Fatalf("subscriber missed patch: %+v", l.seen)
	}
}

func TestLoad_RestoresAtRevisionZero(t *testing.T) {
	w := newTestWorld(t, nil)
	n, err := w.Load(context.Background(), &fakeDurable{})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	obj, ok := w.Get("row-1")
	if !ok || obj.Revision != 0 || obj.Values["account"] != "acct-1" {
		t.Fatalf("row-1=%+v ok=%v", obj, ok)
	}
}

func TestSnapshot_ExportImport(t *testing.T) {
	w := newTestWorld(t, nil)
	w.Restore(SpaceObject{ID: "a", Revision: 7, Values: Values{"type": "ship"}})
	w.Restore(SpaceObject{ID: "b", Revision: 2, Values: Values{"tombstone": true}})

	snap := w.ExportSnapshot()
	if snap.Header.Version != snapshot.Version || snap.Header.Tick != 1_000_000 || len(snap.Objects) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}

	if snap.Header.Lineage == "" || snap.Header.Lineage != w.Lineage() {
		t.Fatalf("header lineage=%q world=%q", snap.Header.Lineage, w.Lineage())
	}

	w2 := newTestWorld(t, nil)
	if w2.Lineage() == w.Lineage() {
		t.Fatalf("fresh worlds share lineage %q", w.Lineage())
	}
	if err := w2.ImportSnapshot(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if w2.Lineage() != w.Lineage() {
		t.Fatalf("imported lineage=%q want=%q", w2.Lineage(), w.Lineage())
	}
	a, _ := w2.Get("a")
	b, _ := w2.Get("b")
	if a.Revision != 7 || b.Revision != 2 || !b.Tombstoned() {
		t.Fatalf("a=%+v b=%+v", a, b)
	}
	if err := w2.ImportSnapshot(snapshot.SnapshotV1{Header: snapshot.Header{Version: 42}}); err == nil {
		t.Fatalf("expected version error")
	}
}

type tickCounter struct {
	mu    sync.Mutex
	ticks int
	fired chan struct{}
}

func (c *tickCounter) OnWorldTick(int64) {
	c.mu.Lock()
	c.ticks++
	n := c.ticks
	c.mu.Unlock()
	if n == 3 {
		close(c.fired)
	}
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	w, err := New(WorldConfig{TickInterval: time.Millisecond, Clock: fixedClock(8_000)})
	if err != nil {
		t.Fatal(err)
	}
	c := &tickCounter{fired: make(chan struct{})}
	if err := w.AddListener(c); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-c.fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("no ticks fired")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run err=%v want=%v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if m := w.Metrics(); m.Ticks < 3 || m.Tick != 8_000 {
		t.Fatalf("metrics=%+v want ticks>=3 tick=8000", m)
	}
}
