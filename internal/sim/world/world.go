package world

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"spodb.dev/internal/sim/patch"
)

// World is the authoritative in-memory object store. Each object carries a
// revision used for optimistic concurrency; accepted mutations are fanned out
// to listeners before MutateWorldState returns.
//
// Mutations, object creation and Subscribe are serialized by dispatch, so a
// broadcast always completes before the next mutation starts. mu guards the
// object map and listener list and is never held while listener code runs.
type World struct {
	cfg     WorldConfig
	durable DurableStore
	now     func() time.Time
	log     *log.Logger

	dispatch sync.Mutex

	mu        sync.RWMutex
	objects   map[string]*record
	order     []string
	listeners []listenerEntry

	lineage string

	mutations uint64
	conflicts uint64
	ticks     uint64
	lastTick  int64
}

type record struct {
	rev    int64
	values Values
}

type mutateOptions struct {
	debug bool
}

type MutateOption func(*mutateOptions)

// WithDebug logs the patch before it is applied.
func WithDebug() MutateOption {
	return func(o *mutateOptions) { o.debug = true }
}

func New(cfg WorldConfig) (*World, error) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = TickInterval
	}
	if cfg.TickInterval < time.Millisecond {
		return nil, fmt.Errorf("tick interval %s below 1ms", cfg.TickInterval)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Lineage == "" {
		cfg.Lineage = uuid.NewString()
	}
	return &World{
		cfg:     cfg,
		lineage: cfg.Lineage,
		durable: cfg.Durable,
		now:     cfg.Clock,
		log:     cfg.Logger,
		objects: map[string]*record{},
	}, nil
}

func (w *World) Config() WorldConfig { return w.cfg }

// Lineage names the revision history of the world. It changes only when a
// snapshot from another lineage is imported.
func (w *World) Lineage() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lineage
}

// Get returns a copy of the current record for id.
func (w *World) Get(id string) (SpaceObject, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.objects[id]
	if !ok {
		return SpaceObject{}, false
	}
	return SpaceObject{ID: id, Revision: r.rev, Values: patch.Clone(r.values)}, true
}

// ScanDistanceFrom returns copies of every non-tombstoned object in creation
// order, restricted to objects whose "type" equals typeFilter when it is not
// empty.
//
// coords is accepted but not applied yet: every object is in range. Callers
// should still pass their position so a distance policy can be introduced
// without changing call sites.
func (w *World) ScanDistanceFrom(coords *Coords, typeFilter string) []SpaceObject {
	_ = coords

	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]SpaceObject, 0, len(w.order))
	for _, id := range w.order {
		r := w.objects[id]
		if isTombstone(r.values) {
			continue
		}
		if typeFilter != "" {
			if t, _ := r.values["type"].(string); t != typeFilter {
				continue
			}
		}
		out = append(out, SpaceObject{ID: id, Revision: r.rev, Values: patch.Clone(r.values)})
	}
	return out
}

// AddObject allocates an id through the durable store, inserts the object at
// revision 0 and broadcasts the initial values as a change from revision 0.
func (w *World) AddObject(ctx context.Context, values Values) (string, error) {
	values = patch.Clone(values)
	if values == nil {
		values = Values{}
	}
	for _, p := range w.preparers() {
		p.OnPrepareNewObject(values)
	}

	id, err := w.allocate(ctx, values)
	if err != nil {
		return "", fmt.Errorf("insert object: %w", err)
	}

	w.dispatch.Lock()
	defer w.dispatch.Unlock()

	tick := w.CurrentTick()
	w.mu.Lock()
	if _, exists := w.objects[id]; exists {
		w.mu.Unlock()
		return "", fmt.Errorf("insert object: id %s already in use", id)
	}
	w.objects[id] = &record{values: patch.Clone(values)}
	w.order = append(w.order, id)
	listeners := w.changeListeners()
	w.mu.Unlock()

	w.debugf("added object %s %v", id, values)
	if isTombstone(values) && w.durable != nil {
		w.durable.Tombstone(id)
	}
	for _, l := range listeners {
		l.OnWorldStateChange(tick, id, 0, 0, values)
	}
	return id, nil
}

func (w *World) allocate(ctx context.Context, values Values) (string, error) {
	if w.durable == nil {
		return uuid.NewString(), nil
	}
	return w.durable.Insert(ctx, patch.Clone(values))
}

// MutateWorldState merges p into the object identified by id if its current
// revision equals expected. Unknown ids behave as an empty object at
// revision 0. On a mismatch a *ConflictError is returned and nothing changes;
// retrying is up to the caller.
//
// The raw patch, not the merged values, is broadcast to listeners. Once an
// object is tombstoned, a patch clearing the tombstone has that key dropped
// before it is merged and broadcast.
func (w *World) MutateWorldState(id string, expected int64, p Values, opts ...MutateOption) (Mutation, error) {
	var o mutateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.debug {
		w.printf("mutate %s expected=%d patch=%v", id, expected, p)
	}

	w.dispatch.Lock()
	defer w.dispatch.Unlock()

	tick := w.CurrentTick()

	w.mu.Lock()
	r, ok := w.objects[id]
	var found int64
	if ok {
		found = r.rev
	}
	if found != expected {
		w.conflicts++
		w.mu.Unlock()
		err := &ConflictError{ID: id, Expected: expected, Found: found}
		w.debugf("%v", err)
		return Mutation{}, err
	}
	if !ok {
		r = &record{values: Values{}}
		w.objects[id] = r
		w.order = append(w.order, id)
	}

	if isTombstone(r.values) {
		p = keepTombstone(p)
	}
	tombstoning := p["tombstone"] == true && !isTombstone(r.values)
	oldRev := r.rev
	r.rev++
	newRev := r.rev
	patch.Merge(r.values, p)

	persist := patch.Touches(p, DurableKeys)
	var doc Values
	if persist {
		doc = patch.Clone(r.values)
	}
	w.mutations++
	listeners := w.changeListeners()
	w.mu.Unlock()

	if tombstoning && w.durable != nil {
		w.durable.Tombstone(id)
	}

	for _, l := range listeners {
		l.OnWorldStateChange(tick, id, oldRev, newRev, p)
	}

	m := Mutation{ID: id, Previous: oldRev, Version: newRev, Tick: tick}
	if persist && w.durable != nil {
		m.Durable = w.durable.Update(id, doc)
	}
	return m, nil
}

// keepTombstone drops a patch's attempt to clear the tombstone of an object
// that already has one. Tombstone is one-way.
func keepTombstone(p Values) Values {
	v, ok := p["tombstone"]
	if !ok || v == true {
		return p
	}
	out := make(Values, len(p)-1)
	for k, v := range p {
		if k != "tombstone" {
			out[k] = v
		}
	}
	return out
}

// Restore installs obj as-is, replacing any existing record. It neither
// broadcasts nor writes to durable storage.
func (w *World) Restore(obj SpaceObject) {
	values := patch.Clone(obj.Values)
	if values == nil {
		values = Values{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.objects[obj.ID]; ok {
		r.rev = obj.Revision
		r.values = values
		return
	}
	w.objects[obj.ID] = &record{rev: obj.Revision, values: values}
	w.order = append(w.order, obj.ID)
}

// Load restores every active durable row at revision 0.
func (w *World) Load(ctx context.Context, l Loader) (int, error) {
	n := 0
	err := l.LoadActive(ctx, func(id string, doc Values) error {
		w.Restore(SpaceObject{ID: id, Values: doc})
		w.debugf("loaded %s %v", id, doc)
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("load objects: %w", err)
	}
	return n, nil
}

func (w *World) printf(format string, args ...any) {
	if w.log != nil {
		w.log.Printf(format, args...)
	}
}

func (w *World) debugf(format string, args ...any) {
	if w.cfg.Debug {
		w.printf(format, args...)
	}
}
