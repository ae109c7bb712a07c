package world

import "context"

// Values is an object's open attribute mapping.
type Values = map[string]any

type SpaceObject struct {
	ID       string `json:"key"`
	Revision int64  `json:"rev"`
	Values   Values `json:"values"`
}

// Tombstoned reports whether the object has been soft-deleted.
func (o SpaceObject) Tombstoned() bool { return isTombstone(o.Values) }

// Coords is a point in world space.
type Coords [3]float64

// Mutation describes an accepted MutateWorldState call.
type Mutation struct {
	ID       string
	Previous int64
	Version  int64
	Tick     int64

	// Durable yields the outcome of the durable write issued for this
	// mutation, or is nil when the patch touched no durable key. The store
	// never waits on it.
	Durable <-chan error
}

// StateChangeListener receives every accepted mutation, synchronously and in
// registration order. Implementations must not block and must not modify
// patch; they may read from the world but must not mutate it.
type StateChangeListener interface {
	OnWorldStateChange(tick int64, id string, oldRev, newRev int64, patch Values)
}

// TickListener is invoked once per tick with the quantized tick timestamp.
type TickListener interface {
	OnWorldTick(tick int64)
}

// ObjectPreparer may adjust the values of an object about to be created,
// before an id is allocated for it.
type ObjectPreparer interface {
	OnPrepareNewObject(values Values)
}

// DurableStore is the best-effort persistence behind the world. Update and
// Tombstone must return immediately; the returned channel yields the write
// outcome once it is known.
type DurableStore interface {
	Insert(ctx context.Context, doc Values) (string, error)
	Update(id string, doc Values) <-chan error
	Tombstone(id string) <-chan error
}

// Loader enumerates non-tombstoned durable rows at boot.
type Loader interface {
	LoadActive(ctx context.Context, fn func(id string, doc Values) error) error
}

func isTombstone(v Values) bool {
	t, _ := v["tombstone"].(bool)
	return t
}
