package world

import (
	"fmt"
	"time"

	"spodb.dev/internal/persistence/snapshot"
	"spodb.dev/internal/sim/patch"
)

// ExportSnapshot captures every record, tombstoned ones included, in creation
// order. It waits for any in-flight mutation so the snapshot sits on a
// broadcast boundary.
func (w *World) ExportSnapshot() snapshot.SnapshotV1 {
	w.dispatch.Lock()
	defer w.dispatch.Unlock()

	tick := w.CurrentTick()
	w.mu.RLock()
	defer w.mu.RUnlock()
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			Tick:    tick,
			SavedAt: w.now().UTC().Format(time.RFC3339Nano),
			Lineage: w.lineage,
		},
		Objects: make([]snapshot.ObjectV1, 0, len(w.order)),
	}
	for _, id := range w.order {
		r := w.objects[id]
		snap.Objects = append(snap.Objects, snapshot.ObjectV1{
			ID:       id,
			Revision: r.rev,
			Values:   patch.Clone(r.values),
		})
	}
	return snap
}

// ImportSnapshot restores every record of snap with its stored revision and
// adopts the snapshot's lineage.
func (w *World) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != snapshot.Version {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	if snap.Header.Lineage != "" {
		w.mu.Lock()
		w.lineage = snap.Header.Lineage
		w.mu.Unlock()
	}
	for _, o := range snap.Objects {
		if o.ID == "" {
			return fmt.Errorf("snapshot object without id")
		}
		w.Restore(SpaceObject{ID: o.ID, Revision: o.Revision, Values: o.Values})
	}
	return nil
}
