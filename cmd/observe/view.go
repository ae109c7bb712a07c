package main

import (
	"sort"

	"spodb.dev/internal/protocol"
	"spodb.dev/internal/sim/patch"
)

type viewObject struct {
	rev    int64
	values map[string]any
}

// view is the client-side copy of the world built from state messages.
type view struct {
	objects map[string]*viewObject
	gaps    uint64

	// resyncing is set from the first gap until the next snapshot ends.
	resyncing bool
	resyncs   uint64
}

func newView() *view {
	return &view{objects: map[string]*viewObject{}}
}

// apply folds one state message into the view. It returns false when the
// message does not continue the local revision, in which case the caller
// should ask for a resync.
func (v *view) apply(st protocol.StatePayload) bool {
	if tomb, _ := st.Values["tombstone"].(bool); tomb {
		delete(v.objects, st.Key)
		return true
	}
	if st.Previous == 0 {
		// Snapshot entry or creation: full values.
		v.objects[st.Key] = &viewObject{rev: st.Version, values: patch.Clone(st.Values)}
		return true
	}
	obj, ok := v.objects[st.Key]
	if !ok || obj.rev != st.Previous {
		v.gaps++
		return false
	}
	patch.Merge(obj.values, st.Values)
	obj.rev = st.Version
	return true
}

// needResync is called after apply reported a gap. It returns true when a
// resync request should be sent; while one is outstanding further gaps are
// only counted.
func (v *view) needResync() bool {
	if v.resyncing {
		return false
	}
	v.resyncing = true
	v.resyncs++
	return true
}

// beginSnapshot drops the whole view. Objects missing from the snapshot that
// follows, such as ones tombstoned while the server had us detached, must not
// survive it.
func (v *view) beginSnapshot() {
	v.objects = map[string]*viewObject{}
}

func (v *view) endSnapshot() {
	v.resyncing = false
}

// countByType returns object counts keyed by their "type" attribute.
func (v *view) countByType() map[string]int {
	out := map[string]int{}
	for _, o := range v.objects {
		t, _ := o.values["type"].(string)
		if t == "" {
			t = "unknown"
		}
		out[t]++
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
