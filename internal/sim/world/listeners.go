package world

type listenerEntry struct {
	l      any
	change StateChangeListener
	tick   TickListener
	prep   ObjectPreparer
}

// AddListener registers l for every capability it implements. Values that
// implement none of StateChangeListener, TickListener or ObjectPreparer are
// rejected. l must be comparable (typically a pointer) so it can be removed.
func (w *World) AddListener(l any) error {
	e := listenerEntry{l: l}
	e.change, _ = l.(StateChangeListener)
	e.tick, _ = l.(TickListener)
	e.prep, _ = l.(ObjectPreparer)
	if e.change == nil && e.tick == nil && e.prep == nil {
		return ErrNotListener
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, e)
	w.mu.Unlock()
	return nil
}

// RemoveListener drops the first registration of l. Unknown values are
// ignored.
func (w *World) RemoveListener(l any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, e := range w.listeners {
		if e.l == l {
			w.listeners = append(w.listeners[:i:i], w.listeners[i+1:]...)
			return
		}
	}
}

// Subscribe registers l and hands onSnapshot the full non-tombstoned state
// with no mutation able to run in between. Every patch broadcast after the
// snapshot is delivered to l, so an observer that applies them in order
// never misses a change.
func (w *World) Subscribe(l any, onSnapshot func(tick int64, objs []SpaceObject)) error {
	w.dispatch.Lock()
	defer w.dispatch.Unlock()
	if err := w.AddListener(l); err != nil {
		return err
	}
	if onSnapshot != nil {
		onSnapshot(w.CurrentTick(), w.ScanDistanceFrom(nil, ""))
	}
	return nil
}

// changeListeners must be called with mu held.
func (w *World) changeListeners() []StateChangeListener {
	out := make([]StateChangeListener, 0, len(w.listeners))
	for _, e := range w.listeners {
		if e.change != nil {
			out = append(out, e.change)
		}
	}
	return out
}

func (w *World) tickListeners() []TickListener {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]TickListener, 0, len(w.listeners))
	for _, e := range w.listeners {
		if e.tick != nil {
			out = append(out, e.tick)
		}
	}
	return out
}

func (w *World) preparers() []ObjectPreparer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []ObjectPreparer
	for _, e := range w.listeners {
		if e.prep != nil {
			out = append(out, e.prep)
		}
	}
	return out
}
