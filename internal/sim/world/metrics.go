package world

type WorldMetrics struct {
	Tick       int64  `json:"tick"`
	Objects    int    `json:"objects"`
	Tombstoned int    `json:"tombstoned"`
	Listeners  int    `json:"listeners"`
	Mutations  uint64 `json:"mutations"`
	Conflicts  uint64 `json:"conflicts"`
	Ticks      uint64 `json:"ticks"`
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	m := WorldMetrics{
		Tick:      w.lastTick,
		Objects:   len(w.objects),
		Listeners: len(w.listeners),
		Mutations: w.mutations,
		Conflicts: w.conflicts,
		Ticks:     w.ticks,
	}
	for _, r := range w.objects {
		if isTombstone(r.values) {
			m.Tombstoned++
		}
	}
	return m
}
