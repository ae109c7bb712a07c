package world

import (
	"context"
	"time"
)

// Quantize rounds ms down to a multiple of period.
func Quantize(ms, period int64) int64 {
	if period <= 0 {
		return ms
	}
	r := ms % period
	if r < 0 {
		r += period
	}
	return ms - r
}

// CurrentTick is the wall clock in milliseconds quantized to the tick period.
func (w *World) CurrentTick() int64 {
	return Quantize(w.now().UnixMilli(), w.cfg.TickInterval.Milliseconds())
}

// WorldTick invokes every tick listener, in registration order, with the
// current tick timestamp and returns it.
func (w *World) WorldTick() int64 {
	tick := w.CurrentTick()
	for _, l := range w.tickListeners() {
		l.OnWorldTick(tick)
	}
	w.mu.Lock()
	w.ticks++
	w.lastTick = tick
	w.mu.Unlock()
	return tick
}

// Run fires WorldTick once per tick interval until ctx is done.
func (w *World) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.WorldTick()
		}
	}
}
