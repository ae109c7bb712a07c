package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"spodb.dev/internal/sim/world"
)

type Tuning struct {
	// TickIntervalMs may only restate the world tick period. Observers
	// quantize their render loops to the same constant.
	TickIntervalMs int `yaml:"tick_interval_ms"`

	// SendQueue bounds the outbound messages buffered per connection.
	SendQueue int `yaml:"send_queue"`

	InboundRatePerSec float64 `yaml:"inbound_rate_per_sec"`
	InboundBurst      int     `yaml:"inbound_burst"`

	// SnapshotEveryTicks writes a store snapshot every N ticks; 0 disables.
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	JournalQueue int `yaml:"journal_queue"`
}

func Defaults() Tuning {
	return Tuning{
		TickIntervalMs:     int(world.TickInterval.Milliseconds()),
		SendQueue:          256,
		InboundRatePerSec:  20,
		InboundBurst:       40,
		SnapshotEveryTicks: 3750, // ~5min at 80ms
		JournalQueue:       4096,
	}
}

func (t Tuning) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMs) * time.Millisecond
}

// Load reads path over Defaults; fields absent from the file keep their
// default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case int64(t.TickIntervalMs) != world.TickInterval.Milliseconds():
		return fmt.Errorf("tick_interval_ms must be %d", world.TickInterval.Milliseconds())
	case t.SendQueue <= 0:
		return fmt.Errorf("send_queue must be > 0")
	case t.InboundRatePerSec <= 0 || t.InboundBurst <= 0:
		return fmt.Errorf("inbound rate and burst must be > 0")
	case t.SnapshotEveryTicks < 0:
		return fmt.Errorf("snapshot_every_ticks must be >= 0")
	case t.JournalQueue <= 0:
		return fmt.Errorf("journal_queue must be > 0")
	}
	return nil
}
