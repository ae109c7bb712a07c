package world

import (
	"log"
	"time"
)

// TickInterval is the fixed tick period. Observers quantize their own render
// loops to the same period so tick boundaries line up across clocks.
const TickInterval = 80 * time.Millisecond

// DurableKeys lists the attributes whose change triggers a full write of the
// merged values to durable storage. Other attributes are derived or
// ephemeral and only live in memory.
var DurableKeys = []string{"blueprint", "account", "solar_system"}

type WorldConfig struct {
	// TickInterval defaults to the package TickInterval.
	TickInterval time.Duration

	// Durable receives inserts, updates and tombstones. Nil keeps the world
	// purely in memory and ids are allocated locally.
	Durable DurableStore

	// Clock defaults to time.Now.
	Clock func() time.Time

	// Lineage names the revision history of this world. Revisions only
	// compare within one lineage; empty starts a new one.
	Lineage string

	Logger *log.Logger
	// Debug logs conflicts, boot loads and debug-flagged patches.
	Debug bool
}
