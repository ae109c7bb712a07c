// Package combat resolves weapon fire once per world tick.
package combat

import (
	"errors"
	"log"
	"sync/atomic"

	"spodb.dev/internal/sim/patch"
	"spodb.dev/internal/sim/world"
)

// Store is the part of the world the shooting system reads and writes.
type Store interface {
	Get(id string) (world.SpaceObject, bool)
	ScanDistanceFrom(coords *world.Coords, typeFilter string) []world.SpaceObject
	MutateWorldState(id string, expected int64, p world.Values, opts ...world.MutateOption) (world.Mutation, error)
}

type Stats struct {
	Shots     uint64 `json:"shots"`
	Kills     uint64 `json:"kills"`
	Ceasefire uint64 `json:"ceasefire"`
	Conflicts uint64 `json:"conflicts"`
	Errors    uint64 `json:"errors"`
}

// Shooting is a world.TickListener. Every object whose weapon is in the
// "shoot" state damages its target; a target whose health would drop to zero
// is destroyed and tombstoned, and the shooter stops firing.
//
// Mutations are issued against the revisions read at scan time. Losing a race
// to another writer is normal and the shot is simply skipped this tick.
type Shooting struct {
	world Store
	log   *log.Logger
	debug bool

	shots     atomic.Uint64
	kills     atomic.Uint64
	ceasefire atomic.Uint64
	conflicts atomic.Uint64
	errors    atomic.Uint64
}

func NewShooting(w Store, logger *log.Logger, debug bool) *Shooting {
	return &Shooting{world: w, log: logger, debug: debug}
}

func (s *Shooting) Stats() Stats {
	return Stats{
		Shots:     s.shots.Load(),
		Kills:     s.kills.Load(),
		Ceasefire: s.ceasefire.Load(),
		Conflicts: s.conflicts.Load(),
		Errors:    s.errors.Load(),
	}
}

func (s *Shooting) OnWorldTick(tick int64) {
	for _, ship := range s.world.ScanDistanceFrom(nil, "") {
		weapon, _ := patch.AsMap(ship.Values["weapon"])
		if weapon == nil || weapon["state"] != "shoot" {
			continue
		}
		s.fire(tick, ship, weapon)
	}
}

func (s *Shooting) fire(tick int64, ship world.SpaceObject, weapon map[string]any) {
	targetID, _ := weapon["target"].(string)
	target, ok := s.world.Get(targetID)
	if targetID == "" || !ok || target.Tombstoned() {
		s.ceasefire.Add(1)
		s.mutate(tick, ship.ID, ship.Revision, ceaseFire())
		return
	}

	damage, _ := patch.Float(weapon["damage"])
	health, _ := patch.Float(target.Values["health"])
	s.shots.Add(1)

	if health > damage {
		health -= damage
		hit := world.Values{"health": health}
		if maxHealth, ok := patch.Float(target.Values["maxHealth"]); ok && maxHealth > 0 {
			hit["health_pct"] = health / maxHealth
		}
		s.mutate(tick, target.ID, target.Revision, hit)

		effects, _ := patch.AsMap(ship.Values["effects"])
		if effects == nil || effects["shooting"] != target.ID {
			s.mutate(tick, ship.ID, ship.Revision, world.Values{
				"effects": map[string]any{"shooting": target.ID},
			})
		}
		return
	}

	s.kills.Add(1)
	s.mutate(tick, target.ID, target.Revision, world.Values{
		"health":          0,
		"health_pct":      0,
		"effects":         map[string]any{"explosion": true},
		"tombstone_cause": "destroyed",
		"tombstone":       true,
	})
	s.mutate(tick, ship.ID, ship.Revision, ceaseFire())
}

func ceaseFire() world.Values {
	return world.Values{
		"weapon":  map[string]any{"state": nil},
		"effects": map[string]any{"shooting": -1},
	}
}

func (s *Shooting) mutate(tick int64, id string, rev int64, p world.Values) {
	_, err := s.world.MutateWorldState(id, rev, p)
	if err == nil {
		return
	}
	if errors.Is(err, world.ErrConflict) {
		s.conflicts.Add(1)
		if s.debug && s.log != nil {
			s.log.Printf("tick=%d shooting: %v", tick, err)
		}
		return
	}
	s.errors.Add(1)
	if s.log != nil {
		s.log.Printf("tick=%d shooting: mutate %s: %v", tick, id, err)
	}
}
