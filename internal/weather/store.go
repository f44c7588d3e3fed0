package weather

import "time"

// Store is the contract the in-memory observation store must satisfy.
// Every method is atomic on its own; nothing spans calls.
type Store interface {
	// Put inserts or replaces the observation keyed by its id and records now
	// as its last-seen time.
	Put(obs Observation, now time.Time) error
	// Get returns one observation and the time it was last written.
	Get(id string) (Observation, time.Time, error)
	// GetAll returns a point-in-time copy of every stored observation.
	GetAll() map[string]Observation
	// GetAllSince is GetAll restricted to entries written at or after cutoff.
	GetAllSince(cutoff time.Time) map[string]Observation
	// RemoveIfStale drops entries whose age at now exceeds threshold and
	// returns how many were removed.
	RemoveIfStale(now time.Time, threshold time.Duration) int
	Len() int
	Clear()
}
