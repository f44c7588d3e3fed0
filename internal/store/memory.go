// Package store holds the in-memory observation store.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/i474232898/lamport-weather-aggregation/internal/weather"
)

var (
	// ErrNotFound is returned when no observation is stored for a source id.
	ErrNotFound = errors.New("no observation for source")
)

// Entry is a stored observation together with the time it was last written.
type Entry struct {
	Observation weather.Observation
	LastSeen    time.Time
}

// MemoryStore is a concurrency-safe in-memory implementation of weather.Store.
type MemoryStore struct {
	mu sync.RWMutex

	// key: source id
	data map[string]Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Entry),
	}
}

// Put replaces the entry for obs.ID and sets its last-seen time to now.
// Entries are never merged field by field.
func (s *MemoryStore) Put(obs weather.Observation, now time.Time) error {
	if obs.ID == "" {
		return weather.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[obs.ID] = Entry{Observation: obs, LastSeen: now}
	return nil
}

// Get returns the observation for id and when it was last written.
func (s *MemoryStore) Get(id string) (weather.Observation, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[id]
	if !ok {
		return weather.Observation{}, time.Time{}, ErrNotFound
	}
	return e.Observation, e.LastSeen, nil
}

// GetAll returns a snapshot of every observation. The caller owns the map.
func (s *MemoryStore) GetAll() map[string]weather.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]weather.Observation, len(s.data))
	for id, e := range s.data {
		result[id] = e.Observation
	}
	return result
}

// GetAllSince returns a snapshot of the observations written at or after cutoff.
func (s *MemoryStore) GetAllSince(cutoff time.Time) map[string]weather.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]weather.Observation, len(s.data))
	for id, e := range s.data {
		if e.LastSeen.Before(cutoff) {
			continue
		}
		result[id] = e.Observation
	}
	return result
}

// RemoveIfStale removes entries with now - LastSeen > threshold. An entry
// exactly threshold old is kept, and one written after now is never removed.
func (s *MemoryStore) RemoveIfStale(now time.Time, threshold time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.data {
		if now.Sub(e.LastSeen) > threshold {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Clear drops every entry.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]Entry)
}
