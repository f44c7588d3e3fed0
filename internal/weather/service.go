package weather

import (
	"time"

	"go.uber.org/zap"
)

// Service binds the store to the staleness policy. It is shared by the wire
// protocol handler, the admin API and the sweeper.
type Service struct {
	store      Store
	staleAfter time.Duration

	// filterOnRead hides entries older than staleAfter from reads even before
	// the sweeper has removed them.
	filterOnRead bool

	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewService creates a new Service.
func NewService(store Store, staleAfter time.Duration, filterOnRead bool, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		store:        store,
		staleAfter:   staleAfter,
		filterOnRead: filterOnRead,
		logger:       logger,
		now:          time.Now,
	}
}

// Ingest validates an observation and writes it with the current time.
func (s *Service) Ingest(obs Observation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	if err := s.store.Put(obs, s.now()); err != nil {
		return err
	}
	s.logger.Debugw("observation stored", "id", obs.ID)
	return nil
}

// Latest returns the aggregated view keyed by source id. The map is never nil.
func (s *Service) Latest() map[string]Observation {
	if s.filterOnRead && s.staleAfter > 0 {
		return s.store.GetAllSince(s.now().Add(-s.staleAfter))
	}
	return s.store.GetAll()
}

// Lookup returns the observation stored for one source.
func (s *Service) Lookup(id string) (Observation, error) {
	obs, seen, err := s.store.Get(id)
	if err != nil {
		return Observation{}, err
	}
	if s.filterOnRead && s.staleAfter > 0 && s.now().Sub(seen) > s.staleAfter {
		return Observation{}, ErrStale
	}
	return obs, nil
}

// Sweep removes every entry that has not been refreshed within the staleness
// threshold and returns the number removed.
func (s *Service) Sweep() int {
	return s.store.RemoveIfStale(s.now(), s.staleAfter)
}

// Count returns the number of stored observations, stale or not.
func (s *Service) Count() int {
	return s.store.Len()
}

// StaleAfter returns the configured staleness threshold.
func (s *Service) StaleAfter() time.Duration {
	return s.staleAfter
}
