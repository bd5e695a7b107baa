package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/weather-forecast/internal/weather"
)

var (
	// ErrNotFound is returned when no observations are held for a city.
	ErrNotFound = errors.New("no observations for city")
)

// history holds a time-ordered list of observations for a city.
type history struct {
	rows []weather.Observation
}

// MemoryStore is a concurrency-safe in-memory history of hourly observations.
type MemoryStore struct {
	mu sync.RWMutex

	// key: city key
	data map[string]*history

	maxRows int           // max observations per city (0 = unlimited)
	maxAge  time.Duration // max age of observations (0 = unlimited)
	clock   clockwork.Clock
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// Non-positive limits are treated as unlimited.
func NewMemoryStore(maxRows int, maxAge time.Duration, clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]*history),
		maxRows: maxRows,
		maxAge:  maxAge,
		clock:   clock,
	}
}

// Append merges rows into the city's history. The result stays sorted by time
// and a row for an instant already held replaces the older one.
func (s *MemoryStore) Append(city weather.City, rows []weather.Observation) {
	if len(rows) == 0 {
		return
	}
	key := city.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.data[key]
	if !ok {
		h = &history{}
		s.data[key] = h
	}

	byTime := make(map[int64]int, len(h.rows)+len(rows))
	merged := make([]weather.Observation, 0, len(h.rows)+len(rows))
	for _, batch := range [][]weather.Observation{h.rows, rows} {
		for _, r := range batch {
			r.Values = r.Values.Clone()
			k := r.Time.UnixNano()
			if i, dup := byTime[k]; dup {
				merged[i] = r
				continue
			}
			byTime[k] = len(merged)
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Time.Before(merged[j].Time) })

	// Enforce retention by count.
	if s.maxRows > 0 && len(merged) > s.maxRows {
		merged = merged[len(merged)-s.maxRows:]
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := s.clock.Now().Add(-s.maxAge)
		i := sort.Search(len(merged), func(i int) bool { return !merged[i].Time.Before(cutoff) })
		merged = merged[i:]
	}

	h.rows = merged
}

// GetAll returns a copy of the city's full history.
func (s *MemoryStore) GetAll(city weather.City) ([]weather.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.data[city.Key()]
	if !ok || len(h.rows) == 0 {
		return nil, ErrNotFound
	}
	return copyRows(h.rows), nil
}

// Len returns the number of observations held for city.
func (s *MemoryStore) Len(city weather.City) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if h, ok := s.data[city.Key()]; ok {
		return len(h.rows)
	}
	return 0
}

// Reset drops all histories.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*history)
}

func copyRows(rows []weather.Observation) []weather.Observation {
	out := make([]weather.Observation, len(rows))
	for i, r := range rows {
		out[i] = weather.Observation{Time: r.Time, Values: r.Values.Clone()}
	}
	return out
}
