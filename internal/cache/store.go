package cache

import (
	"strings"
	"sync"
	"time"

	"fundingflow/models"
)

// Entry is the cached snapshot of one symbol.
type Entry struct {
	Symbol      string                 `json:"symbol"`
	Snapshot    models.FundingSnapshot `json:"snapshot"`
	FetchedAtMs int64                  `json:"fetchedAtMs"`
}

// Clock returns the current time; tests replace it.
type Clock func() time.Time

// Store keeps the latest snapshot per symbol plus the symbol the background
// refresher follows. Entries are never evicted. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	tracked string
	now     Clock
}

// NewStore returns an empty store tracking defaultSymbol. A nil clock uses time.Now.
func NewStore(defaultSymbol string, clock Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		entries: make(map[string]Entry),
		tracked: strings.ToUpper(strings.TrimSpace(defaultSymbol)),
		now:     clock,
	}
}

// Get returns the entry for symbol. An unseen symbol falls back to the
// tracked symbol's entry, then to the most recently fetched entry; false only
// when the store is empty.
func (s *Store) Get(symbol string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[symbol]; ok {
		return e, true
	}
	if e, ok := s.entries[s.tracked]; ok {
		return e, true
	}

	var (
		latest Entry
		found  bool
	)
	for _, e := range s.entries {
		if !found || e.FetchedAtMs > latest.FetchedAtMs {
			latest, found = e, true
		}
	}
	return latest, found
}

// Put replaces the entry for symbol as a whole. FetchedAtMs never moves
// backwards for a symbol even if the clock does.
func (s *Store) Put(symbol string, snap models.FundingSnapshot) Entry {
	now := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[symbol]; ok && prev.FetchedAtMs > now {
		now = prev.FetchedAtMs
	}
	e := Entry{Symbol: symbol, Snapshot: snap, FetchedAtMs: now}
	s.entries[symbol] = e
	return e
}

// IsFresh reports whether symbol has an entry younger than ttl.
func (s *Store) IsFresh(symbol string, ttl time.Duration) bool {
	s.mu.RLock()
	e, ok := s.entries[symbol]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.now().UnixMilli()-e.FetchedAtMs < ttl.Milliseconds()
}

// LastFetchedAt returns the fetch time of symbol in epoch millis, 0 if unseen.
func (s *Store) LastFetchedAt(symbol string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[symbol].FetchedAtMs
}

func (s *Store) Has(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[symbol]
	return ok
}

// Tracked returns the symbol the refresher keeps warm.
func (s *Store) Tracked() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracked
}

func (s *Store) Track(symbol string) {
	s.mu.Lock()
	s.tracked = symbol
	s.mu.Unlock()
}
