package service

import (
	"context"
	"time"

	"fundingflow/internal/cache"
	"fundingflow/internal/metrics"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
	"fundingflow/models"
)

// DefaultTTL bounds how old a cached snapshot may be before a request refetches it.
const DefaultTTL = 15 * time.Second

// Fetcher is the fan-out fetcher as seen by the read path.
type Fetcher interface {
	FetchAll(ctx context.Context, symbol string) models.FundingSnapshot
	FetchAllHistory(ctx context.Context, symbol string) models.FundingHistory
}

// Funding serves funding snapshots and history to API handlers.
type Funding struct {
	fetcher Fetcher
	store   *cache.Store
	ttl     time.Duration
	log     *logger.Log
}

func New(f Fetcher, store *cache.Store, ttl time.Duration) *Funding {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Funding{
		fetcher: f,
		store:   store,
		ttl:     ttl,
		log:     logger.GetLogger(),
	}
}

// Funding validates raw, makes it the tracked symbol and returns a snapshot no
// older than the TTL, fetching synchronously on a miss. An invalid symbol is
// rejected with symbols.ErrInvalidSymbol before any tracking or upstream call.
func (s *Funding) Funding(ctx context.Context, raw string) (models.FundingSnapshot, error) {
	sym, err := symbols.Normalize(raw)
	if err != nil {
		return models.FundingSnapshot{}, err
	}

	s.store.Track(sym)

	if s.store.Has(sym) && s.store.IsFresh(sym, s.ttl) {
		if e, ok := s.store.Get(sym); ok {
			metrics.IncrementCacheLookup(true)
			return e.Snapshot, nil
		}
	}
	metrics.IncrementCacheLookup(false)

	// The snapshot is shared through the cache, so a caller going away must
	// not cancel the upstream calls. The fetcher's venue timeout still applies.
	start := time.Now()
	snap := s.fetcher.FetchAll(context.WithoutCancel(ctx), sym)
	s.store.Put(sym, snap)

	logger.LogPerformanceEntry(s.log.WithComponent("funding_service"), "funding_service", "fetch_all", time.Since(start), logger.Fields{
		"symbol": sym,
	})
	return snap, nil
}

// History returns the recent funding series for raw. History is never cached
// and does not change the tracked symbol.
func (s *Funding) History(ctx context.Context, raw string) (models.FundingHistory, error) {
	sym, err := symbols.Normalize(raw)
	if err != nil {
		return models.FundingHistory{}, err
	}
	return s.fetcher.FetchAllHistory(ctx, sym), nil
}

// Store exposes the cache for the stream endpoint and the index page.
func (s *Funding) Store() *cache.Store {
	return s.store
}
