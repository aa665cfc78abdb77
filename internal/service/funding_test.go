package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"fundingflow/internal/cache"
	"fundingflow/internal/fetcher"
	"fundingflow/internal/symbols"
	"fundingflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	current int32
	history int32
	rate    string
}

func (f *countingFetcher) FetchAll(ctx context.Context, symbol string) models.FundingSnapshot {
	atomic.AddInt32(&f.current, 1)
	snap := models.NewFundingSnapshot()
	for _, v := range models.Venues {
		snap.Set(models.FundingRecord{Exchange: v, Symbol: symbol, FundingRate: f.rate, NextFundingTimeMs: 1, Interval: "8h"})
	}
	return snap
}

func (f *countingFetcher) FetchAllHistory(ctx context.Context, symbol string) models.FundingHistory {
	atomic.AddInt32(&f.history, 1)
	h := models.NewFundingHistory()
	h.Set(models.VenueBinance, []models.FundingHistoryPoint{{FundingTime: 1, FundingRate: f.rate}})
	return h
}

func TestFundingInvalidSymbolNoSideEffects(t *testing.T) {
	f := &countingFetcher{rate: "0.1"}
	store := cache.NewStore("BTCUSDT", nil)
	svc := New(f, store, 0)

	_, err := svc.Funding(context.Background(), "BTC/USDT")
	assert.ErrorIs(t, err, symbols.ErrInvalidSymbol)
	assert.Equal(t, "BTCUSDT", store.Tracked())
	assert.Zero(t, atomic.LoadInt32(&f.current))

	_, err = svc.History(context.Background(), "   ")
	assert.ErrorIs(t, err, symbols.ErrInvalidSymbol)
	assert.Zero(t, atomic.LoadInt32(&f.history))
}

func TestFundingFreshCacheHit(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	clock := func() time.Time { return now }
	f := &countingFetcher{rate: "0.1"}
	store := cache.NewStore("BTCUSDT", clock)
	svc := New(f, store, 15*time.Second)

	first, err := svc.Funding(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", store.Tracked())
	assert.Equal(t, "ETHUSDT", first.Binance.Symbol)

	now = now.Add(5 * time.Second)
	second, err := svc.Funding(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.current), "fresh entry must not refetch")

	now = now.Add(15 * time.Second)
	_, err = svc.Funding(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.current), "stale entry must refetch")
}

func TestFundingUnseenSymbolFetches(t *testing.T) {
	f := &countingFetcher{rate: "0.1"}
	store := cache.NewStore("BTCUSDT", nil)
	svc := New(f, store, time.Minute)

	_, err := svc.Funding(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	snap, err := svc.Funding(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", snap.OKX.Symbol, "fallback entry must not be served for an unseen symbol")
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.current))
}

func TestHistoryDoesNotTrack(t *testing.T) {
	f := &countingFetcher{rate: "0.2"}
	store := cache.NewStore("BTCUSDT", nil)
	svc := New(f, store, 0)

	h, err := svc.History(context.Background(), "ethusdt")
	require.NoError(t, err)
	assert.Len(t, h.Binance, 1)
	assert.NotNil(t, h.OKX)
	assert.Equal(t, "BTCUSDT", store.Tracked())
	assert.False(t, store.Has("ETHUSDT"))
}

// slowAdapter answers after delay unless its context is cancelled first.
type slowAdapter struct {
	venue models.Venue
	delay time.Duration
}

func (a slowAdapter) Venue() models.Venue { return a.venue }

func (a slowAdapter) FetchCurrent(ctx context.Context, symbol string) (models.FundingRecord, error) {
	select {
	case <-ctx.Done():
		return models.FundingRecord{}, ctx.Err()
	case <-time.After(a.delay):
		return models.FundingRecord{Exchange: a.venue, Symbol: symbol, FundingRate: "0.0001", NextFundingTimeMs: 1, Interval: "8h"}, nil
	}
}

func (a slowAdapter) FetchHistory(ctx context.Context, symbol string, limit int) ([]models.FundingHistoryPoint, error) {
	return nil, nil
}

func TestFundingCallerCancelDoesNotPoisonCache(t *testing.T) {
	delay := 50 * time.Millisecond
	f := fetcher.New(time.Second, 0,
		slowAdapter{venue: models.VenueBinance, delay: delay},
		slowAdapter{venue: models.VenueBybit, delay: delay},
		slowAdapter{venue: models.VenueOKX, delay: delay},
	)
	store := cache.NewStore("BTCUSDT", nil)
	svc := New(f, store, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(5*time.Millisecond, cancel)
	_, err := svc.Funding(ctx, "ETHUSDT")
	require.NoError(t, err)

	snap, err := svc.Funding(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	for _, rec := range []models.FundingRecord{snap.Binance, snap.Bybit, snap.OKX} {
		assert.Empty(t, rec.Error)
		assert.Equal(t, "0.0001", rec.FundingRate)
	}
}
