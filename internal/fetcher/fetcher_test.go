package fetcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fundingflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	venue   models.Venue
	current func(ctx context.Context, symbol string) (models.FundingRecord, error)
	history func(ctx context.Context, symbol string, limit int) ([]models.FundingHistoryPoint, error)
	calls   int32
}

func (a *fakeAdapter) Venue() models.Venue { return a.venue }

func (a *fakeAdapter) FetchCurrent(ctx context.Context, symbol string) (models.FundingRecord, error) {
	atomic.AddInt32(&a.calls, 1)
	return a.current(ctx, symbol)
}

func (a *fakeAdapter) FetchHistory(ctx context.Context, symbol string, limit int) ([]models.FundingHistoryPoint, error) {
	atomic.AddInt32(&a.calls, 1)
	return a.history(ctx, symbol, limit)
}

func okAdapter(venue models.Venue, rate string) *fakeAdapter {
	return &fakeAdapter{
		venue: venue,
		current: func(ctx context.Context, symbol string) (models.FundingRecord, error) {
			return models.FundingRecord{Exchange: venue, Symbol: symbol, FundingRate: rate, NextFundingTimeMs: 1700000000000, Interval: "8h"}, nil
		},
		history: func(ctx context.Context, symbol string, limit int) ([]models.FundingHistoryPoint, error) {
			return []models.FundingHistoryPoint{{FundingTime: 1, FundingRate: rate}}, nil
		},
	}
}

func TestFetchAllAllVenuesSucceed(t *testing.T) {
	f := New(time.Second, 0,
		okAdapter(models.VenueOKX, "0.3"),
		okAdapter(models.VenueBinance, "0.1"),
		okAdapter(models.VenueBybit, "0.2"),
	)

	snap := f.FetchAll(context.Background(), "BTCUSDT")
	recs := snap.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "0.1", snap.Binance.FundingRate)
	assert.Equal(t, "0.2", snap.Bybit.FundingRate)
	assert.Equal(t, "0.3", snap.OKX.FundingRate)
	for _, rec := range recs {
		assert.True(t, rec.OK(), "unexpected error record %+v", rec)
	}
}

func TestFetchAllTimeoutDegradesOneVenue(t *testing.T) {
	slow := &fakeAdapter{
		venue: models.VenueBybit,
		current: func(ctx context.Context, symbol string) (models.FundingRecord, error) {
			time.Sleep(2 * time.Second)
			return models.FundingRecord{}, nil
		},
	}
	f := New(100*time.Millisecond, 0, okAdapter(models.VenueBinance, "0.1"), slow, okAdapter(models.VenueOKX, "0.3"))

	start := time.Now()
	snap := f.FetchAll(context.Background(), "BTCUSDT")
	assert.Less(t, time.Since(start), time.Second, "fetch should not wait for the slow venue")

	assert.True(t, snap.Binance.OK())
	assert.True(t, snap.OKX.OK())
	require.False(t, snap.Bybit.OK())
	assert.Contains(t, snap.Bybit.Error, "deadline exceeded")
	assert.Equal(t, models.VenueBybit, snap.Bybit.Exchange)
	assert.Empty(t, snap.Bybit.FundingRate)
	assert.Zero(t, snap.Bybit.NextFundingTimeMs)
	assert.Empty(t, snap.Bybit.Interval)
}

func TestFetchAllErrorMapping(t *testing.T) {
	noData := &fakeAdapter{
		venue: models.VenueBinance,
		current: func(ctx context.Context, symbol string) (models.FundingRecord, error) {
			return models.FundingRecord{}, models.ErrNoData
		},
	}
	failing := &fakeAdapter{
		venue: models.VenueOKX,
		current: func(ctx context.Context, symbol string) (models.FundingRecord, error) {
			return models.FundingRecord{}, errors.New("connection refused")
		},
	}
	f := New(time.Second, 0, noData, okAdapter(models.VenueBybit, "0.2"), failing)

	snap := f.FetchAll(context.Background(), "BTCUSDT")
	assert.Equal(t, models.NoDataMessage, snap.Binance.Error)
	assert.Equal(t, "connection refused", snap.OKX.Error)
	assert.True(t, snap.Bybit.OK())
}

func TestFetchAllRecoversPanic(t *testing.T) {
	panicking := &fakeAdapter{
		venue: models.VenueOKX,
		current: func(ctx context.Context, symbol string) (models.FundingRecord, error) {
			panic("boom")
		},
	}
	f := New(time.Second, 0, okAdapter(models.VenueBinance, "0.1"), okAdapter(models.VenueBybit, "0.2"), panicking)

	snap := f.FetchAll(context.Background(), "BTCUSDT")
	assert.Contains(t, snap.OKX.Error, "boom")
	assert.True(t, snap.Binance.OK())
	assert.True(t, snap.Bybit.OK())
}

func TestFetchAllMissingAdapter(t *testing.T) {
	f := New(time.Second, 0, okAdapter(models.VenueBinance, "0.1"))

	snap := f.FetchAll(context.Background(), "BTCUSDT")
	assert.True(t, snap.Binance.OK())
	assert.NotEmpty(t, snap.Bybit.Error)
	assert.NotEmpty(t, snap.OKX.Error)
}

func TestFetchAllHistoryFailureIsEmptySeries(t *testing.T) {
	failing := &fakeAdapter{
		venue: models.VenueBybit,
		history: func(ctx context.Context, symbol string, limit int) ([]models.FundingHistoryPoint, error) {
			return nil, errors.New("timeout")
		},
	}
	var gotLimit int32
	binance := okAdapter(models.VenueBinance, "0.1")
	binance.history = func(ctx context.Context, symbol string, limit int) ([]models.FundingHistoryPoint, error) {
		atomic.StoreInt32(&gotLimit, int32(limit))
		return []models.FundingHistoryPoint{{FundingTime: 2, FundingRate: "0.1"}}, nil
	}
	f := New(time.Second, 0, binance, failing, okAdapter(models.VenueOKX, "0.3"))

	h := f.FetchAllHistory(context.Background(), "BTCUSDT")
	assert.Len(t, h.Binance, 1)
	assert.NotNil(t, h.Bybit)
	assert.Empty(t, h.Bybit)
	assert.Len(t, h.OKX, 1)
	assert.Equal(t, int32(DefaultHistoryLimit), atomic.LoadInt32(&gotLimit))
}
