package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fundingflow/logger"
	"fundingflow/models"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultHistoryLimit = 50
)

// Adapter is implemented by every venue reader.
type Adapter interface {
	Venue() models.Venue
	FetchCurrent(ctx context.Context, symbol string) (models.FundingRecord, error)
	FetchHistory(ctx context.Context, symbol string, limit int) ([]models.FundingHistoryPoint, error)
}

// Fetcher queries all venues concurrently and assembles the results in venue
// order. One venue failing or timing out never affects the others.
type Fetcher struct {
	adapters     map[models.Venue]Adapter
	timeout      time.Duration
	historyLimit int
	log          *logger.Log
}

// New builds a Fetcher over adapters. Non-positive timeout or limit use the defaults.
func New(timeout time.Duration, historyLimit int, adapters ...Adapter) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	byVenue := make(map[models.Venue]Adapter, len(adapters))
	for _, a := range adapters {
		byVenue[a.Venue()] = a
	}
	return &Fetcher{
		adapters:     byVenue,
		timeout:      timeout,
		historyLimit: historyLimit,
		log:          logger.GetLogger(),
	}
}

// FetchAll returns one record per venue for symbol. It returns only after
// every venue call has settled or timed out.
func (f *Fetcher) FetchAll(ctx context.Context, symbol string) models.FundingSnapshot {
	results := fanOut(ctx, f, func(ctx context.Context, a Adapter) (models.FundingRecord, error) {
		return a.FetchCurrent(ctx, symbol)
	})

	snap := models.NewFundingSnapshot()
	for i, venue := range models.Venues {
		res := results[i]
		if res.err != nil {
			snap.Set(models.ErrorRecord(venue, errorMessage(res.err)))
			continue
		}
		rec := res.value
		rec.Exchange = venue
		snap.Set(rec)
	}
	return snap
}

// FetchAllHistory returns the recent funding series of every venue. A failed
// venue contributes an empty series.
func (f *Fetcher) FetchAllHistory(ctx context.Context, symbol string) models.FundingHistory {
	results := fanOut(ctx, f, func(ctx context.Context, a Adapter) ([]models.FundingHistoryPoint, error) {
		return a.FetchHistory(ctx, symbol, f.historyLimit)
	})

	history := models.NewFundingHistory()
	for i, venue := range models.Venues {
		if results[i].err != nil {
			continue
		}
		history.Set(venue, results[i].value)
	}
	return history
}

type result[T any] struct {
	value T
	err   error
}

// fanOut runs call once per venue, each in its own goroutine under its own
// timeout, and returns the outcomes in venue order.
func fanOut[T any](ctx context.Context, f *Fetcher, call func(context.Context, Adapter) (T, error)) []result[T] {
	results := make([]result[T], len(models.Venues))

	var wg sync.WaitGroup
	for i, venue := range models.Venues {
		wg.Add(1)
		go func(i int, venue models.Venue) {
			defer wg.Done()

			a, ok := f.adapters[venue]
			if !ok {
				results[i] = result[T]{err: fmt.Errorf("no adapter configured for %s", venue)}
				return
			}

			res := callWithTimeout(ctx, f, venue, a, call)
			if res.err != nil {
				f.log.WithComponent("fetcher").WithFields(logger.Fields{
					"venue": string(venue),
				}).WithError(res.err).Debug("venue fetch failed")
			}
			logger.IncrementVenueFetch(string(venue), res.err == nil)
			results[i] = res
		}(i, venue)
	}
	wg.Wait()

	return results
}

// callWithTimeout gives up on the adapter once the venue timeout expires even
// if the adapter ignores ctx. Panics become errors.
func callWithTimeout[T any](ctx context.Context, f *Fetcher, venue models.Venue, a Adapter, call func(context.Context, Adapter) (T, error)) result[T] {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				f.log.WithComponent("fetcher").WithFields(logger.Fields{
					"venue": string(venue),
					"panic": fmt.Sprint(rec),
				}).Error("venue adapter panicked")
				done <- result[T]{err: fmt.Errorf("%s adapter panic: %v", venue, rec)}
			}
		}()
		v, err := call(ctx, a)
		done <- result[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return result[T]{err: fmt.Errorf("%s: %w", venue, ctx.Err())}
	}
}

func errorMessage(err error) string {
	if errors.Is(err, models.ErrNoData) {
		return models.NoDataMessage
	}
	return err.Error()
}
