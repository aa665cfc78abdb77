package refresher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fundingflow/internal/cache"
	"fundingflow/internal/metrics"
	"fundingflow/logger"
	"fundingflow/models"

	"github.com/google/uuid"
)

const DefaultInterval = 15 * time.Second

// Fetcher produces one snapshot for a symbol.
type Fetcher interface {
	FetchAll(ctx context.Context, symbol string) models.FundingSnapshot
}

// Sink receives every usable record after a refresh.
type Sink interface {
	Append(ctx context.Context, rec models.FundingRecord) error
}

// Sinks forwards each record to every sink in order. One failing sink does
// not stop the others.
type Sinks []Sink

func (s Sinks) Append(ctx context.Context, rec models.FundingRecord) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Name lists the member sinks, for example "history+kafka".
func (s Sinks) Name() string {
	names := make([]string, 0, len(s))
	for _, sink := range s {
		names = append(names, sinkName(sink))
	}
	return strings.Join(names, "+")
}

func sinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// Refresher keeps the tracked symbol's cache entry warm.
type Refresher struct {
	fetcher  Fetcher
	store    *cache.Store
	sink     Sink
	interval time.Duration
	log      *logger.Log
}

// New builds a Refresher. sink may be nil, in which case records are not forwarded.
func New(f Fetcher, store *cache.Store, sink Sink, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Refresher{
		fetcher:  f,
		store:    store,
		sink:     sink,
		interval: interval,
		log:      logger.GetLogger(),
	}
}

// Run refreshes once immediately and then every interval until ctx is done.
// A failing or panicking cycle is logged and the loop carries on.
func (r *Refresher) Run(ctx context.Context) {
	log := r.log.WithComponent("refresher").WithFields(logger.Fields{"interval": r.interval.String()})
	log.Info("refresher started")

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("refresher stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single supervised refresh cycle.
func (r *Refresher) RunOnce(ctx context.Context) {
	cycleID := uuid.NewString()
	symbol := r.store.Tracked()
	log := r.log.WithComponent("refresher").WithFields(logger.Fields{
		"cycle_id": cycleID,
		"symbol":   symbol,
	})

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", fmt.Sprint(rec)).Error("refresh cycle panicked")
			metrics.IncrementRefreshCycle(metrics.OutcomeError)
		}
	}()

	snap := r.fetcher.FetchAll(ctx, symbol)
	r.store.Put(symbol, snap)

	ok, forwarded := 0, 0
	for _, rec := range snap.Records() {
		if !rec.OK() {
			continue
		}
		ok++
		if r.sink == nil || rec.NextFundingTimeMs == 0 {
			continue
		}
		forwarded++
		if err := r.sink.Append(ctx, rec); err != nil {
			log.WithError(err).WithField("venue", string(rec.Exchange)).Warn("sink append failed")
		}
	}
	if forwarded > 0 {
		logger.LogDataFlowEntry(log, "refresher", sinkName(r.sink), forwarded, "funding_record")
	}

	logger.IncrementRefreshCycle()
	metrics.IncrementRefreshCycle(metrics.OutcomeOK)
	log.LogMetric("refresher", "venues_ok", ok, "gauge", logger.Fields{"symbol": symbol})
	logger.LogPerformanceEntry(log, "refresher", "refresh_cycle", time.Since(start), nil)
}
