package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	ratemetrics "fundingflow/internal/metrics/rate"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/reader"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://api.bybit.com"
	category         = "linear"
	defaultInterval  = "8"
	secondsThreshold = int64(1_000_000_000_000)
)

// Reader fetches current and historical funding rates from Bybit v5 linear perpetuals.
type Reader struct {
	client  *bybit.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// NewReader creates a Bybit funding reader using the bybit.go.api client.
func NewReader(cfg *config.Config) *Reader {
	src := cfg.Source.Bybit
	base := reader.BaseURL(src.URL, defaultBaseURL)

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = reader.NewHTTPClient(src.ConnectionPool, cfg.Fetcher.Timeout, cfg.Fetcher.UserAgent)

	r := &Reader{
		client:  client,
		limiter: reader.NewLimiter(src.RateLimit),
		log:     logger.GetLogger(),
	}

	r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
		"base_url": base,
	}).Info("bybit funding reader initialized")
	return r
}

func (r *Reader) Venue() models.Venue {
	return models.VenueBybit
}

type tickerList struct {
	List []struct {
		Symbol              string `json:"symbol"`
		FundingRate         string `json:"fundingRate"`
		NextFundingTime     string `json:"nextFundingTime"`
		FundingIntervalHour string `json:"fundingIntervalHour"`
	} `json:"list"`
}

type historyList struct {
	List []struct {
		Symbol               string `json:"symbol"`
		FundingRate          string `json:"fundingRate"`
		FundingRateTimestamp string `json:"fundingRateTimestamp"`
		FundingRateTime      string `json:"fundingRateTime"`
	} `json:"list"`
}

// FetchCurrent returns the normalized funding record for symbol from market tickers.
func (r *Reader) FetchCurrent(ctx context.Context, symbol string) (models.FundingRecord, error) {
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
	}

	var tickers tickerList
	err := r.call(ctx, "current", symbol, &tickers, func() (*bybit.ServerResponse, error) {
		return r.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	})
	if err != nil {
		return models.FundingRecord{}, err
	}
	if len(tickers.List) == 0 {
		return models.FundingRecord{}, models.ErrNoData
	}
	item := tickers.List[0]

	if _, err := decimal.NewFromString(item.FundingRate); err != nil {
		return models.FundingRecord{}, models.ErrNoData
	}

	var next int64
	if item.NextFundingTime != "" {
		next, err = strconv.ParseInt(item.NextFundingTime, 10, 64)
		if err != nil {
			return models.FundingRecord{}, models.ErrNoData
		}
	}

	hours := strings.TrimSpace(item.FundingIntervalHour)
	if hours == "" || hours == "0" {
		hours = defaultInterval
	}

	sym := item.Symbol
	if sym == "" {
		sym = symbol
	}

	return models.FundingRecord{
		Exchange:          models.VenueBybit,
		Symbol:            sym,
		FundingRate:       item.FundingRate,
		NextFundingTimeMs: next,
		Interval:          hours + "h",
	}, nil
}

// FetchHistory returns up to limit settled funding events. Timestamps below
// 10^12 are taken as seconds.
func (r *Reader) FetchHistory(ctx context.Context, symbol string, limit int) ([]models.FundingHistoryPoint, error) {
	params := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"limit":    limit,
	}

	var history historyList
	err := r.call(ctx, "history", symbol, &history, func() (*bybit.ServerResponse, error) {
		return r.client.NewUtaBybitServiceWithParams(params).GetFundingRateHistory(ctx)
	})
	if err != nil {
		return nil, err
	}

	points := make([]models.FundingHistoryPoint, 0, len(history.List))
	for _, it := range history.List {
		raw := it.FundingRateTimestamp
		if raw == "" {
			raw = it.FundingRateTime
		}
		ts, _ := strconv.ParseInt(raw, 10, 64)
		if ts > 0 && ts < secondsThreshold {
			ts *= 1000
		}
		points = append(points, models.FundingHistoryPoint{
			FundingTime: ts,
			FundingRate: it.FundingRate,
		})
	}
	return points, nil
}

func (r *Reader) call(ctx context.Context, op, symbol string, out interface{}, fn func() (*bybit.ServerResponse, error)) (err error) {
	log := r.log.WithComponent("bybit_reader").WithFields(logger.Fields{"operation": op})

	start := time.Now()
	defer func() {
		metrics.ObserveUpstream(string(models.VenueBybit), op, reader.Outcome(err), time.Since(start))
	}()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("bybit rate limiter: %w", err)
		}
	}

	resp, err := fn()
	if err != nil {
		log.WithError(err).Warn("bybit request failed")
		return fmt.Errorf("bybit %s: %w", op, err)
	}
	logger.LogPerformanceEntry(log, "bybit_reader", "api_request", time.Since(start), nil)

	if resp == nil || resp.RetCode != 0 {
		if resp != nil {
			log.WithFields(logger.Fields{"ret_code": resp.RetCode, "ret_msg": resp.RetMsg}).Debug("bybit returned error envelope")
			ratemetrics.ReportLimitFromMessage(r.log, string(models.VenueBybit), symbol, op, resp.RetMsg)
		}
		return models.ErrNoData
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("marshal bybit result: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return models.ErrNoData
	}
	return nil
}
