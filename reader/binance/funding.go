package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	ratemetrics "fundingflow/internal/metrics/rate"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/reader"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL  = "https://fapi.binance.com"
	fundingInfoPath = "/fapi/v1/fundingInfo"
	defaultInterval = "8h"
)

// Reader fetches current and historical funding rates from Binance USDⓈ-M futures.
type Reader struct {
	client  *futures.Client
	baseURL string
	limiter *rate.Limiter
	log     *logger.Log
}

// NewReader creates a Binance funding reader using the go-binance futures client.
func NewReader(cfg *config.Config) *Reader {
	src := cfg.Source.Binance

	client := futures.NewClient("", "")
	client.HTTPClient = reader.NewHTTPClient(src.ConnectionPool, cfg.Fetcher.Timeout, cfg.Fetcher.UserAgent)
	base := reader.BaseURL(src.URL, defaultBaseURL)
	client.SetApiEndpoint(base)

	r := &Reader{
		client:  client,
		baseURL: base,
		limiter: reader.NewLimiter(src.RateLimit),
		log:     logger.GetLogger(),
	}

	r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"base_url": base,
	}).Info("binance funding reader initialized")
	return r
}

func (r *Reader) Venue() models.Venue {
	return models.VenueBinance
}

// FetchCurrent returns the premium-index funding data for symbol together with
// the interval from fundingInfo. Both calls run under ctx.
func (r *Reader) FetchCurrent(ctx context.Context, symbol string) (models.FundingRecord, error) {
	var indexes []*futures.PremiumIndex
	err := r.observe(ctx, "current", symbol, func() (err error) {
		indexes, err = r.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return models.FundingRecord{}, err
	}

	idx := pickIndex(indexes, symbol)
	if idx == nil {
		return models.FundingRecord{}, models.ErrNoData
	}
	if _, err := decimal.NewFromString(idx.LastFundingRate); err != nil {
		return models.FundingRecord{}, models.ErrNoData
	}

	sym := idx.Symbol
	if sym == "" {
		sym = symbol
	}

	return models.FundingRecord{
		Exchange:          models.VenueBinance,
		Symbol:            sym,
		FundingRate:       idx.LastFundingRate,
		NextFundingTimeMs: idx.NextFundingTime,
		Interval:          r.interval(ctx, symbol),
	}, nil
}

// FetchHistory returns up to limit settled funding events as Binance orders them.
func (r *Reader) FetchHistory(ctx context.Context, symbol string, limit int) ([]models.FundingHistoryPoint, error) {
	var rates []*futures.FundingRate
	err := r.observe(ctx, "history", symbol, func() (err error) {
		rates, err = r.client.NewFundingRateService().Symbol(symbol).Limit(limit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	points := make([]models.FundingHistoryPoint, 0, len(rates))
	for _, fr := range rates {
		if fr == nil {
			continue
		}
		points = append(points, models.FundingHistoryPoint{
			FundingTime: fr.FundingTime,
			FundingRate: fr.FundingRate,
		})
	}
	return points, nil
}

type fundingInfo struct {
	Symbol               string      `json:"symbol"`
	FundingIntervalHours json.Number `json:"fundingIntervalHours"`
}

// interval looks the symbol up in fundingInfo. Symbols missing from the list
// use the default 8h schedule, and so does any failure.
func (r *Reader) interval(ctx context.Context, symbol string) string {
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbol":    symbol,
		"operation": "funding_info",
	})

	var infos []fundingInfo
	err := r.observe(ctx, "interval", symbol, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+fundingInfoPath, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		ratemetrics.ReportBinanceWeight(r.log, resp.Header)
		if resp.StatusCode != http.StatusOK {
			ratemetrics.ReportStatus(r.log, string(models.VenueBinance), symbol, "interval", resp.StatusCode)
			return fmt.Errorf("binance fundingInfo: unexpected status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&infos)
	})
	if err != nil {
		log.WithError(err).Debug("funding info unavailable, using default interval")
		return defaultInterval
	}

	for _, info := range infos {
		if strings.EqualFold(info.Symbol, symbol) && info.FundingIntervalHours != "" {
			return info.FundingIntervalHours.String() + "h"
		}
	}
	return defaultInterval
}

func (r *Reader) observe(ctx context.Context, call, symbol string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveUpstream(string(models.VenueBinance), call, reader.Outcome(err), time.Since(start))
	}()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("binance rate limiter: %w", err)
		}
	}

	err = fn()
	if err != nil {
		if common.IsAPIError(err) {
			r.log.WithComponent("binance_reader").WithError(err).WithField("operation", call).Debug("binance returned error envelope")
			ratemetrics.ReportLimitFromMessage(r.log, string(models.VenueBinance), symbol, call, err.Error())
			return fmt.Errorf("%w: %v", models.ErrNoData, err)
		}
		return fmt.Errorf("binance %s: %w", call, err)
	}
	logger.LogPerformanceEntry(r.log.WithComponent("binance_reader"), "binance_reader", call, time.Since(start), nil)
	return nil
}

func pickIndex(indexes []*futures.PremiumIndex, symbol string) *futures.PremiumIndex {
	var first *futures.PremiumIndex
	for _, idx := range indexes {
		if idx == nil {
			continue
		}
		if first == nil {
			first = idx
		}
		if strings.EqualFold(idx.Symbol, symbol) {
			return idx
		}
	}
	return first
}
