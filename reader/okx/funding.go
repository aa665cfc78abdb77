package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	ratemetrics "fundingflow/internal/metrics/rate"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/reader"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL       = "https://www.okx.com"
	fundingRatePath      = "/api/v5/public/funding-rate"
	fundingHistoryPath   = "/api/v5/public/funding-rate-history"
	defaultIntervalHours = 8
	hourMs               = int64(time.Hour / time.Millisecond)
	secondsThreshold     = int64(1_000_000_000_000)
)

// Reader fetches current and historical funding rates from the OKX public REST API.
type Reader struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	log     *logger.Log
}

// NewReader creates an OKX funding reader from the okx source section.
func NewReader(cfg *config.Config) *Reader {
	src := cfg.Source.Okx
	r := &Reader{
		client:  reader.NewHTTPClient(src.ConnectionPool, cfg.Fetcher.Timeout, cfg.Fetcher.UserAgent),
		baseURL: reader.BaseURL(src.URL, defaultBaseURL),
		limiter: reader.NewLimiter(src.RateLimit),
		log:     logger.GetLogger(),
	}

	r.log.WithComponent("okx_reader").WithFields(logger.Fields{
		"base_url": r.baseURL,
	}).Info("okx funding reader initialized")
	return r
}

func (r *Reader) Venue() models.Venue {
	return models.VenueOKX
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type fundingRateItem struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	SettFundingRate string `json:"settFundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
	PrevFundingTime string `json:"prevFundingTime"`
}

type historyItem struct {
	FundingTime string `json:"fundingTime"`
	FundingRate string `json:"fundingRate"`
}

// FetchCurrent returns the normalized funding record for symbol. OKX reports
// the settlement after the upcoming one as nextFundingTime, so one interval is
// taken off to get the actual next settlement.
func (r *Reader) FetchCurrent(ctx context.Context, symbol string) (models.FundingRecord, error) {
	instID := symbols.ToOKX(symbol)

	var items []fundingRateItem
	if err := r.get(ctx, "current", instID, fundingRatePath, url.Values{"instId": {instID}}, &items); err != nil {
		return models.FundingRecord{}, err
	}
	if len(items) == 0 {
		return models.FundingRecord{}, models.ErrNoData
	}
	item := items[0]

	rateStr := item.FundingRate
	if rateStr == "" {
		rateStr = item.SettFundingRate
	}
	if _, err := decimal.NewFromString(rateStr); err != nil {
		return models.FundingRecord{}, models.ErrNoData
	}

	next := timestampMs(item.NextFundingTime)
	hours := intervalHours(item)
	if intervalMs := int64(hours) * hourMs; next > intervalMs {
		next -= intervalMs
	}

	sym := item.InstID
	if sym == "" {
		sym = instID
	}

	return models.FundingRecord{
		Exchange:          models.VenueOKX,
		Symbol:            sym,
		FundingRate:       rateStr,
		NextFundingTimeMs: next,
		Interval:          fmt.Sprintf("%dh", hours),
	}, nil
}

// FetchHistory returns up to limit settled funding events, newest first as OKX returns them.
func (r *Reader) FetchHistory(ctx context.Context, symbol string, limit int) ([]models.FundingHistoryPoint, error) {
	instID := symbols.ToOKX(symbol)
	params := url.Values{
		"instId": {instID},
		"limit":  {strconv.Itoa(limit)},
	}

	var items []historyItem
	if err := r.get(ctx, "history", instID, fundingHistoryPath, params, &items); err != nil {
		return nil, err
	}

	points := make([]models.FundingHistoryPoint, 0, len(items))
	for _, it := range items {
		points = append(points, models.FundingHistoryPoint{
			FundingTime: timestampMs(it.FundingTime),
			FundingRate: it.FundingRate,
		})
	}
	return points, nil
}

func (r *Reader) get(ctx context.Context, call, instID, path string, params url.Values, out interface{}) (err error) {
	log := r.log.WithComponent("okx_reader").WithFields(logger.Fields{
		"operation": call,
		"params":    params.Encode(),
	})

	start := time.Now()
	defer func() {
		metrics.ObserveUpstream(string(models.VenueOKX), call, reader.Outcome(err), time.Since(start))
	}()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("okx rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build okx request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("okx request failed")
		return fmt.Errorf("okx request: %w", err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(log, "okx_reader", "api_request", time.Since(start), nil)

	if resp.StatusCode != http.StatusOK {
		ratemetrics.ReportStatus(r.log, string(models.VenueOKX), instID, call, resp.StatusCode)
		return fmt.Errorf("okx %s: unexpected status %d", path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode okx response: %w", err)
	}
	if env.Code != "0" {
		log.WithFields(logger.Fields{"code": env.Code, "msg": env.Msg}).Debug("okx returned error envelope")
		ratemetrics.ReportLimitFromMessage(r.log, string(models.VenueOKX), instID, call, env.Msg)
		return models.ErrNoData
	}
	if len(env.Data) == 0 {
		return models.ErrNoData
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return models.ErrNoData
	}
	return nil
}

// timestampMs parses an OKX timestamp string; values below 10^12 are seconds.
func timestampMs(raw string) int64 {
	if raw == "" {
		return 0
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if ts > 0 && ts < secondsThreshold {
		return ts * 1000
	}
	return ts
}

// intervalHours derives the funding interval from the gap to the next
// settlement, trying fundingTime first and prevFundingTime second.
func intervalHours(item fundingRateItem) int {
	next := timestampMs(item.NextFundingTime)
	for _, raw := range []string{item.FundingTime, item.PrevFundingTime} {
		ref := timestampMs(raw)
		if ref <= 0 || next <= ref {
			continue
		}
		h := int(math.Round(float64(next-ref) / float64(hourMs)))
		if h >= 1 && h <= 24 {
			return h
		}
	}
	return defaultIntervalHours
}
