package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fundingflow/config"
	"fundingflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T, mux *http.ServeMux) *Reader {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Source.Bybit.URL = srv.URL
	cfg.Fetcher.Timeout = 2 * time.Second
	return NewReader(&cfg)
}

func TestFetchCurrent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "linear", req.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", req.URL.Query().Get("symbol"))
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[{"symbol":"BTCUSDT","fundingRate":"0.0001","nextFundingTime":"1700028800000","fundingIntervalHour":"4"}]},"retExtInfo":{},"time":1700000000000}`)
	})
	r := newTestReader(t, mux)

	rec, err := r.FetchCurrent(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.FundingRecord{
		Exchange:          models.VenueBybit,
		Symbol:            "BTCUSDT",
		FundingRate:       "0.0001",
		NextFundingTimeMs: 1700028800000,
		Interval:          "4h",
	}, rec)
}

func TestFetchCurrentDefaultInterval(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"ETHUSDT","fundingRate":"-0.00002","nextFundingTime":"1700028800000"}]}}`)
	})
	r := newTestReader(t, mux)

	rec, err := r.FetchCurrent(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "8h", rec.Interval)
}

func TestFetchCurrentRetCodeIsNoData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"retCode":10001,"retMsg":"params error","result":{},"retExtInfo":{},"time":1}`)
	})
	r := newTestReader(t, mux)

	_, err := r.FetchCurrent(context.Background(), "NOPEUSDT")
	assert.ErrorIs(t, err, models.ErrNoData)
}

func TestFetchCurrentEmptyList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[]}}`)
	})
	r := newTestReader(t, mux)

	_, err := r.FetchCurrent(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, models.ErrNoData)
}

func TestFetchHistoryScalesSeconds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/funding/history", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "50", req.URL.Query().Get("limit"))
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[{"symbol":"BTCUSDT","fundingRate":"0.0001","fundingRateTimestamp":"1700000000000"},{"symbol":"BTCUSDT","fundingRate":"0.0003","fundingRateTimestamp":"1699971200"}]}}`)
	})
	r := newTestReader(t, mux)

	points, err := r.FetchHistory(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(1700000000000), points[0].FundingTime)
	assert.Equal(t, int64(1699971200000), points[1].FundingTime)
	assert.Equal(t, "0.0003", points[1].FundingRate)
}

func TestFetchHistoryFallsBackToFundingRateTime(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/funding/history", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[{"symbol":"BTCUSDT","fundingRate":"0.0002","fundingRateTime":"1699942400000"}]}}`)
	})
	r := newTestReader(t, mux)

	points, err := r.FetchHistory(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(1699942400000), points[0].FundingTime)
	assert.Equal(t, "0.0002", points[0].FundingRate)
}
