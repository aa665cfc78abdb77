package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFundingSnapshotKeyOrder(t *testing.T) {
	snap := NewFundingSnapshot()
	snap.Set(FundingRecord{Exchange: VenueOKX, Symbol: "BTC-USDT-SWAP", FundingRate: "0.0001", NextFundingTimeMs: 1, Interval: "8h"})

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	body := string(data)
	b := strings.Index(body, `"binance"`)
	y := strings.Index(body, `"bybit"`)
	o := strings.Index(body, `"okx"`)
	require.True(t, b >= 0 && y > b && o > y, "unexpected key order: %s", body)
	assert.Contains(t, body, `"error":"No data"`)
	assert.Contains(t, body, `"fundingRate":"0.0001"`)
}

func TestErrorRecordShape(t *testing.T) {
	data, err := json.Marshal(ErrorRecord(VenueBybit, "timeout"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"exchange":"bybit","fundingRate":"","nextFundingTimeMs":0,"interval":"","error":"timeout"}`, string(data))
}

func TestFundingHistoryNeverNull(t *testing.T) {
	h := NewFundingHistory()
	h.Set(VenueBinance, nil)

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"binance":[],"bybit":[],"okx":[]}`, string(data))
}

func TestFundingHistorySortDescending(t *testing.T) {
	h := NewFundingHistory()
	h.Set(VenueOKX, []FundingHistoryPoint{{FundingTime: 1}, {FundingTime: 3}, {FundingTime: 2}})
	h.SortDescending()

	got := h.Get(VenueOKX)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].FundingTime)
	assert.Equal(t, int64(1), got[2].FundingTime)
}
