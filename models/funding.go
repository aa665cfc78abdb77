package models

import (
	"errors"
	"sort"
)

// Venue identifies one of the supported perpetual-futures exchanges.
type Venue string

const (
	VenueBinance Venue = "binance"
	VenueBybit   Venue = "bybit"
	VenueOKX     Venue = "okx"
)

// Venues lists every supported exchange in snapshot order.
var Venues = []Venue{VenueBinance, VenueBybit, VenueOKX}

// NoDataMessage is the error marker for a venue that answered without a usable payload.
const NoDataMessage = "No data"

// ErrNoData is returned by adapters when the upstream response carries no usable
// funding data (non-zero envelope code, empty list, malformed fields).
var ErrNoData = errors.New("no data")

// FundingRecord is the normalized funding-rate view of one venue for one symbol.
// FundingRate stays a string so the upstream precision survives serialization.
type FundingRecord struct {
	Exchange          Venue  `json:"exchange"`
	Symbol            string `json:"symbol,omitempty"`
	FundingRate       string `json:"fundingRate"`
	NextFundingTimeMs int64  `json:"nextFundingTimeMs"`
	Interval          string `json:"interval"`
	Error             string `json:"error,omitempty"`
}

// ErrorRecord builds the error variant of a FundingRecord.
func ErrorRecord(venue Venue, msg string) FundingRecord {
	return FundingRecord{Exchange: venue, Error: msg}
}

// OK reports whether the record carries data rather than an error marker.
func (r FundingRecord) OK() bool {
	return r.Error == ""
}

// FundingSnapshot holds exactly one record per venue for a single symbol.
// Field order fixes the JSON key order to binance, bybit, okx.
type FundingSnapshot struct {
	Binance FundingRecord `json:"binance"`
	Bybit   FundingRecord `json:"bybit"`
	OKX     FundingRecord `json:"okx"`
}

// NewFundingSnapshot returns a snapshot where every venue is marked as having no data.
func NewFundingSnapshot() FundingSnapshot {
	var s FundingSnapshot
	for _, v := range Venues {
		s.Set(ErrorRecord(v, NoDataMessage))
	}
	return s
}

// Get returns the record for venue.
func (s FundingSnapshot) Get(venue Venue) (FundingRecord, bool) {
	switch venue {
	case VenueBinance:
		return s.Binance, true
	case VenueBybit:
		return s.Bybit, true
	case VenueOKX:
		return s.OKX, true
	}
	return FundingRecord{}, false
}

// Set stores rec under its Exchange. Unknown venues are ignored.
func (s *FundingSnapshot) Set(rec FundingRecord) {
	switch rec.Exchange {
	case VenueBinance:
		s.Binance = rec
	case VenueBybit:
		s.Bybit = rec
	case VenueOKX:
		s.OKX = rec
	}
}

// Records returns the three records in venue order.
func (s FundingSnapshot) Records() []FundingRecord {
	return []FundingRecord{s.Binance, s.Bybit, s.OKX}
}

// FundingHistoryPoint is one settled funding event.
type FundingHistoryPoint struct {
	FundingTime int64  `json:"fundingTime"`
	FundingRate string `json:"fundingRate"`
}

// FundingHistory holds the recent funding series of every venue. A venue whose
// fetch failed carries an empty, non-nil series.
type FundingHistory struct {
	Binance []FundingHistoryPoint `json:"binance"`
	Bybit   []FundingHistoryPoint `json:"bybit"`
	OKX     []FundingHistoryPoint `json:"okx"`
}

// NewFundingHistory returns a history with empty series for every venue.
func NewFundingHistory() FundingHistory {
	return FundingHistory{
		Binance: []FundingHistoryPoint{},
		Bybit:   []FundingHistoryPoint{},
		OKX:     []FundingHistoryPoint{},
	}
}

// Get returns the series for venue.
func (h FundingHistory) Get(venue Venue) []FundingHistoryPoint {
	switch venue {
	case VenueBinance:
		return h.Binance
	case VenueBybit:
		return h.Bybit
	case VenueOKX:
		return h.OKX
	}
	return nil
}

// Set stores points for venue; nil is replaced by an empty series.
func (h *FundingHistory) Set(venue Venue, points []FundingHistoryPoint) {
	if points == nil {
		points = []FundingHistoryPoint{}
	}
	switch venue {
	case VenueBinance:
		h.Binance = points
	case VenueBybit:
		h.Bybit = points
	case VenueOKX:
		h.OKX = points
	}
}

// SortDescending orders every series newest first. Upstream order is not guaranteed.
func (h *FundingHistory) SortDescending() {
	for _, series := range [][]FundingHistoryPoint{h.Binance, h.Bybit, h.OKX} {
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].FundingTime > series[j].FundingTime
		})
	}
}
