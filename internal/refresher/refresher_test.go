package refresher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fundingflow/internal/cache"
	"fundingflow/logger"
	"fundingflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	calls   int32
	symbols chan string
	panics  bool
}

func (f *stubFetcher) FetchAll(ctx context.Context, symbol string) models.FundingSnapshot {
	n := atomic.AddInt32(&f.calls, 1)
	if f.symbols != nil {
		select {
		case f.symbols <- symbol:
		default:
		}
	}
	if f.panics && n == 1 {
		panic("upstream exploded")
	}
	snap := models.NewFundingSnapshot()
	snap.Set(models.FundingRecord{Exchange: models.VenueBinance, Symbol: symbol, FundingRate: "0.1", NextFundingTimeMs: 1700000000000, Interval: "8h"})
	snap.Set(models.FundingRecord{Exchange: models.VenueBybit, Symbol: symbol, FundingRate: "0.2", NextFundingTimeMs: 0, Interval: "8h"})
	return snap
}

type recordingSink struct {
	mu   sync.Mutex
	name string
	recs []models.FundingRecord
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Append(ctx context.Context, rec models.FundingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func TestRunOnceStoresAndForwards(t *testing.T) {
	store := cache.NewStore("BTCUSDT", nil)
	sink := &recordingSink{}
	r := New(&stubFetcher{}, store, sink, time.Hour)

	r.RunOnce(context.Background())

	e, ok := store.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "0.1", e.Snapshot.Binance.FundingRate)

	// bybit has no next funding time and okx is an error record
	require.Len(t, sink.recs, 1)
	assert.Equal(t, models.VenueBinance, sink.recs[0].Exchange)
}

func TestRunOnceSinkErrorIsSwallowed(t *testing.T) {
	store := cache.NewStore("BTCUSDT", nil)
	sink := &recordingSink{err: errors.New("disk full")}
	r := New(&stubFetcher{}, store, sink, time.Hour)

	assert.NotPanics(t, func() { r.RunOnce(context.Background()) })
	assert.True(t, store.Has("BTCUSDT"))
}

func TestRunOnceWithoutSink(t *testing.T) {
	store := cache.NewStore("ETHUSDT", nil)
	r := New(&stubFetcher{}, store, nil, 0)

	r.RunOnce(context.Background())
	assert.True(t, store.Has("ETHUSDT"))
}

func TestRunFollowsTrackedSymbolAndSurvivesPanic(t *testing.T) {
	store := cache.NewStore("BTCUSDT", nil)
	f := &stubFetcher{symbols: make(chan string, 16), panics: true}
	r := New(f, store, nil, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case sym := <-f.symbols:
		assert.Equal(t, "BTCUSDT", sym, "first cycle runs immediately")
	case <-time.After(time.Second):
		t.Fatal("first cycle did not run")
	}

	store.Track("SOLUSDT")
	deadline := time.After(2 * time.Second)
	for !store.Has("SOLUSDT") {
		select {
		case <-deadline:
			t.Fatal("refresher did not pick up the newly tracked symbol")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&f.calls), int32(2))
}

func TestSinksFanOutAndJoinErrors(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down")}
	healthy := &recordingSink{}
	sinks := Sinks{failing, healthy}

	rec := models.FundingRecord{Exchange: models.VenueOKX, Symbol: "BTC-USDT-SWAP", FundingRate: "0.3", NextFundingTimeMs: 1, Interval: "8h"}
	err := sinks.Append(context.Background(), rec)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	require.Len(t, healthy.recs, 1)
	assert.Equal(t, rec, healthy.recs[0])
	assert.NoError(t, Sinks{}.Append(context.Background(), rec))
}

func TestSinksName(t *testing.T) {
	sinks := Sinks{&recordingSink{name: "history"}, &recordingSink{name: "kafka"}}
	assert.Equal(t, "history+kafka", sinks.Name())
}

func TestRunOnceLogsDataFlow(t *testing.T) {
	var buf bytes.Buffer
	log := logger.GetLogger()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stdout) })

	store := cache.NewStore("BTCUSDT", nil)
	sinks := Sinks{&recordingSink{name: "history"}, &recordingSink{name: "kafka"}}
	New(&stubFetcher{}, store, sinks, time.Hour).RunOnce(context.Background())

	var flow map[string]interface{}
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		var entry map[string]interface{}
		if json.Unmarshal(line, &entry) == nil && entry["flow_type"] == "data_flow" {
			flow = entry
			break
		}
	}
	require.NotNil(t, flow, "no data flow entry in %s", buf.String())
	assert.Equal(t, "refresher", flow["source"])
	assert.Equal(t, "history+kafka", flow["destination"])
	assert.EqualValues(t, 1, flow["record_count"])
}
