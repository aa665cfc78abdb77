package writer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "fundingflow/config"
	"fundingflow/models"
)

type fakeMessageWriter struct {
	msgs     []kafka.Message
	err      error
	deadline bool
	closed   bool
}

func (w *fakeMessageWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, w.deadline = ctx.Deadline()
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeMessageWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherAppend(t *testing.T) {
	fw := &fakeMessageWriter{}
	kp := newKafkaPublisher(fw, appconfig.KafkaConfig{Topic: "funding-rates"})
	kp.now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }

	rec := models.FundingRecord{
		Exchange:          models.VenueBybit,
		Symbol:            "BTCUSDT",
		FundingRate:       "0.0001",
		NextFundingTimeMs: 1_700_000_400_000,
		Interval:          "8h",
	}
	require.NoError(t, kp.Append(context.Background(), rec))

	require.Len(t, fw.msgs, 1)
	assert.True(t, fw.deadline)
	assert.Equal(t, "bybit:BTCUSDT", string(fw.msgs[0].Key))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &got))
	assert.EqualValues(t, 1_700_000_000_123, got["ts"])
	assert.Equal(t, "bybit", got["exchange"])
	assert.Equal(t, "0.0001", got["fundingRate"])
	assert.NotContains(t, got, "error")

	require.NoError(t, kp.Close())
	assert.True(t, fw.closed)
}

func TestKafkaPublisherWriteError(t *testing.T) {
	fw := &fakeMessageWriter{err: errors.New("leader not available")}
	kp := newKafkaPublisher(fw, appconfig.KafkaConfig{Topic: "funding-rates"})

	err := kp.Append(context.Background(), models.FundingRecord{Exchange: models.VenueOKX, Symbol: "BTC-USDT-SWAP"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(appconfig.KafkaConfig{Topic: "funding-rates"})
	assert.Error(t, err)
}
