package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "fundingflow/config"
	"fundingflow/logger"
	"fundingflow/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FundingEvent is the Kafka payload for one refreshed funding record.
type FundingEvent struct {
	Ts int64 `json:"ts"`
	models.FundingRecord
}

// KafkaPublisher publishes refreshed funding records to a Kafka topic,
// keyed by exchange and symbol so one instrument stays on one partition.
type KafkaPublisher struct {
	writer       messageWriter
	topic        string
	writeTimeout time.Duration
	now          func() time.Time
	log          *logger.Log
}

func NewKafkaPublisher(cfg appconfig.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kp := newKafkaPublisher(&kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}, cfg)

	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka publisher initialized")
	return kp, nil
}

func newKafkaPublisher(w messageWriter, cfg appconfig.KafkaConfig) *KafkaPublisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{
		writer:       w,
		topic:        cfg.Topic,
		writeTimeout: timeout,
		now:          time.Now,
		log:          logger.GetLogger(),
	}
}

func (kp *KafkaPublisher) Name() string { return "kafka" }

// Append publishes rec. It satisfies the refresher sink contract.
func (kp *KafkaPublisher) Append(ctx context.Context, rec models.FundingRecord) error {
	data, err := json.Marshal(FundingEvent{Ts: kp.now().UnixMilli(), FundingRecord: rec})
	if err != nil {
		return fmt.Errorf("marshal funding event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, kp.writeTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(string(rec.Exchange) + ":" + rec.Symbol),
		Value: data,
	}
	if err := kp.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish funding event: %w", err)
	}

	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"exchange": string(rec.Exchange),
		"symbol":   rec.Symbol,
		"topic":    kp.topic,
	}).Debug("funding event published")
	return nil
}

func (kp *KafkaPublisher) Close() error {
	kp.log.WithComponent("kafka_publisher").Debug("closing kafka publisher")
	return kp.writer.Close()
}
