package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig contains the connection settings for the inbound event
// topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaConsumer adapts the transport-agnostic Consumer to a Kafka
// consumer group. Offsets are committed only for settled outcomes, so a
// transient failure leaves the message uncommitted and the broker
// redelivers it; the idempotency gate absorbs any resulting duplicates.
type KafkaConsumer struct {
	reader   *kafka.Reader
	consumer *Consumer
}

// NewKafkaConsumer creates a consumer-group reader over the configured
// topic.
func NewKafkaConsumer(cfg KafkaConfig, consumer *Consumer) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20, // 1MB
		MaxWait:  time.Second,
	})
	return &KafkaConsumer{
		reader:   reader,
		consumer: consumer,
	}
}

// Start consumes until ctx is cancelled.
func (k *KafkaConsumer) Start(ctx context.Context) {
	logger := log.With().Str("component", "kafka_consumer").Logger()
	logger.Info().Str("topic", k.reader.Config().Topic).Msg("starting event consumer")

	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				logger.Info().Msg("shutting down event consumer")
				return
			}
			logger.Error().Err(err).Msg("failed to fetch message")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			// Undecodable messages can never apply; commit past them.
			logger.Error().Err(err).Int64("offset", msg.Offset).Msg("dropping undecodable message")
			k.commit(ctx, msg, logger)
			continue
		}

		if _, err := k.consumer.Process(ctx, env); err != nil {
			// Transient: leave uncommitted for redelivery.
			logger.Warn().
				Err(err).
				Str("message_id", env.MessageID).
				Msg("transient processing failure, message will be redelivered")
			continue
		}

		k.commit(ctx, msg, logger)
	}
}

// Close shuts down the underlying reader.
func (k *KafkaConsumer) Close() error {
	return k.reader.Close()
}

func (k *KafkaConsumer) commit(ctx context.Context, msg kafka.Message, logger zerolog.Logger) {
	if err := k.reader.CommitMessages(ctx, msg); err != nil {
		logger.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
	}
}
