package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"signal-fusion/internal/metrics"
)

const transportKafka = "kafka"

// KafkaOptions describe the signal topic consumer group.
type KafkaOptions struct {
	Brokers       []string
	Topics        []string
	GroupID       string
	Version       string
	InitialOffset string
}

// KafkaConsumer feeds signal messages from a consumer group into a Registrar.
type KafkaConsumer struct {
	group     sarama.ConsumerGroup
	topics    []string
	registrar Registrar
	logger    zerolog.Logger
}

// NewKafkaConsumer joins the consumer group. Consumption starts with Run.
func NewKafkaConsumer(opts KafkaOptions, registrar Registrar, logger zerolog.Logger) (*KafkaConsumer, error) {
	config, err := saramaConfig(opts)
	if err != nil {
		return nil, err
	}

	group, err := sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &KafkaConsumer{
		group:     group,
		topics:    opts.Topics,
		registrar: registrar,
		logger:    logger.With().Str("component", "kafka_ingest").Strs("topics", opts.Topics).Logger(),
	}, nil
}

func saramaConfig(opts KafkaOptions) (*sarama.Config, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if strings.EqualFold(opts.InitialOffset, "oldest") {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Version = sarama.V2_8_0_0
	if opts.Version != "" {
		version, err := sarama.ParseKafkaVersion(opts.Version)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version: %w", err)
		}
		config.Version = version
	}
	return config, nil
}

// Run consumes until ctx is cancelled, rejoining after every rebalance.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.group.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close consumer group")
		}
	}()

	handler := &groupHandler{consumer: c}
	c.logger.Info().Msg("kafka ingest started")
	for {
		if err := c.group.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error().Err(err).Msg("consumer group error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			c.logger.Info().Msg("kafka ingest stopped")
			return nil
		}
	}
}

// handle applies one message. Bad messages are logged and skipped so a poison
// record cannot stall the partition.
func (c *KafkaConsumer) handle(msg *sarama.ConsumerMessage) {
	m, err := Decode(msg.Value)
	if err != nil {
		metrics.IngestMessages.WithLabelValues(transportKafka, "decode_error").Inc()
		c.logger.Warn().Err(err).Str("topic", msg.Topic).Int32("partition", msg.Partition).Int64("offset", msg.Offset).Msg("undecodable signal skipped")
		return
	}
	if m.ObservedAt.IsZero() && !msg.Timestamp.IsZero() {
		m.ObservedAt = msg.Timestamp
	}
	if err := Apply(c.registrar, m); err != nil {
		metrics.IngestMessages.WithLabelValues(transportKafka, "rejected").Inc()
		c.logger.Warn().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).Msg("signal rejected")
		return
	}
	metrics.IngestMessages.WithLabelValues(transportKafka, "ok").Inc()
}

type groupHandler struct {
	consumer *KafkaConsumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consumer.handle(message)
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
