package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaBusConfig configures the ordered, cross-host event bus.
type KafkaBusConfig struct {
	Brokers      []string
	TopicPrefix  string
	RetryMax     int
	RequiredAcks string // "none", "local", "all"
}

// KafkaProducer publishes envelopes keyed by MessageGroupID so Kafka's
// default hash partitioner routes every message for one run_id to the same
// partition, preserving sell-before-buy ordering within a run. Across runs
// no ordering is implied or required.
type KafkaProducer struct {
	producer sarama.SyncProducer
	prefix   string
	logger   *zap.Logger
}

// NewKafkaProducer dials the brokers and configures acks/retries per cfg.
func NewKafkaProducer(cfg KafkaBusConfig, logger *zap.Logger) (*KafkaProducer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true

	switch cfg.RequiredAcks {
	case "none":
		saramaCfg.Producer.RequiredAcks = sarama.NoResponse
	case "local":
		saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	}
	saramaCfg.Producer.Retry.Max = cfg.RetryMax
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("eventbus: dial kafka producer: %w", err)
	}

	return &KafkaProducer{producer: producer, prefix: cfg.TopicPrefix, logger: logger}, nil
}

func (p *KafkaProducer) topic(msgType string) string {
	return fmt.Sprintf("%s.%s", p.prefix, msgType)
}

// Publish sends env to the topic for its Type, keyed by MessageGroupID when
// present so same-run messages land on one partition in order.
func (p *KafkaProducer) Publish(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic(env.Type),
		Value: sarama.ByteEncoder(data),
	}
	if env.MessageGroupID != "" {
		msg.Key = sarama.StringEncoder(env.MessageGroupID)
	}

	_, _, err = p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", env.Type, err)
	}
	p.logger.Debug("published envelope",
		zap.String("event_type", env.Type),
		zap.String("correlation_id", env.CorrelationID),
		zap.String("message_group_id", env.MessageGroupID),
	)
	return nil
}

// Close releases the underlying producer connection.
func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}

// KafkaConsumer consumes a single message type's topic, preserving
// per-partition (hence per-run_id) delivery order.
type KafkaConsumer struct {
	consumer sarama.Consumer
	prefix   string
	logger   *zap.Logger
}

// NewKafkaConsumer dials the brokers for consumption starting from the
// newest offset. It commits no consumer offsets, so a restarted consumer
// does not see messages published while none was running.
func NewKafkaConsumer(cfg KafkaBusConfig, logger *zap.Logger) (*KafkaConsumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	consumer, err := sarama.NewConsumer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("eventbus: dial kafka consumer: %w", err)
	}

	return &KafkaConsumer{consumer: consumer, prefix: cfg.TopicPrefix, logger: logger}, nil
}

func (c *KafkaConsumer) topic(msgType string) string {
	return fmt.Sprintf("%s.%s", c.prefix, msgType)
}

// Consume starts one goroutine per partition of msgType's topic, decoding
// each message into an Envelope and invoking handler. Partition goroutines
// exit when ctx is canceled.
func (c *KafkaConsumer) Consume(ctx context.Context, msgType string, handler Handler) error {
	topic := c.topic(msgType)
	partitions, err := c.consumer.Partitions(topic)
	if err != nil {
		return fmt.Errorf("eventbus: list partitions for %s: %w", topic, err)
	}

	for _, partition := range partitions {
		pc, err := c.consumer.ConsumePartition(topic, partition, sarama.OffsetNewest)
		if err != nil {
			return fmt.Errorf("eventbus: consume partition %d of %s: %w", partition, topic, err)
		}

		go func(pc sarama.PartitionConsumer) {
			defer pc.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-pc.Messages():
					if !ok {
						return
					}
					var env Envelope
					if err := json.Unmarshal(msg.Value, &env); err != nil {
						c.logger.Error("failed to decode envelope", zap.Error(err), zap.String("topic", topic))
						continue
					}
					if err := handler(ctx, env); err != nil {
						c.logger.Warn("handler error", zap.Error(err), zap.String("event_type", env.Type), zap.String("correlation_id", env.CorrelationID))
					}
				case err, ok := <-pc.Errors():
					if !ok {
						return
					}
					c.logger.Error("partition consumer error", zap.Error(err), zap.String("topic", topic))
				}
			}
		}(pc)
	}

	return nil
}

// Close releases the underlying consumer connection.
func (c *KafkaConsumer) Close() error {
	return c.consumer.Close()
}
