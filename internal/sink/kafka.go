package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/parser"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/reliability"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/security"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

// KafkaWarehouse publishes one message per record. Messages are keyed by
// machine so rows of a machine stay ordered within a partition.
type KafkaWarehouse struct {
	topic    string
	producer sarama.SyncProducer
	closed   atomic.Bool
}

// NewSaramaConfig translates the Kafka warehouse settings
func NewSaramaConfig(cfg config.KafkaConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	// Retries happen one level up, with the sink's own backoff
	saramaConfig.Producer.Retry.Max = 0

	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	if cfg.RequiredAcks != 0 {
		saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	}

	saramaConfig.ClientID = "machinetail"
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}

	switch cfg.CompressionCodec {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		saramaConfig.Producer.Compression = sarama.CompressionNone
	default:
		return nil, fmt.Errorf("unsupported kafka compression codec: %s", cfg.CompressionCodec)
	}

	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if cfg.SASLEnabled {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		saramaConfig.Net.SASL.User = cfg.SASLUsername
		saramaConfig.Net.SASL.Password = cfg.SASLPassword
	}

	tlsConfig, err := security.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("invalid Kafka TLS settings: %w", err)
	}
	if tlsConfig != nil {
		saramaConfig.Net.TLS.Enable = true
		saramaConfig.Net.TLS.Config = tlsConfig
	}

	return saramaConfig, nil
}

// NewKafkaWarehouse connects a synchronous producer to the brokers
func NewKafkaWarehouse(cfg config.KafkaConfig) (*KafkaWarehouse, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	saramaConfig, err := NewSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return NewKafkaWarehouseWithProducer(producer, cfg.Topic), nil
}

// NewKafkaWarehouseWithProducer wraps an existing producer
func NewKafkaWarehouseWithProducer(producer sarama.SyncProducer, topic string) *KafkaWarehouse {
	return &KafkaWarehouse{
		topic:    topic,
		producer: producer,
	}
}

func (k *KafkaWarehouse) Append(ctx context.Context, rec types.Record) error {
	if k.closed.Load() {
		return reliability.Permanent(fmt.Errorf("kafka warehouse is closed"))
	}

	msg, err := k.buildMessage(rec)
	if err != nil {
		return reliability.Permanent(err)
	}

	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}
	return nil
}

func (k *KafkaWarehouse) buildMessage(rec types.Record) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(rec[types.FieldMachine]),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("status"), Value: []byte(rec[types.FieldStatus])},
		},
	}

	if ts, err := time.Parse(parser.OutputLayout, rec[types.FieldTimestamp]); err == nil {
		msg.Timestamp = ts
	}

	return msg, nil
}

func (k *KafkaWarehouse) Name() string { return "kafka" }

// Close closes the producer
func (k *KafkaWarehouse) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.producer.Close()
}
