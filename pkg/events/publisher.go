// Package events hands signed swaps to downstream consumers. The core never
// broadcasts transactions; an external submitter reads these events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/polisai/tokenswipe/pkg/domain"
)

// SwapSigned is published once custody has signed a swap.
type SwapSigned struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	WalletAddress   string            `json:"walletAddress"`
	ChainID         int64             `json:"chainId"`
	TransactionHash string            `json:"transactionHash"`
	RawTransaction  string            `json:"rawTransaction"`
	Quote           *domain.SwapQuote `json:"quote"`
	SignedAt        time.Time         `json:"signedAt"`
}

// Publisher delivers swap events.
type Publisher interface {
	PublishSwapSigned(ctx context.Context, event SwapSigned) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Enabled reports whether brokers are configured.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 && c.Topic != "" }

// KafkaPublisher writes JSON events keyed by user id, so one user's swaps stay
// ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaPublisher builds a synchronous Kafka writer.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Zstd,
	}
	return newKafkaPublisher(writer, cfg.WriteTimeout, logger)
}

func newKafkaPublisher(w messageWriter, timeout time.Duration, logger *slog.Logger) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, timeout: timeout, logger: logger}
}

// PublishSwapSigned implements Publisher.
func (p *KafkaPublisher) PublishSwapSigned(ctx context.Context, event SwapSigned) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode swap event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("swap.signed")},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send swap event to Kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Error closing Kafka producer", "error", err)
		return err
	}
	p.logger.Info("Kafka producer closed")
	return nil
}

// NopPublisher drops events.
type NopPublisher struct{}

// PublishSwapSigned implements Publisher.
func (NopPublisher) PublishSwapSigned(context.Context, SwapSigned) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// New selects the Kafka publisher when brokers are configured.
func New(cfg KafkaConfig, logger *slog.Logger) Publisher {
	if !cfg.Enabled() {
		return NopPublisher{}
	}
	if logger != nil {
		logger.Info("Kafka publisher enabled", "brokers", strings.Join(cfg.Brokers, ","), "topic", cfg.Topic)
	}
	return NewKafkaPublisher(cfg, logger)
}
