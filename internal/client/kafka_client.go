package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// MessageWriter is the subset of kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes notification events. Messages are keyed by
// recipient so one address always lands on the same partition.
type KafkaProducer struct {
	Writer  MessageWriter
	brokers []string
	tls     *tls.Config
}

func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	brokers := cfg.Kafka.Brokers
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}

	var tlsCfg *tls.Config
	if cfg.IsProduction() {
		var err error
		tlsCfg, err = tlsFiles{CAFile: util.GetEnv("KAFKA_CA_FILE", "")}.load()
		if err != nil {
			return nil, fmt.Errorf("kafka tls: %w", err)
		}
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		// one code email per request; do not hold messages back waiting for a batch
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Transport:    &kafka.Transport{TLS: tlsCfg, DialTimeout: 5 * time.Second},
	}

	util.Info("Kafka producer ready",
		zap.Strings("brokers", brokers),
		zap.Bool("tls", tlsCfg != nil))

	return &KafkaProducer{Writer: writer, brokers: brokers, tls: tlsCfg}, nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer == nil {
		return nil
	}
	if err := p.Writer.Close(); err != nil {
		util.Error("Kafka producer close failed", zap.Error(err))
		return err
	}
	return nil
}

// ProduceMessage writes one message synchronously and returns once the
// brokers acknowledged it.
func (p *KafkaProducer) ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	util.Debug("Produced kafka message",
		zap.String("topic", topic),
		zap.Int("bytes", len(value)))
	return nil
}

// HealthCheck succeeds when any configured broker answers a metadata request.
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true, TLS: p.tls}

	var errs []error
	for _, broker := range p.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", broker, err))
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("metadata from %s: %w", broker, err))
	}
	if len(errs) == 0 {
		return errors.New("no kafka brokers configured")
	}
	return errors.Join(errs...)
}
