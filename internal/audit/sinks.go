package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"identity-service/internal/models"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, events []models.SecurityEvent) error {
	for _, ev := range events {
		s.logger.Info("Security event",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", ev.EventType),
			zap.String("flow", ev.Flow),
			zap.String("identity", ev.Identity),
			zap.String("user_id", ev.UserID),
			zap.String("ip", ev.IPAddress),
			zap.String("request_id", ev.RequestID),
			zap.Int("bucket", ev.EventBucket),
			zap.String("details", ev.Details))
	}
	return nil
}

// ClickHouseWriter is satisfied by *client.ClickHouseClient.
type ClickHouseWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

const securityEventsDDL = `
CREATE TABLE IF NOT EXISTS security_events (
    event_id     String,
    event_bucket UInt16,
    event_date   Date,
    event_time   DateTime64(3, 'UTC'),
    event_type   LowCardinality(String),
    flow         LowCardinality(String),
    identity     String,
    user_id      String,
    ip_address   String,
    request_id   String,
    details      String
) ENGINE = MergeTree
PARTITION BY event_date
ORDER BY (event_bucket, event_time)`

const insertSecurityEvents = `INSERT INTO security_events (event_id, event_bucket, event_date, event_time, event_type, flow, identity, user_id, ip_address, request_id, details)`

type ClickHouseSink struct {
	db ClickHouseWriter
}

func NewClickHouseSink(db ClickHouseWriter) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

// EnsureSchema creates the events table when missing.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.db.Exec(ctx, securityEventsDDL); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []interface{}{
			ev.EventID,
			uint16(ev.EventBucket),
			ev.EventTime.UTC(),
			ev.EventTime.UTC(),
			ev.EventType,
			ev.Flow,
			ev.Identity,
			ev.UserID,
			ev.IPAddress,
			ev.RequestID,
			ev.Details,
		})
	}
	if err := s.db.BatchInsert(ctx, insertSecurityEvents, rows); err != nil {
		return fmt.Errorf("clickhouse insert failed: %w", err)
	}
	return nil
}

// DocumentIndexer is satisfied by *client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes events into one index per day, "<prefix>-YYYY-MM-DD".
type ElasticsearchSink struct {
	es     DocumentIndexer
	prefix string
}

func NewElasticsearchSink(es DocumentIndexer, prefix string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, prefix: prefix}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	for _, ev := range events {
		index := s.prefix + "-" + ev.EventDate
		if err := s.es.IndexDocument(ctx, index, ev.EventID, ev); err != nil {
			return fmt.Errorf("failed to index event %s: %w", ev.EventID, err)
		}
	}
	return nil
}
