package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"kyc-service/internal/client"
	"kyc-service/internal/models"
)

// MessageWriter is satisfied by *client.KafkaProducer and *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes each event as JSON keyed by its session reference, so
// all events of one session stay ordered on one partition.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []models.VerificationEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", ev.EventID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.SessionRef),
			Value: value,
			Time:  ev.EventTime,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(ev.EventType)},
				{Key: "document_type", Value: []byte(ev.DocumentType)},
			},
		})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

// BulkIndexer is satisfied by *client.ESClient.
type BulkIndexer interface {
	BulkIndex(ctx context.Context, index string, docs []client.BulkDocument) error
}

// ElasticsearchSink indexes events by event ID, so a retried batch overwrites
// rather than duplicates.
type ElasticsearchSink struct {
	indexer BulkIndexer
	index   string
}

func NewElasticsearchSink(indexer BulkIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []models.VerificationEvent) error {
	docs := make([]client.BulkDocument, 0, len(events))
	for _, ev := range events {
		docs = append(docs, client.BulkDocument{ID: ev.EventID, Body: ev})
	}
	return s.indexer.BulkIndex(ctx, s.index, docs)
}

// BatchInserter is satisfied by *client.ClickHouseClient.
type BatchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

type ClickHouseSink struct {
	db    BatchInserter
	table string
}

func NewClickHouseSink(db BatchInserter, table string) *ClickHouseSink {
	return &ClickHouseSink{db: db, table: table}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// EnsureTable creates the events table when missing.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    event_id UUID,
    event_time DateTime64(3, 'UTC'),
    event_date Date,
    event_type LowCardinality(String),
    session_ref String,
    document_type LowCardinality(String),
    masked_identifier String,
    masked_phone String,
    success Bool,
    attempts UInt16,
    details String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_date, event_type, event_time)
TTL event_date + INTERVAL 90 DAY`, s.table)
	return s.db.Exec(ctx, ddl)
}

func (s *ClickHouseSink) Write(ctx context.Context, events []models.VerificationEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []interface{}{
			ev.EventID,
			ev.EventTime,
			ev.EventTime,
			string(ev.EventType),
			ev.SessionRef,
			string(ev.DocumentType),
			ev.MaskedIdentifier,
			ev.MaskedPhone,
			ev.Success,
			uint16(ev.Attempts),
			ev.Details,
		})
	}
	query := fmt.Sprintf(`INSERT INTO %s (event_id, event_time, event_date, event_type, session_ref,
    document_type, masked_identifier, masked_phone, success, attempts, details)`, s.table)
	return s.db.BatchInsert(ctx, query, rows)
}

// EventSaver is satisfied by *scylla.EventRepository.
type EventSaver interface {
	SaveEvents(ctx context.Context, events []models.VerificationEvent) error
}

type ScyllaSink struct {
	repo EventSaver
}

func NewScyllaSink(repo EventSaver) *ScyllaSink {
	return &ScyllaSink{repo: repo}
}

func (s *ScyllaSink) Name() string { return "scylla" }

func (s *ScyllaSink) Write(ctx context.Context, events []models.VerificationEvent) error {
	return s.repo.SaveEvents(ctx, events)
}

// LogSink writes events through the structured logger. It is the fallback
// when no external sink is reachable.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(ctx context.Context, events []models.VerificationEvent) error {
	for _, ev := range events {
		logEvent(ev)
	}
	return nil
}
