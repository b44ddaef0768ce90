package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"verify-service/internal/bucketing"
	"verify-service/internal/client"
	"verify-service/internal/config"
	"verify-service/internal/util"
)

// Kind is the category of audit event.
type Kind string

const (
	KindInitiated       Kind = "verification.initiated"
	KindVerified        Kind = "verification.verified"
	KindRejected        Kind = "verification.rejected"
	KindFailed          Kind = "verification.failed"
	KindExpired         Kind = "verification.expired"
	KindCancelled       Kind = "verification.cancelled"
	KindDeliveryUpdate  Kind = "delivery.updated"
	KindWebhookRejected Kind = "webhook.rejected"
	KindRateLimited     Kind = "abuse.rate_limited"
)

// Security reports whether the kind should be indexed for investigation.
func (k Kind) Security() bool {
	return k == KindWebhookRejected || k == KindRateLimited
}

// Event is one audit record. Phone numbers never appear raw; only the
// hash is carried.
type Event struct {
	EventID        string    `json:"event_id"`
	Kind           Kind      `json:"kind"`
	VerificationID string    `json:"verification_id,omitempty"`
	PhoneHash      string    `json:"phone_hash,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	SourceIP       string    `json:"source_ip,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewEvent stamps id and time; callers fill the rest.
func NewEvent(kind Kind) Event {
	return Event{
		EventID:    uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink records audit events. Implementations must tolerate being called
// from request paths: failures are logged by the composite, never
// propagated into the verification flow.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LoggerSink writes events to the structured log. Always present, and
// the only sink when no backends are configured.
type LoggerSink struct{}

func (LoggerSink) Record(_ context.Context, event Event) error {
	util.Info("audit event",
		zap.String("event_id", event.EventID),
		zap.String("kind", string(event.Kind)),
		zap.String("verification_id", event.VerificationID),
		zap.String("reason", event.Reason),
		zap.Time("occurred_at", event.OccurredAt))
	return nil
}

// KafkaSink publishes events to the audit topic keyed by verification id.
type KafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, cfg *config.Config) *KafkaSink {
	return &KafkaSink{producer: producer, topic: cfg.Kafka.AuditTopic}
}

func (s *KafkaSink) Record(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	key := event.VerificationID
	if key == "" {
		key = event.EventID
	}

	return s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{
		"kind": string(event.Kind),
	})
}

// ClickHouseSink archives every event into the audit table.
type ClickHouseSink struct {
	ch      *client.ClickHouseClient
	buckets *bucketing.Manager
	table   string
}

func NewClickHouseSink(ch *client.ClickHouseClient, buckets *bucketing.Manager, cfg *config.Config) *ClickHouseSink {
	return &ClickHouseSink{ch: ch, buckets: buckets, table: cfg.Clickhouse.AuditTable}
}

func (s *ClickHouseSink) Record(ctx context.Context, event Event) error {
	query := fmt.Sprintf(`INSERT INTO %s
        (event_id, kind, verification_id, phone_hash, channel, reason, detail, source_ip, occurred_at, date_bucket, time_bucket)`,
		s.table)

	row := []interface{}{
		event.EventID,
		string(event.Kind),
		event.VerificationID,
		event.PhoneHash,
		event.Channel,
		event.Reason,
		event.Detail,
		event.SourceIP,
		event.OccurredAt,
		s.buckets.DateBucket(),
		s.buckets.TimeBucket(5 * time.Minute),
	}

	return s.ch.BatchInsert(ctx, query, [][]interface{}{row})
}

// ESSink indexes security events (webhook rejections, throttles) so they
// are searchable without scanning the archive. Non-security events skip it.
type ESSink struct {
	es    *client.ESClient
	index string
}

func NewESSink(es *client.ESClient, cfg *config.Config) *ESSink {
	return &ESSink{es: es, index: cfg.Elasticsearch.SecurityIndex}
}

func (s *ESSink) Record(ctx context.Context, event Event) error {
	if !event.Kind.Security() {
		return nil
	}

	res, err := s.es.IndexDocument(ctx, s.index, event.EventID, event)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to index security event: %s", res.String())
	}
	return nil
}

// Composite fans an event out to all configured sinks concurrently.
// A failing backend is logged and skipped; auditing is best effort and
// never blocks or fails a verification operation.
type Composite struct {
	sinks []Sink
}

func NewComposite(sinks ...Sink) *Composite {
	if len(sinks) == 0 {
		sinks = []Sink{LoggerSink{}}
	}
	return &Composite{sinks: sinks}
}

func (c *Composite) Record(ctx context.Context, event Event) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, sink := range c.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Record(ctx, event); err != nil {
				util.Warn("audit sink write failed",
					zap.String("event_id", event.EventID),
					zap.String("kind", string(event.Kind)),
					zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}
