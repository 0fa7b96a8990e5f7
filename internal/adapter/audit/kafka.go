// Package audit publishes saga audit records to a Kafka topic. Publishing is
// advisory: delivery failures are logged and counted, never surfaced into
// saga control flow.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// DefaultTopic is used when configuration leaves the topic empty.
const DefaultTopic = "uds3-saga-audit"

// Publisher wraps a Kafka producer and implements domain.AuditPublisher.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the brokers and ensures the audit topic exists.
func NewPublisher(ctx context.Context, brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=audit.new: no seed brokers provided")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	slog.Info("creating audit publisher", slog.Any("brokers", brokers), slog.String("topic", topic))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=audit.new: kafka client: %w", err)
	}
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		// Topic creation may be disabled broker-side; publishing will still
		// work when auto-create is on.
		slog.Warn("failed to ensure audit topic", slog.String("topic", topic), slog.Any("error", err))
	}
	return &Publisher{client: client, topic: topic}, nil
}

// Publish sends one audit record keyed by saga ID so per-saga ordering holds.
func (p *Publisher) Publish(ctx context.Context, rec domain.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=audit.publish: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(rec.SagaID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(rec.Kind)},
			{Key: "saga_id", Value: []byte(rec.SagaID)},
		},
	}
	res := p.client.ProduceSync(ctx, record)
	if err := res.FirstErr(); err != nil {
		return fmt.Errorf("op=audit.publish topic=%s: %w", p.topic, err)
	}
	return nil
}

// Close flushes outstanding records and closes the client.
func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// ensureTopic creates the topic via the admin API, treating "already exists"
// as success.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, t := range createResp.Topics {
		if t.ErrorCode != 0 {
			// 36 = TOPIC_ALREADY_EXISTS
			if t.ErrorCode == 36 {
				return nil
			}
			msg := ""
			if t.ErrorMessage != nil {
				msg = *t.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", msg, t.ErrorCode)
		}
	}
	return nil
}
