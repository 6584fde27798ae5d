// Package events publishes executed trades to Kafka for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/papertrade/portfolio-engine/internal/metrics"
	"github.com/papertrade/portfolio-engine/internal/model"
)

// TradeExecutedType is the event type of a committed trade.
const TradeExecutedType = "trade_executed"

// TradeEvent is the JSON payload of one published trade.
type TradeEvent struct {
	Type        string            `json:"type"`
	OccurredAt  time.Time         `json:"occurredAt"`
	Transaction model.Transaction `json:"transaction"`
}

// MessageWriter is the subset of *kafka.Writer the Publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements trade.EventSink on top of a Kafka topic. Messages are
// keyed by user id so one user's trades stay ordered within a partition.
type Publisher struct {
	w MessageWriter
}

// NewPublisher creates an async, batching writer for topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.EventPublishFailures.WithLabelValues("kafka").Add(float64(len(msgs)))
				slog.Warn("trade events not delivered", "count", len(msgs), "topic", topic, "err", err)
			}
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Debug(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Warn(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
	}
	return NewPublisherWithWriter(w)
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w MessageWriter) *Publisher {
	return &Publisher{w: w}
}

func (p *Publisher) TradeExecuted(ctx context.Context, tx model.Transaction) error {
	value, err := json.Marshal(TradeEvent{
		Type:        TradeExecutedType,
		OccurredAt:  tx.CreatedAt,
		Transaction: tx,
	})
	if err != nil {
		return fmt.Errorf("encode trade event %s: %w", tx.ID, err)
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tx.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(TradeExecutedType)},
		},
	})
	if err != nil {
		metrics.EventPublishFailures.WithLabelValues("kafka").Inc()
		return fmt.Errorf("publish trade event %s: %w", tx.ID, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	return p.w.Close()
}
