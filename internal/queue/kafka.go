// internal/queue/kafka.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// NotificationRecorded is published after an IPN delivery has been persisted.
// CreditPending is set when the delivery was COMPLETED but the ledger credit
// could not be applied inline.
type NotificationRecorded struct {
	MerchantReference string    `json:"merchant_reference"`
	TrackingID        string    `json:"tracking_id"`
	Status            string    `json:"status"`
	CreditPending     bool      `json:"credit_pending"`
	ReceivedAt        time.Time `json:"received_at"`
}

// Bus publishes notification events keyed by merchant reference, so every
// event for one order lands on the same partition.
type Bus struct {
	Brokers []string
	Topic   string
	writer  *kafka.Writer
}

// publishBatchTimeout bounds how long a single event waits for a batch to
// fill. The webhook publishes one event per request and waits for it.
const publishBatchTimeout = 10 * time.Millisecond

func New(brokers []string, topic string) *Bus {
	return &Bus{
		Brokers: brokers,
		Topic:   topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: publishBatchTimeout,
		},
	}
}

func (b *Bus) PublishNotification(ctx context.Context, ev NotificationRecorded) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.MerchantReference),
		Value: payload,
		Time:  time.Now(),
	})
}

func (b *Bus) Close() error { return b.writer.Close() }

// Handler processes one event. A returned error is retried a bounded number of times.
type Handler func(ctx context.Context, ev NotificationRecorded) error

// Consumer reads notification events as part of a consumer group and commits
// each message after it has been handled.
type Consumer struct {
	reader   *kafka.Reader
	attempts int
	backoff  time.Duration
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		attempts: 3,
		backoff:  time.Second,
	}
}

// Run blocks until ctx is cancelled or the reader fails.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}

		var ev NotificationRecorded
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			slog.Warn("event_malformed", "offset", msg.Offset, "error", err.Error())
		} else {
			c.handle(ctx, handle, ev)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("commit: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handle Handler, ev NotificationRecorded) {
	for attempt := 1; ; attempt++ {
		err := handle(ctx, ev)
		if err == nil {
			return
		}
		if attempt >= c.attempts || ctx.Err() != nil {
			slog.Error("event_handling_gave_up",
				"merchant_ref", ev.MerchantReference,
				"tracking_id", ev.TrackingID,
				"attempts", attempt,
				"error", err.Error(),
			)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }
