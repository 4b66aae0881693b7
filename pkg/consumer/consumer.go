// Package consumer implements the shared idempotent consumer loop: envelope
// decoding, redis pre-filtering, bounded handler retries, and dead-letter
// routing. The authoritative dedup lives in the handler's own transaction
// (processed_events insert); a handler returning idempotency.ErrDuplicate is
// treated as a successful no-op.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"stockflow/pkg/events"
	"stockflow/pkg/idempotency"
	"stockflow/pkg/metrics"
	"stockflow/pkg/tracing"
)

// HandlerFunc processes one decoded event. It must be safe to re-invoke
// with identical input up to the point of commit.
type HandlerFunc func(ctx context.Context, env events.Envelope, traceparent string) error

// Prefilter is the best-effort redis dedup. Seen must be a pure read;
// Mark is called only once a delivery reached an acknowledged outcome, so a
// set key never hides an event the ledger has not seen.
type Prefilter interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dead-letter headers carrying the failure metadata for manual inspection.
const (
	HeaderOriginalTopic     = "dlt_original_topic"
	HeaderOriginalPartition = "dlt_original_partition"
	HeaderOriginalOffset    = "dlt_original_offset"
	HeaderError             = "dlt_error"
)

const defaultMaxAttempts = 3

type Config struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
	MaxAttempts     int
}

type Consumer struct {
	log         *slog.Logger
	reader      Reader
	dlt         Producer
	dltTopic    string
	prefilter   Prefilter
	handle      HandlerFunc
	tracer      trace.Tracer
	maxAttempts int
}

func New(log *slog.Logger, cfg Config, prefilter Prefilter, dlt Producer, handle HandlerFunc) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return &Consumer{
		log:         log,
		reader:      r,
		dlt:         dlt,
		dltTopic:    cfg.DeadLetterTopic,
		prefilter:   prefilter,
		handle:      handle,
		tracer:      otel.Tracer(cfg.GroupID),
		maxAttempts: cfg.MaxAttempts,
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.process(ctx, msg); err != nil {
			// Stop on this message: committing any later offset on the
			// partition would implicitly acknowledge it. Supervision
			// restarts the reader at the uncommitted offset.
			c.log.Error("message not acknowledged", "topic", msg.Topic, "offset", msg.Offset, "err", err)
			return fmt.Errorf("process %s offset %d: %w", msg.Topic, msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit failed", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		}
	}
}

// process handles one message through to an acknowledgeable outcome:
// handled, recognized duplicate, or dead-lettered. Its error means the
// message must not be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var env events.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		c.log.Error("undecodable message", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		return c.deadLetter(ctx, msg, fmt.Errorf("decode envelope: %w", err))
	}
	if env.EventID == "" {
		return c.deadLetter(ctx, msg, errors.New("envelope missing eventId"))
	}

	if c.prefilter != nil {
		seen, err := c.prefilter.Seen(ctx, env.EventID)
		if err != nil {
			// Redis is only an optimization; fall through to the ledger.
			c.log.Warn("prefilter unavailable", "err", err)
		} else if seen {
			metrics.ConsumerDuplicates.WithLabelValues(env.EventType).Inc()
			c.log.Info("duplicate event skipped", "event_id", env.EventID, "type", env.EventType)
			return nil
		}
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "Consume"+env.EventType)
	defer span.End()
	traceparent := headerValue(msg.Headers, tracing.TraceparentHeader)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.handle(msgCtx, env, traceparent)
		if err == nil {
			metrics.ConsumerProcessed.WithLabelValues(env.EventType).Inc()
			c.markSeen(ctx, env.EventID)
			return nil
		}
		if errors.Is(err, idempotency.ErrDuplicate) {
			metrics.ConsumerDuplicates.WithLabelValues(env.EventType).Inc()
			c.log.Info("duplicate event skipped", "event_id", env.EventID, "type", env.EventType)
			c.markSeen(ctx, env.EventID)
			return nil
		}
		lastErr = err
		c.log.Warn("handler failed", "event_id", env.EventID, "type", env.EventType, "attempt", attempt, "err", err)
		if attempt < c.maxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := c.deadLetter(ctx, msg, lastErr); err != nil {
		return err
	}
	c.markSeen(ctx, env.EventID)
	return nil
}

// markSeen records an acknowledged outcome in the pre-filter. Best effort:
// the ledger still catches whatever redis misses.
func (c *Consumer) markSeen(ctx context.Context, eventID string) {
	if c.prefilter == nil || eventID == "" {
		return
	}
	if err := c.prefilter.Mark(ctx, eventID); err != nil {
		c.log.Warn("prefilter mark failed", "event_id", eventID, "err", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if c.dlt == nil || c.dltTopic == "" {
		return fmt.Errorf("no dead-letter topic configured: %w", cause)
	}
	dead := kafka.Message{
		Topic: c.dltTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
			kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		),
	}
	if err := c.dlt.WriteMessages(ctx, dead); err != nil {
		return fmt.Errorf("dead-letter write: %w", err)
	}
	metrics.ConsumerDeadLettered.WithLabelValues(msg.Topic).Inc()
	c.log.Error("message dead-lettered", "topic", msg.Topic, "offset", msg.Offset, "err", cause)
	return nil
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
