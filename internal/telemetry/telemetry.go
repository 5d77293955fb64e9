// Package telemetry exports sync events to an opt-in sink.
//
// Nothing leaves the process unless telemetry is explicitly enabled in the
// configuration; the default sink discards every event.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kimhsiao/marketsync/internal/config"
	"github.com/kimhsiao/marketsync/internal/logging"
)

// EventName identifies a discrete sync event.
type EventName string

const (
	EventSyncStart        EventName = "sync_start"
	EventSyncComplete     EventName = "sync_complete"
	EventSyncError        EventName = "sync_error"
	EventBatchStart       EventName = "batch_start"
	EventBatchComplete    EventName = "batch_complete"
	EventConflictDetected EventName = "conflict_detected"
)

// Event is one telemetry observation.
type Event struct {
	Name       EventName      `json:"name"`
	At         time.Time      `json:"at"`
	EntryID    string         `json:"entryId,omitempty"`
	EntryType  string         `json:"entryType,omitempty"`
	BatchID    string         `json:"batchId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Sink receives events. Implementations must not block for long; callers
// ignore returned errors beyond logging them.
type Sink interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }
func (NopSink) Close() error                      { return nil }

// LogSink writes events to the structured log at DEBUG.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, e Event) error {
	ctx := map[string]interface{}{
		"event": string(e.Name),
	}
	if e.EntryID != "" {
		ctx["entry_id"] = e.EntryID
	}
	if e.EntryType != "" {
		ctx["entry_type"] = e.EntryType
	}
	if e.BatchID != "" {
		ctx["batch_id"] = e.BatchID
	}
	for k, v := range e.Attributes {
		ctx[k] = v
	}
	logging.Debug("Telemetry event", ctx)
	return nil
}

func (LogSink) Close() error { return nil }

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON messages keyed by event name.
type KafkaSink struct {
	w      messageWriter
	topic  string
	mu     sync.Mutex
	closed bool
}

// NewKafkaSink creates an asynchronous producer for topic.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 500 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logging.Warn("Telemetry export failed", map[string]interface{}{
					"topic":    topic,
					"messages": len(msgs),
					"error":    err.Error(),
				})
			}
		},
	}
	logging.Info("Kafka telemetry sink initialized", map[string]interface{}{
		"brokers": strings.Join(brokers, ","),
		"topic":   topic,
	})
	return newKafkaSink(w, topic), nil
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{w: w, topic: topic}
}

// Emit queues e for export.
func (s *KafkaSink) Emit(ctx context.Context, e Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("telemetry sink closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Name),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.Name)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write telemetry event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the producer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.w.Close()
}

// New builds the sink selected by cfg. Disabled telemetry always yields a
// NopSink.
func New(cfg config.TelemetryConfig) (Sink, error) {
	if !cfg.Enabled {
		return NopSink{}, nil
	}
	switch cfg.Sink {
	case "", "none":
		return NopSink{}, nil
	case "log":
		return LogSink{}, nil
	case "kafka":
		return NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	return nil, fmt.Errorf("unknown telemetry sink %q", cfg.Sink)
}
