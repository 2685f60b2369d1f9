package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding names a wire encoding for published events.
type Encoding string

// Supported encodings.
const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// ContentType returns the MIME type carried in the message header.
func (e Encoding) ContentType() string {
	if e == EncodingMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}

// Encode serializes an event.
func (e Encoding) Encode(ev Event) ([]byte, error) {
	switch e {
	case EncodingMsgpack:
		return msgpack.Marshal(ev)
	case EncodingJSON, "":
		return json.Marshal(ev)
	default:
		return nil, fmt.Errorf("unknown event encoding %q", e)
	}
}

// Decode parses an event encoded with e.
func (e Encoding) Decode(data []byte) (Event, error) {
	var ev Event
	var err error
	switch e {
	case EncodingMsgpack:
		err = msgpack.Unmarshal(data, &ev)
	case EncodingJSON, "":
		err = json.Unmarshal(data, &ev)
	default:
		err = fmt.Errorf("unknown event encoding %q", e)
	}
	return ev, err
}

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Encoding     Encoding
	WriteTimeout time.Duration
	// Source is stamped into the message headers.
	Source string
}

// messageWriter is the part of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes events to a Kafka topic keyed by object key, so all
// events of one upload land on the same partition in order.
type KafkaPublisher struct {
	writer   messageWriter
	encoding Encoding
	timeout  time.Duration
	source   string
	logger   *slog.Logger
}

// NewKafkaPublisher creates a synchronous publisher.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	// Async keeps the part loop from waiting on the broker. Messages with the
	// same key share a partition queue, so per-upload order is kept.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           cfg.WriteTimeout,
		BatchTimeout:           batchTimeout,
		Async:                  true,
		AllowAutoTopicCreation: true,
	}
	p := newKafkaPublisher(writer, cfg, logger)
	writer.Completion = p.deliveryFailed
	return p, nil
}

// batchTimeout bounds how long an event waits for others to share its batch.
const batchTimeout = 10 * time.Millisecond

// deliveryFailed logs batches the async writer could not deliver.
func (p *KafkaPublisher) deliveryFailed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range msgs {
		var event string
		for _, h := range m.Headers {
			if h.Key == "event" {
				event = string(h.Value)
			}
		}
		p.logger.Warn("failed to deliver upload event",
			slog.String("event", event),
			slog.String("key", string(m.Key)),
			slog.String("error", err.Error()),
		)
	}
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.Source == "" {
		cfg.Source = "loopcam"
	}
	return &KafkaPublisher{
		writer:   w,
		encoding: cfg.Encoding,
		timeout:  cfg.WriteTimeout,
		source:   cfg.Source,
		logger:   logger,
	}
}

// Publish writes one event. With the writer built by NewKafkaPublisher the
// message is only queued; delivery failures are logged when the batch is
// flushed.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	value, err := p.encoding.Encode(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Key),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Type)},
			{Key: "source", Value: []byte(p.source)},
			{Key: "content-type", Value: []byte(p.encoding.ContentType())},
		},
	}

	// Delivery is attempted even if the upload's context was cancelled.
	writeCtx := context.WithoutCancel(ctx)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(writeCtx, p.timeout)
		defer cancel()
	}

	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("writing to kafka: %w", err)
	}
	return nil
}

// Observe implements Observer. Failures are logged and dropped.
func (p *KafkaPublisher) Observe(ctx context.Context, ev Event) {
	if err := p.Publish(ctx, ev); err != nil {
		p.logger.WarnContext(ctx, "failed to publish upload event",
			slog.String("event", string(ev.Type)),
			slog.String("key", ev.Key),
			slog.String("error", err.Error()),
		)
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
