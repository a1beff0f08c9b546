package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a record published to or consumed from the bus.
type Message struct {
	Topic     string
	Key       string // partition key
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes settlement messages.
type Producer interface {
	// Publish sends msg and waits for broker acknowledgement.
	Publish(ctx context.Context, msg Message) error
	// Flush waits for all buffered records to be delivered.
	Flush(ctx context.Context) error
	// Close flushes pending records and shuts the producer down.
	Close()
}

// PublishEvent encodes ev as JSON and publishes it on its topic, keyed by
// ev.Key() and tagged with the envelope headers.
func PublishEvent(ctx context.Context, p Producer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	env := ev.Envelope()
	return p.Publish(ctx, Message{
		Topic: ev.Topic(),
		Key:   ev.Key(),
		Value: data,
		Headers: map[string]string{
			"event_id":       env.EventID,
			"event_type":     ev.EventType(),
			"schema_version": env.SchemaVersion,
			"trace_id":       env.TraceID,
		},
		Timestamp: env.Timestamp,
	})
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	clientID           string
	maxBufferedRecords int
	linger             time.Duration
}

// WithClientID sets the client id and the producer header.
func WithClientID(id string) ProducerOption {
	return func(c *producerConfig) { c.clientID = id }
}

// WithMaxBufferedRecords sets the maximum number of records buffered before blocking.
func WithMaxBufferedRecords(n int) ProducerOption {
	return func(c *producerConfig) { c.maxBufferedRecords = n }
}

// WithLinger sets the time to wait for batching before sending.
func WithLinger(d time.Duration) ProducerOption {
	return func(c *producerConfig) { c.linger = d }
}

// KafkaProducer is a Producer backed by franz-go.
type KafkaProducer struct {
	client   *kgo.Client
	clientID string

	mu     sync.RWMutex
	closed bool
}

// NewProducer creates a franz-go producer. Settlement events are written
// with all-ISR acknowledgement and Snappy compression.
func NewProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	cfg := &producerConfig{
		clientID:           "volsettle",
		maxBufferedRecords: 10000,
		linger:             5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.linger),
		kgo.MaxBufferedRecords(cfg.maxBufferedRecords),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("client_id", cfg.clientID).
		Msg("kafka producer created")

	return &KafkaProducer{client: client, clientID: cfg.clientID}, nil
}

func (p *KafkaProducer) toRecord(msg Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+1)
	headers = append(headers, kgo.RecordHeader{Key: "producer", Value: []byte(p.clientID)})
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: ts,
	}
}

// Publish sends msg synchronously.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("producer is closed")
	}

	results := p.client.ProduceSync(ctx, p.toRecord(msg))
	if err := results.FirstErr(); err != nil {
		log.Error().Err(err).
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Msg("failed to publish message")
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}

	r := results[0].Record
	log.Debug().
		Str("topic", r.Topic).
		Int32("partition", r.Partition).
		Int64("offset", r.Offset).
		Msg("message published")
	return nil
}

// Flush waits for buffered records.
func (p *KafkaProducer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close flushes pending records and shuts down the client.
func (p *KafkaProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.client.Close()
	log.Info().Msg("kafka producer closed")
}

// --- Stub producer for development/testing ---

// StubProducer implements Producer by buffering messages in memory. It is
// used when no brokers are configured and in unit tests.
type StubProducer struct {
	mu       sync.Mutex
	messages []Message
	failWith error
}

// NewStubProducer creates an in-memory producer.
func NewStubProducer() *StubProducer {
	return &StubProducer{messages: make([]Message, 0, 64)}
}

// FailWith makes every later Publish return err. A nil err clears it.
func (p *StubProducer) FailWith(err error) {
	p.mu.Lock()
	p.failWith = err
	p.mu.Unlock()
}

func (p *StubProducer) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.messages = append(p.messages, msg)
	log.Debug().Str("topic", msg.Topic).Int("bytes", len(msg.Value)).Msg("stub: publish")
	return nil
}

// Messages returns a copy of everything published so far.
func (p *StubProducer) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topic returns the messages published to topic, in order.
func (p *StubProducer) Topic(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (p *StubProducer) Flush(context.Context) error { return nil }

func (p *StubProducer) Close() {}
