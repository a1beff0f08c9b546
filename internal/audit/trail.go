package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/volsettle/internal/bus"
	"github.com/nexus-trading/volsettle/internal/risk"
)

// Entry event types besides the settlement event names.
const (
	EventRiskCheck = "risk_check"
	EventRejected  = "rejected"
)

// Entry is a single audit trail record. Every settlement decision, accepted
// or not, is recorded as an Entry.
type Entry struct {
	TraceID    string    `json:"trace_id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"ts"`
	Instrument string    `json:"instrument,omitempty"`
	Account    string    `json:"account,omitempty"`
	Decision   string    `json:"decision,omitempty"` // allow|deny for risk checks, error kind for rejections
	Payload    string    `json:"payload"`
}

// Trail keeps a bounded in-memory buffer of entries and publishes every
// entry to the audit topic.
type Trail struct {
	mu       sync.Mutex
	producer bus.Producer
	entries  []Entry
	maxBuf   int
}

// NewTrail creates an audit trail. Once maxBuf entries are buffered the
// oldest is discarded; 0 disables buffering.
func NewTrail(producer bus.Producer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		producer: producer,
		entries:  make([]Entry, 0, maxBuf),
		maxBuf:   maxBuf,
	}
}

// RecordEvent logs an accepted settlement event.
func (t *Trail) RecordEvent(ctx context.Context, ev bus.Event) {
	env := ev.Envelope()
	sum := ev.Summary()
	t.record(ctx, Entry{
		TraceID:    env.TraceID,
		EventType:  ev.EventType(),
		Timestamp:  env.Timestamp,
		Instrument: sum.Instrument,
		Account:    sum.Account,
		Payload:    mustMarshal(ev),
	})
}

// RecordRiskCheck logs a risk decision for intent.
func (t *Trail) RecordRiskCheck(ctx context.Context, traceID string, intent risk.Intent, d risk.Decision) {
	decision := "deny"
	if d.Allowed {
		decision = "allow"
	}
	t.record(ctx, Entry{
		TraceID:    traceID,
		EventType:  EventRiskCheck,
		Timestamp:  time.UnixMicro(d.Timestamp),
		Instrument: intent.Instrument,
		Account:    intent.Account,
		Decision:   decision,
		Payload:    mustMarshal(struct {
			Intent   risk.Intent   `json:"intent"`
			Decision risk.Decision `json:"decision"`
		}{intent, d}),
	})
}

// RecordRejection logs an operation a market refused. kind is the error
// kind, e.g. "insufficient balance".
func (t *Trail) RecordRejection(ctx context.Context, traceID, op, instrument, account, kind string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	t.record(ctx, Entry{
		TraceID:    traceID,
		EventType:  EventRejected,
		Timestamp:  time.Now(),
		Instrument: instrument,
		Account:    account,
		Decision:   kind,
		Payload:    mustMarshal(map[string]string{"op": op, "error": msg}),
	})
}

// Query returns the buffered entries with the given trace ID.
func (t *Trail) Query(traceID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.TraceID == traceID {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of the buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of buffered entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Trail) record(ctx context.Context, entry Entry) {
	t.mu.Lock()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}
	t.mu.Unlock()

	if t.producer == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal audit entry")
		return
	}
	key := entry.EventType
	if entry.TraceID != "" {
		key = entry.TraceID
	}
	err = t.producer.Publish(ctx, bus.Message{
		Topic: bus.Topics.AuditEventStore(),
		Key:   key,
		Value: data,
	})
	if err != nil {
		log.Error().Err(err).
			Str("event_type", entry.EventType).
			Str("trace_id", entry.TraceID).
			Msg("failed to publish audit entry")
	}
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal audit payload")
		return "{}"
	}
	return string(data)
}
