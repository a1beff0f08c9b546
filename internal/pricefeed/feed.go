// Package pricefeed turns external price streams into oracle ticks.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/nexus-trading/volsettle/internal/bus"
	"github.com/nexus-trading/volsettle/internal/oracle"
)

// Sink receives accepted ticks.
type Sink interface {
	HandleTick(ctx context.Context, t oracle.Tick) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, t oracle.Tick) error

func (f SinkFunc) HandleTick(ctx context.Context, t oracle.Tick) error { return f(ctx, t) }

// Stats counts feed activity.
type Stats struct {
	Received  uint64
	Throttled uint64
	Rejected  uint64
	Accepted  uint64
}

// dispatcher decodes price messages, filters by symbol, throttles and
// forwards to the sink. It is shared by the websocket and Kafka sources.
type dispatcher struct {
	symbol  string
	sink    Sink
	limiter *rate.Limiter

	received  atomic.Uint64
	throttled atomic.Uint64
	rejected  atomic.Uint64
	accepted  atomic.Uint64

	mu   sync.RWMutex
	last time.Time
}

func newDispatcher(symbol string, sink Sink, perSec float64, burst int) *dispatcher {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	if burst <= 0 {
		burst = 1
	}
	return &dispatcher{
		symbol:  symbol,
		sink:    sink,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// DecodeTick parses a {"symbol","price","ts"} message. ts is unix ms.
func DecodeTick(raw []byte) (bus.PriceTick, oracle.Tick, error) {
	var pt bus.PriceTick
	if err := json.Unmarshal(raw, &pt); err != nil {
		return bus.PriceTick{}, oracle.Tick{}, fmt.Errorf("decode price tick: %w", err)
	}
	if pt.Symbol == "" || pt.TS <= 0 {
		return bus.PriceTick{}, oracle.Tick{}, fmt.Errorf("price tick missing symbol or ts")
	}
	return pt, oracle.Tick{
		Price:       pt.Price.InexactFloat64(),
		PublishedAt: time.UnixMilli(pt.TS),
	}, nil
}

func (d *dispatcher) dispatch(ctx context.Context, raw []byte) {
	pt, tick, err := DecodeTick(raw)
	if err != nil {
		log.Debug().Err(err).Msg("pricefeed: skip message")
		return
	}
	if d.symbol != "" && !strings.EqualFold(pt.Symbol, d.symbol) {
		return
	}
	d.received.Add(1)
	if !d.limiter.Allow() {
		d.throttled.Add(1)
		return
	}
	if err := d.sink.HandleTick(ctx, tick); err != nil {
		d.rejected.Add(1)
		log.Warn().Err(err).Str("symbol", pt.Symbol).Float64("price", tick.Price).Msg("pricefeed: tick rejected")
		return
	}
	d.accepted.Add(1)
	d.mu.Lock()
	d.last = time.Now()
	d.mu.Unlock()
}

// LastAccepted returns when the sink last accepted a tick.
func (d *dispatcher) LastAccepted() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

func (d *dispatcher) Stats() Stats {
	return Stats{
		Received:  d.received.Load(),
		Throttled: d.throttled.Load(),
		Rejected:  d.rejected.Load(),
		Accepted:  d.accepted.Load(),
	}
}

// KafkaSource feeds ticks consumed from md.prices.<symbol>.
type KafkaSource struct {
	*dispatcher
	consumer bus.Consumer
}

// NewKafkaSource wraps consumer, which must already be subscribed to the
// symbol's price topic.
func NewKafkaSource(consumer bus.Consumer, symbol string, sink Sink, perSec float64, burst int) *KafkaSource {
	return &KafkaSource{
		dispatcher: newDispatcher(symbol, sink, perSec, burst),
		consumer:   consumer,
	}
}

// Run consumes until ctx is cancelled.
func (k *KafkaSource) Run(ctx context.Context) error {
	err := k.consumer.Consume(ctx, func(ctx context.Context, msg bus.Message) error {
		k.dispatch(ctx, msg.Value)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
