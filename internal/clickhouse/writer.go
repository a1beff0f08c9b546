package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/volsettle/internal/bus"
)

// Analytics tables.
const (
	TableSettlementEvents = "settlement_events"
	TableVolObservations  = "vol_observations"
)

// FlushFunc writes rows to a fully qualified table. It replaces the
// ClickHouse batch path in tests.
type FlushFunc func(ctx context.Context, table string, rows [][]any) error

// BatchWriter buffers settlement events and volatility observations and
// flushes them to ClickHouse on size or interval.
type BatchWriter struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration
	hook          FlushFunc

	mu         sync.Mutex
	events     [][]any
	vols       [][]any
	closed     bool
	flushCount int64
	errorCount int64
}

// NewBatchWriter creates a writer. database prefixes table names when set.
func NewBatchWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &BatchWriter{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		events:        make([][]any, 0, batchSize),
		vols:          make([][]any, 0, batchSize),
	}
}

// SetFlushHook routes flushed rows to fn instead of ClickHouse.
func (w *BatchWriter) SetFlushHook(fn FlushFunc) {
	w.mu.Lock()
	w.hook = fn
	w.mu.Unlock()
}

// WriteEvent buffers a settlement event row.
func (w *BatchWriter) WriteEvent(ctx context.Context, ev bus.Event) error {
	env := ev.Envelope()
	s := ev.Summary()
	return w.append(ctx, &w.events, []any{
		env.EventID, ev.EventType(), env.TraceID, env.Timestamp,
		s.Instrument, s.Account, s.Amount, s.Fee, s.Payout, s.Volatility,
	})
}

// WriteVolatility buffers an oracle observation row.
func (w *BatchWriter) WriteVolatility(ctx context.Context, ev bus.VolatilityUpdated) error {
	return w.append(ctx, &w.vols, []any{
		ev.Timestamp, ev.LastPrice, ev.Count, ev.AnnualizedVolatility.InexactFloat64(),
	})
}

func (w *BatchWriter) append(ctx context.Context, buf *[][]any, row []any) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("writer is closed")
	}
	*buf = append(*buf, row)
	full := len(*buf) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Run flushes every interval until ctx is cancelled, then flushes once more.
func (w *BatchWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	log.Info().
		Int("batch_size", w.batchSize).
		Dur("flush_interval", w.flushInterval).
		Msg("clickhouse batch writer started")

	for {
		select {
		case <-ctx.Done():
			if err := w.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("final flush error on shutdown")
			}
			return nil
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("periodic flush error")
			}
		}
	}
}

// Flush writes everything buffered. Errors from both tables are combined.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	events, vols := w.events, w.vols
	w.events = make([][]any, 0, w.batchSize)
	w.vols = make([][]any, 0, w.batchSize)
	hook := w.hook
	w.mu.Unlock()

	if len(events) == 0 && len(vols) == 0 {
		return nil
	}

	var result *multierror.Error
	for _, part := range []struct {
		table string
		rows  [][]any
	}{
		{TableSettlementEvents, events},
		{TableVolObservations, vols},
	} {
		if len(part.rows) == 0 {
			continue
		}
		table := qualify(w.database, part.table)
		var err error
		if hook != nil {
			err = hook(ctx, table, part.rows)
		} else {
			err = w.send(ctx, table, part.rows)
		}
		if err != nil {
			log.Error().Err(err).Str("table", table).Int("count", len(part.rows)).Msg("flush failed")
			result = multierror.Append(result, fmt.Errorf("%s: %w", table, err))
		}
	}

	w.mu.Lock()
	w.flushCount++
	if result != nil {
		w.errorCount += int64(len(result.Errors))
	}
	w.mu.Unlock()

	log.Debug().Int("events", len(events)).Int("vols", len(vols)).Msg("clickhouse batch flushed")
	return result.ErrorOrNil()
}

func (w *BatchWriter) send(ctx context.Context, table string, rows [][]any) error {
	if w.client == nil {
		return fmt.Errorf("no clickhouse client")
	}
	batch, err := w.client.Conn().PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return batch.Send()
}

// Close marks the writer closed; buffered rows are left for a final Flush.
func (w *BatchWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	log.Info().
		Int64("total_flushes", w.flushCount).
		Int64("errors", w.errorCount).
		Msg("clickhouse batch writer closed")
	return nil
}

// Stats returns writer statistics.
func (w *BatchWriter) Stats() (flushCount, errorCount int64, pendingEvents, pendingVols int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushCount, w.errorCount, len(w.events), len(w.vols)
}

func qualify(database, table string) string {
	if database == "" {
		return table
	}
	return database + "." + table
}
