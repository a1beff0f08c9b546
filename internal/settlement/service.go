// Package settlement hosts every market behind one serialized entry point.
// Each accepted operation is persisted, published on the bus, audited and
// mirrored to the analytics sink; rejected operations are audited only.
package settlement

import (
	"context"
	"encoding"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/volsettle/internal/audit"
	"github.com/nexus-trading/volsettle/internal/bus"
	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/futures"
	"github.com/nexus-trading/volsettle/internal/observability"
	"github.com/nexus-trading/volsettle/internal/oracle"
	"github.com/nexus-trading/volsettle/internal/perps"
	"github.com/nexus-trading/volsettle/internal/risk"
	"github.com/nexus-trading/volsettle/internal/store"
	"github.com/nexus-trading/volsettle/internal/variance"
)

// Store persists records. store.SQLiteStore implements it.
type Store interface {
	PutBatch(ctx context.Context, recs []store.Record) error
	List(ctx context.Context, kind string) ([]store.Record, error)
}

// AnalyticsSink mirrors events to the analytics database.
// clickhouse.BatchWriter implements it.
type AnalyticsSink interface {
	WriteEvent(ctx context.Context, ev bus.Event) error
	WriteVolatility(ctx context.Context, ev bus.VolatilityUpdated) error
}

// Options configures a Service.
type Options struct {
	InstanceID      string
	OracleAuthority string
	// FeedMaxAge bounds tick age on ObservePrice; zero disables it.
	FeedMaxAge time.Duration
	// ReadMaxAge bounds oracle age on every market read; zero disables it.
	ReadMaxAge time.Duration
	Clock      func() time.Time
}

// Deps are the optional collaborators. Nil members are skipped.
type Deps struct {
	Store    Store
	Producer bus.Producer
	Trail    *audit.Trail
	Risk     *risk.Engine
	Metrics  *observability.Metrics
	Sink     AnalyticsSink
}

// Service owns the oracle, the ledger and every market.
type Service struct {
	opts Options
	deps Deps

	mu       sync.Mutex
	oracle   *oracle.Estimator
	ledger   *custody.MemoryLedger
	futures  map[string]*futures.Market
	perps    map[string]*perps.Market
	variance map[uint64]*variance.Market
}

// New creates an empty service.
func New(opts Options, deps Deps) *Service {
	if opts.InstanceID == "" {
		opts.InstanceID = "volsettle"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		opts: opts,
		deps: deps,
		oracle: oracle.NewEstimator(opts.OracleAuthority,
			oracle.WithReadMaxAge(opts.ReadMaxAge),
			oracle.WithClock(opts.Clock)),
		ledger:   custody.NewMemoryLedger(),
		futures:  make(map[string]*futures.Market),
		perps:    make(map[string]*perps.Market),
		variance: make(map[uint64]*variance.Market),
	}
}

// Oracle exposes the volatility source shared by every market.
func (s *Service) Oracle() oracle.Source { return s.oracle }

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

type traceKey struct{}

// WithTraceID tags ctx so every event and audit entry of the operation
// carries id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceID returns the trace id on ctx, or a fresh one.
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()[:16]
}

// ---------------------------------------------------------------------------
// Operation pipeline
// ---------------------------------------------------------------------------

// opInfo identifies an operation for risk, audit and metrics.
type opInfo struct {
	name       string
	instrument string
	account    custody.Account
	amount     uint64
	checked    bool // subject to the risk guard
}

// outcome is what a committed operation leaves behind.
type outcome struct {
	records []store.Record
	events  []bus.Event
	ledger  bool // ledger balances changed
}

// execute runs fn under the service lock. A risk rejection or an fn error
// is audited and returned; success is committed downstream.
func execute[T any](ctx context.Context, s *Service, op opInfo, fn func() (T, outcome, error)) (T, error) {
	var zero T
	start := time.Now()
	trace := TraceID(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if op.checked && s.deps.Risk != nil {
		intent := risk.Intent{
			ID:         uuid.New().String(),
			Op:         op.name,
			Instrument: op.instrument,
			Account:    string(op.account),
			Amount:     op.amount,
		}
		d := s.deps.Risk.Check(intent)
		if s.deps.Trail != nil {
			s.deps.Trail.RecordRiskCheck(ctx, trace, intent, d)
		}
		if err := d.Err(); err != nil {
			s.reject(ctx, trace, op, err, start)
			return zero, err
		}
	}

	res, out, err := fn()
	if err != nil {
		s.reject(ctx, trace, op, err, start)
		return zero, err
	}

	s.commit(ctx, trace, out)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveOperation(op.name, observability.ResultOK, time.Since(start))
	}
	return res, nil
}

func (s *Service) reject(ctx context.Context, trace string, op opInfo, err error, start time.Time) {
	kind := errs.Kind(err)
	log.Info().Err(err).
		Str("op", op.name).
		Str("instrument", op.instrument).
		Str("account", string(op.account)).
		Str("trace_id", trace).
		Msg("operation rejected")
	if s.deps.Trail != nil {
		s.deps.Trail.RecordRejection(ctx, trace, op.name, op.instrument, string(op.account), kind, err)
	}
	if s.deps.Metrics != nil {
		result := observability.ResultRejected
		if errs.Code(err) == 1 {
			result = observability.ResultError
		}
		s.deps.Metrics.ObserveOperation(op.name, result, time.Since(start))
	}
}

// commit writes the outcome everywhere. The operation is already applied
// in memory; downstream failures are logged and counted, never undone.
func (s *Service) commit(ctx context.Context, trace string, out outcome) {
	if s.deps.Store != nil && (len(out.records) > 0 || out.ledger) {
		recs := out.records
		var err error
		if out.ledger {
			var ledger store.Record
			if ledger, err = s.ledgerRecord(); err == nil {
				recs = append(recs, ledger)
			}
		}
		if err == nil {
			err = s.deps.Store.PutBatch(ctx, recs)
		}
		if err != nil {
			log.Error().Err(err).Str("trace_id", trace).Msg("failed to persist settlement records")
			s.persistFailure("store")
		}
	}

	for _, ev := range out.events {
		if s.deps.Producer != nil {
			if err := bus.PublishEvent(ctx, s.deps.Producer, ev); err != nil {
				log.Error().Err(err).Str("event_type", ev.EventType()).Msg("failed to publish event")
				s.persistFailure("bus")
			}
		}
		if s.deps.Trail != nil {
			s.deps.Trail.RecordEvent(ctx, ev)
		}
		if s.deps.Metrics != nil {
			if _, ok := ev.(bus.VolatilityUpdated); !ok {
				sum := ev.Summary()
				s.deps.Metrics.AddVolume(sum.Instrument, sum.Amount)
				s.deps.Metrics.AddFee(sum.Instrument, sum.Fee)
				s.deps.Metrics.AddPayout(sum.Instrument, sum.Payout)
			}
		}
		if s.deps.Sink != nil {
			var err error
			if vu, ok := ev.(bus.VolatilityUpdated); ok {
				err = s.deps.Sink.WriteVolatility(ctx, vu)
			} else {
				err = s.deps.Sink.WriteEvent(ctx, ev)
			}
			if err != nil {
				log.Error().Err(err).Str("event_type", ev.EventType()).Msg("failed to write analytics row")
				s.persistFailure("analytics")
			}
		}
	}
}

func (s *Service) persistFailure(sink string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.PersistFailure(sink)
	}
}

func (s *Service) base(ctx context.Context) bus.BaseEvent {
	b := bus.NewBaseEvent(s.opts.InstanceID, TraceID(ctx))
	b.Timestamp = s.opts.Clock()
	return b
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

func encode(kind, key string, v encoding.BinaryMarshaler) (store.Record, error) {
	data, err := v.MarshalBinary()
	if err != nil {
		return store.Record{}, fmt.Errorf("encode %s/%s: %w", kind, key, err)
	}
	return store.Record{Kind: kind, Key: key, Data: data}, nil
}

func (s *Service) ledgerRecord() (store.Record, error) {
	return encode(store.KindLedger, "ledger", s.ledger)
}

func positionKey(market string, owner custody.Account) string {
	return market + "/" + string(owner)
}

func epochKey(epoch uint64) string { return fmt.Sprintf("%020d", epoch) }

// validID rejects ids that would break position keys.
func validID(kind, id string) error {
	if id == "" || strings.Contains(id, "/") {
		return errorsmod.Wrapf(errs.ErrInvalidInput, "%s id %q must be non-empty and contain no '/'", kind, id)
	}
	return nil
}

// Load rebuilds the oracle, ledger and markets from the store. It must run
// before any operation.
func (s *Service) Load(ctx context.Context) error {
	if s.deps.Store == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string][]store.Record)
	for _, kind := range []string{
		store.KindOracle, store.KindLedger,
		store.KindFuturesPosition, store.KindFuturesConfig,
		store.KindPerpPosition, store.KindPerpConfig,
		store.KindVarianceMarket,
	} {
		recs, err := s.deps.Store.List(ctx, kind)
		if err != nil {
			return fmt.Errorf("list %s: %w", kind, err)
		}
		records[kind] = recs
	}
	list := func(kind string) []store.Record { return records[kind] }

	for _, r := range list(store.KindOracle) {
		var st oracle.Stats
		if err := st.UnmarshalBinary(r.Data); err != nil {
			return fmt.Errorf("oracle record: %w", err)
		}
		if err := s.oracle.Restore(st); err != nil {
			return err
		}
	}
	for _, r := range list(store.KindLedger) {
		if err := s.ledger.UnmarshalBinary(r.Data); err != nil {
			return fmt.Errorf("ledger record: %w", err)
		}
	}

	futPositions := make(map[string][]futures.UserPosition)
	for _, r := range list(store.KindFuturesPosition) {
		var p futures.UserPosition
		if err := p.UnmarshalBinary(r.Data); err != nil {
			return fmt.Errorf("futures position %s: %w", r.Key, err)
		}
		id, _, _ := strings.Cut(r.Key, "/")
		futPositions[id] = append(futPositions[id], p)
	}
	for _, r := range list(store.KindFuturesConfig) {
		var c futures.Config
		if err := c.UnmarshalBinary(r.Data); err != nil {
			return fmt.Errorf("futures config %s: %w", r.Key, err)
		}
		s.futures[c.ID] = futures.Restore(c, futPositions[c.ID], s.oracle, s.ledger, futures.WithClock(s.opts.Clock))
	}

	perpPositions := make(map[string][]perps.Position)
	for _, r := range list(store.KindPerpPosition) {
		var p perps.Position
		if err := p.UnmarshalBinary(r.Data); err != nil {
			return fmt.Errorf("perp position %s: %w", r.Key, err)
		}
		id, _, _ := strings.Cut(r.Key, "/")
		perpPositions[id] = append(perpPositions[id], p)
	}
	for _, r := range list(store.KindPerpConfig) {
		var c perps.Config
		if err := c.UnmarshalBinary(r.Data); err != nil {
			return fmt.Errorf("perp config %s: %w", r.Key, err)
		}
		m := perps.Restore(c, perpPositions[c.ID], s.oracle, s.ledger, perps.WithClock(s.opts.Clock))
		s.perps[c.ID] = m
		s.trackOpenInterest(m)
	}

	for _, r := range list(store.KindVarianceMarket) {
		var st variance.State
		if err := st.UnmarshalBinary(r.Data); err != nil {
			return fmt.Errorf("variance market %s: %w", r.Key, err)
		}
		s.variance[st.Epoch] = variance.Restore(st, s.oracle, s.ledger, variance.WithClock(s.opts.Clock))
	}

	log.Info().
		Uint64("observations", s.oracle.Snapshot().Count).
		Int("futures", len(s.futures)).
		Int("perps", len(s.perps)).
		Int("variance", len(s.variance)).
		Msg("settlement state loaded")
	return nil
}

// trackOpenInterest pushes a perp market's size and active count to the
// risk guard and metrics.
func (s *Service) trackOpenInterest(m *perps.Market) {
	id := m.Config().ID
	long, short := m.OpenInterest()
	total := long + short
	if total < long {
		total = ^uint64(0)
	}
	if s.deps.Risk != nil {
		s.deps.Risk.UpdateOpenInterest(id, total)
	}
	if s.deps.Metrics != nil {
		active := 0
		for _, p := range m.Positions() {
			if p.IsActive {
				active++
			}
		}
		s.deps.Metrics.SetOpenPositions(id, active)
	}
}

func sortedKeys[K string | uint64, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func formatEpoch(epoch uint64) string { return "variance/" + strconv.FormatUint(epoch, 10) }
