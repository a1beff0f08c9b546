// Package oracle maintains the shared volatility reading that every
// instrument settles against.
//
// Method (Welford, online):
//  1. The first observation only seeds last_price.
//  2. Each later observation folds r = ln(price / last_price) into the
//     running mean and m2 accumulators.
//  3. vol = sqrt(m2 / (count-1)) * sqrt(252) once count >= 2.
package oracle

import (
	"math"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/fixedpoint"
)

// TradingDaysPerYear is the annualization base for daily log-returns.
const TradingDaysPerYear = 252

var annualizationFactor = math.Sqrt(TradingDaysPerYear)

// Source is the read-only view of the volatility reading handed to every
// instrument operation.
type Source interface {
	CurrentVolatility() (float64, error)
}

// Stats is the persisted estimator state.
type Stats struct {
	LastPrice            uint64 // fixed point, 6 decimals
	Mean                 float64
	M2                   float64
	Count                uint64
	AnnualizedVolatility float64
	UpdatedAt            time.Time
}

// Tick is one price observation delivered by a feed relay.
type Tick struct {
	Price       float64
	PublishedAt time.Time
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithReadMaxAge rejects CurrentVolatility reads when the last observation
// is older than d. Zero disables the bound.
func WithReadMaxAge(d time.Duration) Option {
	return func(e *Estimator) { e.readMaxAge = d }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) { e.now = now }
}

// Estimator is the volatility oracle. Observe is the only mutating path;
// instruments read through Source.
type Estimator struct {
	authority  string
	readMaxAge time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	stats     Stats
	listeners []func(Stats)
}

// NewEstimator creates an empty estimator. Only authority may feed it.
func NewEstimator(authority string, opts ...Option) *Estimator {
	e := &Estimator{
		authority: authority,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authority returns the identity allowed to call Observe.
func (e *Estimator) Authority() string { return e.authority }

// OnUpdate registers fn to receive every committed Stats tuple.
func (e *Estimator) OnUpdate(fn func(Stats)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Observe folds tick into the running statistics. maxAge bounds how old
// tick.PublishedAt may be; zero disables the check.
func (e *Estimator) Observe(signer string, tick Tick, maxAge time.Duration) (Stats, error) {
	if signer != e.authority {
		return Stats{}, errorsmod.Wrapf(errs.ErrUnauthorized, "signer %q is not the oracle authority", signer)
	}
	if math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) || tick.Price <= 0 {
		return Stats{}, errorsmod.Wrapf(errs.ErrInvalidPriceData, "price %v", tick.Price)
	}
	fixed, err := fixedpoint.PriceToFixed(tick.Price)
	if err != nil {
		return Stats{}, errorsmod.Wrapf(errs.ErrInvalidPriceData, "price %v: %v", tick.Price, err)
	}

	now := e.now()
	if maxAge > 0 && now.Sub(tick.PublishedAt) > maxAge {
		return Stats{}, errorsmod.Wrapf(errs.ErrStalePriceFeed,
			"published %s ago, bound %s", now.Sub(tick.PublishedAt).Truncate(time.Millisecond), maxAge)
	}

	e.mu.Lock()
	next, err := fold(e.stats, tick.Price, fixed)
	if err != nil {
		e.mu.Unlock()
		return Stats{}, err
	}
	next.UpdatedAt = now
	e.stats = next
	listeners := e.listeners
	e.mu.Unlock()

	log.Debug().
		Float64("price", tick.Price).
		Uint64("count", next.Count).
		Float64("annualized_vol", next.AnnualizedVolatility).
		Msg("Volatility observation folded")

	for _, fn := range listeners {
		fn(next)
	}
	return next, nil
}

// fold applies one Welford step to s without mutating it.
func fold(s Stats, price float64, fixed uint64) (Stats, error) {
	if s.Count == 0 {
		return Stats{LastPrice: fixed, Count: 1}, nil
	}

	r := math.Log(price / fixedpoint.FixedToFloat(s.LastPrice))
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return Stats{}, errorsmod.Wrapf(errs.ErrInvalidPriceData, "log return of %v over %d", price, s.LastPrice)
	}

	count, err := fixedpoint.Add(s.Count, 1)
	if err != nil {
		return Stats{}, err
	}
	delta := r - s.Mean
	mean := s.Mean + delta/float64(count)
	m2 := s.M2 + delta*(r-mean)

	vol := s.AnnualizedVolatility
	if count > 1 {
		variance := m2 / float64(count-1)
		if variance < 0 {
			variance = 0
		}
		vol = math.Sqrt(variance) * annualizationFactor
	}

	return Stats{
		LastPrice:            fixed,
		Mean:                 mean,
		M2:                   m2,
		Count:                count,
		AnnualizedVolatility: vol,
	}, nil
}

// CurrentVolatility implements Source.
func (e *Estimator) CurrentVolatility() (float64, error) {
	e.mu.RLock()
	s := e.stats
	e.mu.RUnlock()

	if s.Count == 0 {
		return 0, errorsmod.Wrap(errs.ErrOracleUnavailable, "no observations folded")
	}
	if e.readMaxAge > 0 {
		if age := e.now().Sub(s.UpdatedAt); age > e.readMaxAge {
			return 0, errorsmod.Wrapf(errs.ErrOracleStale, "last update %s ago, bound %s", age.Truncate(time.Second), e.readMaxAge)
		}
	}
	return s.AnnualizedVolatility, nil
}

// Snapshot returns a copy of the current statistics.
func (e *Estimator) Snapshot() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Restore replaces the statistics with a previously persisted tuple.
func (e *Estimator) Restore(s Stats) error {
	if s.Count == 0 && (s.Mean != 0 || s.M2 != 0 || s.AnnualizedVolatility != 0 || s.LastPrice != 0) {
		return errorsmod.Wrap(errs.ErrSchemaMismatch, "empty statistics carry non-zero accumulators")
	}
	if math.IsNaN(s.Mean) || math.IsNaN(s.M2) || math.IsNaN(s.AnnualizedVolatility) || s.AnnualizedVolatility < 0 {
		return errorsmod.Wrap(errs.ErrSchemaMismatch, "non-finite accumulators")
	}
	e.mu.Lock()
	e.stats = s
	e.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// StaticSource
// ---------------------------------------------------------------------------

// StaticSource is a Source returning a fixed reading. Set Err to simulate an
// unavailable oracle.
type StaticSource struct {
	mu  sync.RWMutex
	vol float64
	err error
}

// NewStaticSource returns a source that always reads vol.
func NewStaticSource(vol float64) *StaticSource {
	return &StaticSource{vol: vol}
}

// Set changes the reading.
func (s *StaticSource) Set(vol float64) {
	s.mu.Lock()
	s.vol, s.err = vol, nil
	s.mu.Unlock()
}

// Fail makes every read return err.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// CurrentVolatility implements Source.
func (s *StaticSource) CurrentVolatility() (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vol, s.err
}
