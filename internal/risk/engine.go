package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/volsettle/internal/errs"
)

// Operation kinds checked by the engine.
const (
	OpFuturesMint    = "futures_mint"
	OpFuturesRedeem  = "futures_redeem"
	OpPerpOpen       = "perp_open"
	OpPerpClose      = "perp_close"
	OpVarianceMint   = "variance_mint"
	OpVarianceRedeem = "variance_redeem"
)

// Engine gates settlement operations before they reach a market.
//
// Kill stops every operation and cannot be resumed. Freeze stops
// operations that add exposure; exits (redeem and close) still settle.
type Engine struct {
	config Config

	mu           sync.RWMutex
	openInterest map[string]uint64 // market -> long+short size

	killed atomic.Bool
	frozen atomic.Bool

	allowed atomic.Int64
	denied  atomic.Int64
	freezes atomic.Int64
}

// Config holds per-operation limits. A zero limit is disabled.
type Config struct {
	MaxMintAmount      uint64
	MaxPerpMargin      uint64
	MaxVarianceDeposit uint64
	MaxOpenInterest    uint64
	// MaxVolatility freezes the engine when an oracle reading exceeds it.
	MaxVolatility float64
}

// Intent is an operation awaiting a risk decision.
type Intent struct {
	ID         string `json:"id"`
	Op         string `json:"op"`
	Instrument string `json:"instrument"`
	Account    string `json:"account"`
	Amount     uint64 `json:"amount"`
}

// Decision represents a risk decision.
type Decision struct {
	IntentID    string   `json:"intent_id"`
	Allowed     bool     `json:"allowed"`
	ReasonCodes []string `json:"reason_codes"`
	Timestamp   int64    `json:"ts"`
}

// Err returns nil for an allowed decision and a RiskRejected error
// carrying the reason codes otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return errorsmod.Wrapf(errs.ErrRiskRejected, "%v", d.ReasonCodes)
}

// New creates a new risk engine.
func New(cfg Config) *Engine {
	return &Engine{
		config:       cfg,
		openInterest: make(map[string]uint64),
	}
}

func isExit(op string) bool {
	return op == OpFuturesRedeem || op == OpPerpClose || op == OpVarianceRedeem
}

// Check evaluates intent against the kill switch, freeze state and limits.
func (e *Engine) Check(intent Intent) Decision {
	d := Decision{
		IntentID:  intent.ID,
		Allowed:   true,
		Timestamp: time.Now().UnixMicro(),
	}

	if e.killed.Load() {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, "KILL_SWITCH_ACTIVE")
		e.denied.Add(1)
		return d
	}
	if isExit(intent.Op) {
		e.allowed.Add(1)
		return d
	}
	if e.frozen.Load() {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, "SYSTEM_FROZEN")
		e.denied.Add(1)
		return d
	}

	limit := e.limitFor(intent.Op)
	if limit > 0 && intent.Amount > limit {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("AMOUNT_TOO_LARGE:%s:amount=%d,limit=%d", intent.Op, intent.Amount, limit))
	}

	if intent.Op == OpPerpOpen && e.config.MaxOpenInterest > 0 {
		e.mu.RLock()
		current := e.openInterest[intent.Instrument]
		e.mu.RUnlock()
		if current+intent.Amount < current || current+intent.Amount > e.config.MaxOpenInterest {
			d.Allowed = false
			d.ReasonCodes = append(d.ReasonCodes,
				fmt.Sprintf("OPEN_INTEREST_LIMIT:%s:current=%d,limit=%d", intent.Instrument, current, e.config.MaxOpenInterest))
		}
	}

	if d.Allowed {
		e.allowed.Add(1)
		log.Debug().Str("intent_id", intent.ID).Str("op", intent.Op).Msg("risk check: allow")
	} else {
		e.denied.Add(1)
		log.Warn().Str("intent_id", intent.ID).Strs("reasons", d.ReasonCodes).Msg("risk check: deny")
	}
	return d
}

func (e *Engine) limitFor(op string) uint64 {
	switch op {
	case OpFuturesMint:
		return e.config.MaxMintAmount
	case OpPerpOpen:
		return e.config.MaxPerpMargin
	case OpVarianceMint:
		return e.config.MaxVarianceDeposit
	}
	return 0
}

// ObserveVolatility freezes the engine when vol breaches MaxVolatility.
func (e *Engine) ObserveVolatility(vol float64) {
	if e.config.MaxVolatility <= 0 || vol <= e.config.MaxVolatility {
		return
	}
	if !e.frozen.Swap(true) {
		e.freezes.Add(1)
		log.Error().Float64("vol", vol).Float64("limit", e.config.MaxVolatility).
			Msg("auto-freeze: volatility circuit breaker")
	}
}

// UpdateOpenInterest records the total open position size of market.
func (e *Engine) UpdateOpenInterest(market string, size uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.openInterest[market] = size
}

// Kill activates the kill switch.
func (e *Engine) Kill() {
	e.killed.Store(true)
	log.Error().Msg("kill switch activated, all settlement stopped")
}

// Freeze blocks new exposure until Resume.
func (e *Engine) Freeze(reason string) {
	if !e.frozen.Swap(true) {
		e.freezes.Add(1)
	}
	log.Warn().Str("reason", reason).Msg("settlement frozen")
}

// Resume unfreezes the engine. It has no effect after Kill.
func (e *Engine) Resume() {
	if e.killed.Load() {
		log.Warn().Msg("cannot resume: kill switch is active")
		return
	}
	e.frozen.Store(false)
	log.Info().Msg("settlement resumed")
}

// IsActive returns true if the engine is neither killed nor frozen.
func (e *Engine) IsActive() bool {
	return !e.killed.Load() && !e.frozen.Load()
}

// Metrics returns risk engine counters.
func (e *Engine) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"killed":        e.killed.Load(),
		"frozen":        e.frozen.Load(),
		"allowed_total": e.allowed.Load(),
		"denied_total":  e.denied.Load(),
		"freezes_total": e.freezes.Load(),
	}
}
