package bus

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SchemaVersion is stamped on every event produced by this module.
const SchemaVersion = "1.0.0"

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with generated IDs.
func NewBaseEvent(producer, traceID string) BaseEvent {
	if traceID == "" {
		traceID = uuid.New().String()[:16]
	}
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
		TraceID:       traceID,
	}
}

// Summary is the flat projection of an event used by the audit trail and
// the analytics sink.
type Summary struct {
	Instrument string
	Account    string
	Amount     uint64
	Fee        uint64
	Payout     uint64
	Volatility float64
}

// Event is implemented by every settlement event.
type Event interface {
	Envelope() BaseEvent
	EventType() string
	Topic() string
	Key() string
	Summary() Summary
}

// --- Oracle Events ---

type VolatilityUpdated struct {
	BaseEvent
	LastPrice            uint64          `json:"last_price"`
	Mean                 float64         `json:"mean"`
	M2                   float64         `json:"m2"`
	Count                uint64          `json:"count"`
	AnnualizedVolatility decimal.Decimal `json:"annualized_volatility"`
}

func (e VolatilityUpdated) Envelope() BaseEvent { return e.BaseEvent }
func (VolatilityUpdated) EventType() string     { return "volatility_updated" }
func (VolatilityUpdated) Topic() string         { return Topics.Volatility() }
func (VolatilityUpdated) Key() string           { return "oracle" }
func (e VolatilityUpdated) Summary() Summary {
	return Summary{Instrument: "oracle", Volatility: e.AnnualizedVolatility.InexactFloat64()}
}

// PriceTick is a raw price observation carried on md.prices.<symbol>.
type PriceTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TS     int64           `json:"ts"` // unix milliseconds
}

// --- Futures Events ---

type FuturesMinted struct {
	BaseEvent
	Instrument  string          `json:"instrument"`
	User        string          `json:"user"`
	Amount      uint64          `json:"amount"`
	Volatility  decimal.Decimal `json:"volatility"`
	VolPoints   uint64          `json:"vol_points"`
	Required    uint64          `json:"required"`
	Fee         uint64          `json:"fee"`
	Total       uint64          `json:"total"`
	Outstanding uint64          `json:"outstanding"`
}

func (e FuturesMinted) Envelope() BaseEvent { return e.BaseEvent }
func (FuturesMinted) EventType() string     { return "futures_minted" }
func (e FuturesMinted) Topic() string       { return Topics.Futures(e.Instrument) }
func (e FuturesMinted) Key() string         { return e.User }
func (e FuturesMinted) Summary() Summary {
	return Summary{Instrument: e.Instrument, Account: e.User, Amount: e.Amount, Fee: e.Fee, Volatility: e.Volatility.InexactFloat64()}
}

type FuturesRedeemed struct {
	BaseEvent
	Instrument         string          `json:"instrument"`
	User               string          `json:"user"`
	Amount             uint64          `json:"amount"`
	EntryVolatility    decimal.Decimal `json:"entry_volatility"`
	ExitVolatility     decimal.Decimal `json:"exit_volatility"`
	Value              uint64          `json:"value"`
	Fee                uint64          `json:"fee"`
	Payout             uint64          `json:"payout"`
	CollateralReleased uint64          `json:"collateral_released"`
	Outstanding        uint64          `json:"outstanding"`
}

func (e FuturesRedeemed) Envelope() BaseEvent { return e.BaseEvent }
func (FuturesRedeemed) EventType() string     { return "futures_redeemed" }
func (e FuturesRedeemed) Topic() string       { return Topics.Futures(e.Instrument) }
func (e FuturesRedeemed) Key() string         { return e.User }
func (e FuturesRedeemed) Summary() Summary {
	return Summary{Instrument: e.Instrument, Account: e.User, Amount: e.Amount, Fee: e.Fee, Payout: e.Payout, Volatility: e.ExitVolatility.InexactFloat64()}
}

type FeeUpdated struct {
	BaseEvent
	Instrument string `json:"instrument"`
	Authority  string `json:"authority"`
	OldFeeBps  uint16 `json:"old_fee_bps"`
	NewFeeBps  uint16 `json:"new_fee_bps"`
}

func (e FeeUpdated) Envelope() BaseEvent { return e.BaseEvent }
func (FeeUpdated) EventType() string     { return "fee_updated" }
func (e FeeUpdated) Topic() string       { return Topics.Futures(e.Instrument) }
func (e FeeUpdated) Key() string         { return e.Instrument }
func (e FeeUpdated) Summary() Summary {
	return Summary{Instrument: e.Instrument, Account: e.Authority}
}

// --- Perpetual Events ---

type PositionOpened struct {
	BaseEvent
	Market    string          `json:"market"`
	Owner     string          `json:"owner"`
	Direction string          `json:"direction"`
	EntryVol  decimal.Decimal `json:"entry_vol"`
	Size      uint64          `json:"size"`
	Margin    uint64          `json:"margin"`
	CreatedAt int64           `json:"created_at"`
}

func (e PositionOpened) Envelope() BaseEvent { return e.BaseEvent }
func (PositionOpened) EventType() string     { return "position_opened" }
func (e PositionOpened) Topic() string       { return Topics.Perps(e.Market) }
func (e PositionOpened) Key() string         { return e.Owner }
func (e PositionOpened) Summary() Summary {
	return Summary{Instrument: e.Market, Account: e.Owner, Amount: e.Margin, Volatility: e.EntryVol.InexactFloat64()}
}

type PositionClosed struct {
	BaseEvent
	Market    string          `json:"market"`
	Owner     string          `json:"owner"`
	Direction string          `json:"direction"`
	EntryVol  decimal.Decimal `json:"entry_vol"`
	ExitVol   decimal.Decimal `json:"exit_vol"`
	Size      uint64          `json:"size"`
	Margin    uint64          `json:"margin"`
	PnL       int64           `json:"pnl"`
	Payout    uint64          `json:"payout"`
	Burned    uint64          `json:"burned"`
}

func (e PositionClosed) Envelope() BaseEvent { return e.BaseEvent }
func (PositionClosed) EventType() string     { return "position_closed" }
func (e PositionClosed) Topic() string       { return Topics.Perps(e.Market) }
func (e PositionClosed) Key() string         { return e.Owner }
func (e PositionClosed) Summary() Summary {
	return Summary{Instrument: e.Market, Account: e.Owner, Amount: e.Margin, Payout: e.Payout, Volatility: e.ExitVol.InexactFloat64()}
}

// --- Variance Swap Events ---

type VarianceMarketInitialized struct {
	BaseEvent
	Epoch           uint64          `json:"epoch"`
	Authority       string          `json:"authority"`
	Strike          decimal.Decimal `json:"strike"`
	StartVolatility decimal.Decimal `json:"start_volatility"`
	CreatedAt       int64           `json:"created_at"`
}

func (e VarianceMarketInitialized) Envelope() BaseEvent { return e.BaseEvent }
func (VarianceMarketInitialized) EventType() string     { return "variance_market_initialized" }
func (e VarianceMarketInitialized) Topic() string       { return Topics.Variance(e.Epoch) }
func (e VarianceMarketInitialized) Key() string         { return strconv.FormatUint(e.Epoch, 10) }
func (e VarianceMarketInitialized) Summary() Summary {
	return Summary{Instrument: varianceInstrument(e.Epoch), Account: e.Authority, Volatility: e.StartVolatility.InexactFloat64()}
}

type VarianceMinted struct {
	BaseEvent
	Epoch         uint64 `json:"epoch"`
	User          string `json:"user"`
	Amount        uint64 `json:"amount"`
	IsLong        bool   `json:"is_long"`
	TotalDeposits uint64 `json:"total_deposits"`
}

func (e VarianceMinted) Envelope() BaseEvent { return e.BaseEvent }
func (VarianceMinted) EventType() string     { return "variance_minted" }
func (e VarianceMinted) Topic() string       { return Topics.Variance(e.Epoch) }
func (e VarianceMinted) Key() string         { return e.User }
func (e VarianceMinted) Summary() Summary {
	return Summary{Instrument: varianceInstrument(e.Epoch), Account: e.User, Amount: e.Amount}
}

type VarianceRedeemed struct {
	BaseEvent
	Epoch            uint64          `json:"epoch"`
	User             string          `json:"user"`
	RealizedVariance uint64          `json:"realized_variance"`
	Strike           decimal.Decimal `json:"strike"`
	EndVolatility    decimal.Decimal `json:"end_volatility"`
	TotalDeposits    uint64          `json:"total_deposits"`
	LongPayout       uint64          `json:"long_payout"`
	ShortPayout      uint64          `json:"short_payout"`
}

func (e VarianceRedeemed) Envelope() BaseEvent { return e.BaseEvent }
func (VarianceRedeemed) EventType() string     { return "variance_redeemed" }
func (e VarianceRedeemed) Topic() string       { return Topics.Variance(e.Epoch) }
func (e VarianceRedeemed) Key() string         { return e.User }
func (e VarianceRedeemed) Summary() Summary {
	return Summary{
		Instrument: varianceInstrument(e.Epoch),
		Account:    e.User,
		Amount:     e.TotalDeposits,
		Payout:     e.LongPayout + e.ShortPayout,
		Volatility: e.EndVolatility.InexactFloat64(),
	}
}

func varianceInstrument(epoch uint64) string { return "variance/" + strconv.FormatUint(epoch, 10) }
