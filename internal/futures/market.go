// Package futures implements the token-based volatility claim: users deposit
// quote currency to mint claim tokens priced at the current volatility and
// redeem them later at a value adjusted by the volatility drift since entry.
package futures

import (
	"context"
	"sort"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/fixedpoint"
	"github.com/nexus-trading/volsettle/internal/oracle"
)

// DefaultPricePerVolPoint is the quote amount one claim token costs per
// volatility point.
const DefaultPricePerVolPoint = 100_000

// Params are supplied once at instrument launch.
type Params struct {
	ID               string
	Name             string
	Symbol           string
	Authority        string
	FeeBps           uint16
	PricePerVolPoint uint64
	FeeDestination   custody.Account
}

// Config is the instrument-level record.
type Config struct {
	ID               string
	Authority        string
	TokenMint        custody.Asset
	QuoteAsset       custody.Asset
	FeeDestination   custody.Account
	CollateralPool   custody.Account
	Name             string
	Symbol           string
	FeeBps           uint16
	PricePerVolPoint uint64
	TotalOutstanding uint64
}

// UserPosition is one user's exposure in one instrument.
type UserPosition struct {
	Owner           custody.Account
	EntryVolatility float64
	TokensMinted    uint64
	USDCCollateral  uint64
	MintTimestamp   int64
}

// MintReceipt describes an accepted mint.
type MintReceipt struct {
	User        custody.Account
	Amount      uint64
	Volatility  float64
	VolPoints   uint64
	Required    uint64
	Fee         uint64
	Total       uint64
	Outstanding uint64
	Position    UserPosition
}

// RedeemReceipt describes an accepted redemption.
type RedeemReceipt struct {
	User               custody.Account
	Amount             uint64
	EntryVolatility    float64
	ExitVolatility     float64
	Value              uint64
	Fee                uint64
	Payout             uint64
	CollateralReleased uint64
	Outstanding        uint64
	Position           UserPosition
}

// Option configures a Market.
type Option func(*Market)

// WithClock overrides the wall clock used for mint timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Market) { m.now = now }
}

// Market is one futures instrument. It is not safe for concurrent use; the
// caller serializes operations.
type Market struct {
	cfg       Config
	positions map[custody.Account]*UserPosition
	src       oracle.Source
	ledger    custody.Ledger
	now       func() time.Time
}

// TokenMint returns the claim-token asset id of instrument id.
func TokenMint(id string) custody.Asset { return custody.Asset("fut:" + id) }

// CollateralPool returns the collateral pool account of instrument id.
func CollateralPool(id string) custody.Account { return custody.Account("futures/" + id + "/pool") }

// Launch creates a new instrument. It requires a valid fee and a strictly
// positive current volatility.
func Launch(p Params, src oracle.Source, ledger custody.Ledger, opts ...Option) (*Market, error) {
	if p.ID == "" {
		return nil, errorsmod.Wrap(errs.ErrInvalidInput, "instrument id is empty")
	}
	if p.FeeBps > fixedpoint.BpsDenominator {
		return nil, errorsmod.Wrapf(errs.ErrInvalidInput, "fee %d bps exceeds %d", p.FeeBps, fixedpoint.BpsDenominator)
	}
	if p.FeeDestination == "" {
		return nil, errorsmod.Wrap(errs.ErrInvalidInput, "fee destination is empty")
	}
	vol, err := src.CurrentVolatility()
	if err != nil {
		return nil, err
	}
	if !(vol > 0) {
		return nil, errorsmod.Wrapf(errs.ErrOracleUnavailable, "volatility %v must be positive at launch", vol)
	}

	ppvp := p.PricePerVolPoint
	if ppvp == 0 {
		ppvp = DefaultPricePerVolPoint
	}
	cfg := Config{
		ID:               p.ID,
		Authority:        p.Authority,
		TokenMint:        TokenMint(p.ID),
		QuoteAsset:       custody.Quote,
		FeeDestination:   p.FeeDestination,
		CollateralPool:   CollateralPool(p.ID),
		Name:             p.Name,
		Symbol:           p.Symbol,
		FeeBps:           p.FeeBps,
		PricePerVolPoint: ppvp,
	}
	return Restore(cfg, nil, src, ledger, opts...), nil
}

// Restore rebuilds a market from persisted records.
func Restore(cfg Config, positions []UserPosition, src oracle.Source, ledger custody.Ledger, opts ...Option) *Market {
	m := &Market{
		cfg:       cfg,
		positions: make(map[custody.Account]*UserPosition, len(positions)),
		src:       src,
		ledger:    ledger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range positions {
		p := positions[i]
		m.positions[p.Owner] = &p
	}
	return m
}

// Config returns a copy of the instrument record.
func (m *Market) Config() Config { return m.cfg }

// Position returns the caller's position, if any.
func (m *Market) Position(user custody.Account) (UserPosition, bool) {
	p, ok := m.positions[user]
	if !ok {
		return UserPosition{}, false
	}
	return *p, true
}

// Positions returns every position ordered by owner.
func (m *Market) Positions() []UserPosition {
	out := make([]UserPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// ---------------------------------------------------------------------------
// Mint
// ---------------------------------------------------------------------------

// Mint deposits quote currency for amount claim tokens at the current
// volatility price plus fee.
func (m *Market) Mint(ctx context.Context, user custody.Account, amount uint64) (MintReceipt, error) {
	if amount == 0 {
		return MintReceipt{}, errorsmod.Wrap(errs.ErrInvalidInput, "mint amount must be positive")
	}

	vol, err := m.src.CurrentVolatility()
	if err != nil {
		return MintReceipt{}, err
	}
	points, err := fixedpoint.VolPoints(vol)
	if err != nil {
		return MintReceipt{}, err
	}

	required, err := m.quoteFor(amount, points)
	if err != nil {
		return MintReceipt{}, err
	}
	fee, err := fixedpoint.FeeOf(required, m.cfg.FeeBps)
	if err != nil {
		return MintReceipt{}, err
	}
	total, err := fixedpoint.Add(required, fee)
	if err != nil {
		return MintReceipt{}, err
	}

	have, err := m.ledger.Balance(ctx, user, m.cfg.QuoteAsset)
	if err != nil {
		return MintReceipt{}, err
	}
	if have < total {
		return MintReceipt{}, errorsmod.Wrapf(errs.ErrInsufficientBalance, "have %d, need %d", have, total)
	}

	// ---- Stage the new accounting before any custody effect ----
	outstanding, err := fixedpoint.Add(m.cfg.TotalOutstanding, amount)
	if err != nil {
		return MintReceipt{}, err
	}
	next := UserPosition{Owner: user}
	if p, ok := m.positions[user]; ok {
		next = *p
	}
	next.EntryVolatility = vol
	if next.TokensMinted, err = fixedpoint.Add(next.TokensMinted, amount); err != nil {
		return MintReceipt{}, err
	}
	if next.USDCCollateral, err = fixedpoint.Add(next.USDCCollateral, required); err != nil {
		return MintReceipt{}, err
	}
	next.MintTimestamp = m.now().Unix()

	err = m.ledger.Execute(ctx, []custody.Instruction{
		custody.Transfer(m.cfg.QuoteAsset, user, m.cfg.FeeDestination, fee),
		custody.Transfer(m.cfg.QuoteAsset, user, m.cfg.CollateralPool, required),
		custody.MintTo(m.cfg.TokenMint, user, amount),
	})
	if err != nil {
		return MintReceipt{}, err
	}

	m.cfg.TotalOutstanding = outstanding
	m.positions[user] = &next

	return MintReceipt{
		User:        user,
		Amount:      amount,
		Volatility:  vol,
		VolPoints:   points,
		Required:    required,
		Fee:         fee,
		Total:       total,
		Outstanding: outstanding,
		Position:    next,
	}, nil
}

// quoteFor returns amount * points * price_per_vol_point / 1000.
func (m *Market) quoteFor(amount, points uint64) (uint64, error) {
	x, err := fixedpoint.Mul(amount, points)
	if err != nil {
		return 0, err
	}
	if x, err = fixedpoint.Mul(x, m.cfg.PricePerVolPoint); err != nil {
		return 0, err
	}
	return fixedpoint.Div(x, fixedpoint.VolPointScale)
}

// ---------------------------------------------------------------------------
// Redeem
// ---------------------------------------------------------------------------

// Redeem burns amount claim tokens and pays their drift-adjusted value,
// less fee, from the collateral pool.
func (m *Market) Redeem(ctx context.Context, user custody.Account, amount uint64) (RedeemReceipt, error) {
	if amount == 0 {
		return RedeemReceipt{}, errorsmod.Wrap(errs.ErrInvalidInput, "redeem amount must be positive")
	}
	pos, ok := m.positions[user]
	if !ok {
		return RedeemReceipt{}, errorsmod.Wrapf(errs.ErrInsufficientTokens, "%s has no position", user)
	}
	held, err := m.ledger.Balance(ctx, user, m.cfg.TokenMint)
	if err != nil {
		return RedeemReceipt{}, err
	}
	if held < amount {
		return RedeemReceipt{}, errorsmod.Wrapf(errs.ErrInsufficientTokens, "holds %d tokens, redeeming %d", held, amount)
	}
	if pos.TokensMinted < amount {
		return RedeemReceipt{}, errorsmod.Wrapf(errs.ErrInsufficientTokens, "position minted %d tokens, redeeming %d", pos.TokensMinted, amount)
	}

	cur, err := m.src.CurrentVolatility()
	if err != nil {
		return RedeemReceipt{}, err
	}
	value, err := m.redemptionValue(amount, pos.EntryVolatility, cur)
	if err != nil {
		return RedeemReceipt{}, err
	}
	fee, err := fixedpoint.FeeOf(value, m.cfg.FeeBps)
	if err != nil {
		return RedeemReceipt{}, err
	}
	payout := value - fee

	pool, err := m.ledger.Balance(ctx, m.cfg.CollateralPool, m.cfg.QuoteAsset)
	if err != nil {
		return RedeemReceipt{}, err
	}
	if pool < payout {
		return RedeemReceipt{}, errorsmod.Wrapf(errs.ErrInsufficientBalance, "collateral pool holds %d, payout %d", pool, payout)
	}

	// ---- Stage the new accounting before any custody effect ----
	outstanding, err := fixedpoint.Sub(m.cfg.TotalOutstanding, amount)
	if err != nil {
		return RedeemReceipt{}, err
	}
	next := *pos
	var reduction uint64
	if pos.TokensMinted > 0 {
		x, err := fixedpoint.Mul(pos.USDCCollateral, amount)
		if err != nil {
			return RedeemReceipt{}, err
		}
		if reduction, err = fixedpoint.Div(x, pos.TokensMinted); err != nil {
			return RedeemReceipt{}, err
		}
	}
	if next.USDCCollateral, err = fixedpoint.Sub(pos.USDCCollateral, reduction); err != nil {
		return RedeemReceipt{}, err
	}
	if next.TokensMinted, err = fixedpoint.Sub(pos.TokensMinted, amount); err != nil {
		return RedeemReceipt{}, err
	}

	err = m.ledger.Execute(ctx, []custody.Instruction{
		custody.Burn(m.cfg.TokenMint, user, amount),
		custody.Transfer(m.cfg.QuoteAsset, m.cfg.CollateralPool, m.cfg.FeeDestination, fee),
		custody.Transfer(m.cfg.QuoteAsset, m.cfg.CollateralPool, user, payout),
	})
	if err != nil {
		return RedeemReceipt{}, err
	}

	m.cfg.TotalOutstanding = outstanding
	*pos = next

	return RedeemReceipt{
		User:               user,
		Amount:             amount,
		EntryVolatility:    next.EntryVolatility,
		ExitVolatility:     cur,
		Value:              value,
		Fee:                fee,
		Payout:             payout,
		CollateralReleased: reduction,
		Outstanding:        outstanding,
		Position:           next,
	}, nil
}

// redemptionValue prices amount tokens entered at entry and exited at cur.
// A loss that consumes the whole base still pays one unit.
func (m *Market) redemptionValue(amount uint64, entry, cur float64) (uint64, error) {
	entryPts, err := fixedpoint.VolPoints(entry)
	if err != nil {
		return 0, err
	}
	curPts, err := fixedpoint.VolPoints(cur)
	if err != nil {
		return 0, err
	}
	base, err := m.quoteFor(amount, entryPts)
	if err != nil {
		return 0, err
	}

	switch {
	case curPts > entryPts:
		profit, err := m.drift(amount, curPts-entryPts)
		if err != nil {
			return 0, err
		}
		return fixedpoint.Add(base, profit)
	case curPts < entryPts:
		loss, err := m.drift(amount, entryPts-curPts)
		if err != nil {
			return 0, err
		}
		if loss >= base {
			return 1, nil
		}
		return base - loss, nil
	default:
		return base, nil
	}
}

// drift returns price_per_vol_point * amount * points / 1000.
func (m *Market) drift(amount, points uint64) (uint64, error) {
	x, err := fixedpoint.Mul(m.cfg.PricePerVolPoint, amount)
	if err != nil {
		return 0, err
	}
	if x, err = fixedpoint.Mul(x, points); err != nil {
		return 0, err
	}
	return fixedpoint.Div(x, fixedpoint.VolPointScale)
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

// SetFee changes the fee rate. Only the instrument authority may call it.
// It returns the previous rate.
func (m *Market) SetFee(signer string, feeBps uint16) (uint16, error) {
	if signer != m.cfg.Authority {
		return 0, errorsmod.Wrapf(errs.ErrUnauthorized, "%q is not the authority of %s", signer, m.cfg.ID)
	}
	if feeBps > fixedpoint.BpsDenominator {
		return 0, errorsmod.Wrapf(errs.ErrInvalidInput, "fee %d bps exceeds %d", feeBps, fixedpoint.BpsDenominator)
	}
	old := m.cfg.FeeBps
	m.cfg.FeeBps = feeBps
	return old, nil
}
