// Package variance implements the epoch-based variance swap. Participants
// mint long or short shares against a strike; at expiry the pooled deposits
// are split by realized variance versus strike.
package variance

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/fixedpoint"
	"github.com/nexus-trading/volsettle/internal/oracle"
)

// strikeScale carries fractional strikes through the payout computation.
const strikeScale = 1_000_000

// Params are supplied when an epoch is initialized.
type Params struct {
	Epoch     uint64
	Strike    float64
	Authority string
}

// State is the per-epoch market record.
type State struct {
	Epoch            uint64
	Authority        string
	Vault            custody.Account
	LongMint         custody.Asset
	ShortMint        custody.Asset
	Strike           float64
	StartVolatility  float64
	RealizedVariance float64
	TotalDeposits    uint64
	IsExpired        bool
	CreatedAt        int64
}

// MintReceipt describes an accepted deposit.
type MintReceipt struct {
	Epoch         uint64
	User          custody.Account
	Amount        uint64
	IsLong        bool
	TotalDeposits uint64
}

// Settlement describes the single accepted redemption of an epoch.
type Settlement struct {
	Epoch            uint64
	User             custody.Account
	StartVolatility  float64
	EndVolatility    float64
	RealizedVariance uint64
	Strike           float64
	TotalDeposits    uint64
	LongPayout       uint64
	ShortPayout      uint64
	BurnedLong       uint64
	BurnedShort      uint64
}

// Option configures a Market.
type Option func(*Market)

// WithClock overrides the wall clock used for the creation timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Market) { m.now = now }
}

// Market is one variance swap epoch. It is not safe for concurrent use; the
// caller serializes operations.
type Market struct {
	state  State
	src    oracle.Source
	ledger custody.Ledger
	now    func() time.Time
}

// LongMint returns the long-share asset id of epoch.
func LongMint(epoch uint64) custody.Asset { return custody.Asset(fmt.Sprintf("var:%d:long", epoch)) }

// ShortMint returns the short-share asset id of epoch.
func ShortMint(epoch uint64) custody.Asset { return custody.Asset(fmt.Sprintf("var:%d:short", epoch)) }

// VaultAccount returns the vault account of epoch.
func VaultAccount(epoch uint64) custody.Account {
	return custody.Account(fmt.Sprintf("variance/%d/vault", epoch))
}

// Initialize opens epoch p.Epoch, capturing the current volatility as the
// start reading.
func Initialize(p Params, src oracle.Source, ledger custody.Ledger, opts ...Option) (*Market, error) {
	if math.IsNaN(p.Strike) || math.IsInf(p.Strike, 0) || p.Strike < 0 {
		return nil, errorsmod.Wrapf(errs.ErrInvalidInput, "strike %v", p.Strike)
	}
	start, err := src.CurrentVolatility()
	if err != nil {
		return nil, err
	}

	m := Restore(State{}, src, ledger, opts...)
	m.state = State{
		Epoch:           p.Epoch,
		Authority:       p.Authority,
		Vault:           VaultAccount(p.Epoch),
		LongMint:        LongMint(p.Epoch),
		ShortMint:       ShortMint(p.Epoch),
		Strike:          p.Strike,
		StartVolatility: start,
		CreatedAt:       m.now().Unix(),
	}
	return m, nil
}

// Restore rebuilds a market from its persisted record.
func Restore(s State, src oracle.Source, ledger custody.Ledger, opts ...Option) *Market {
	m := &Market{state: s, src: src, ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns a copy of the epoch record.
func (m *Market) State() State { return m.state }

// Mint deposits amount quote currency into the vault and mints amount long
// or short shares to user.
func (m *Market) Mint(ctx context.Context, user custody.Account, amount uint64, isLong bool) (MintReceipt, error) {
	if m.state.IsExpired {
		return MintReceipt{}, errorsmod.Wrapf(errs.ErrMarketExpired, "epoch %d", m.state.Epoch)
	}
	total, err := fixedpoint.Add(m.state.TotalDeposits, amount)
	if err != nil {
		return MintReceipt{}, errorsmod.Wrapf(errs.ErrNumberOverflow, "total deposits %d + %d", m.state.TotalDeposits, amount)
	}

	have, err := m.ledger.Balance(ctx, user, custody.Quote)
	if err != nil {
		return MintReceipt{}, err
	}
	if have < amount {
		return MintReceipt{}, errorsmod.Wrapf(errs.ErrInsufficientBalance, "have %d, deposit %d", have, amount)
	}

	share := m.state.ShortMint
	if isLong {
		share = m.state.LongMint
	}
	err = m.ledger.Execute(ctx, []custody.Instruction{
		custody.Transfer(custody.Quote, user, m.state.Vault, amount),
		custody.MintTo(share, user, amount),
	})
	if err != nil {
		return MintReceipt{}, err
	}

	m.state.TotalDeposits = total
	return MintReceipt{
		Epoch:         m.state.Epoch,
		User:          user,
		Amount:        amount,
		IsLong:        isLong,
		TotalDeposits: total,
	}, nil
}

// Redeem settles the epoch: both legs are paid to user, user's long and
// short shares are burned and the market expires.
func (m *Market) Redeem(ctx context.Context, user custody.Account) (Settlement, error) {
	if m.state.IsExpired {
		return Settlement{}, errorsmod.Wrapf(errs.ErrMarketExpired, "epoch %d", m.state.Epoch)
	}

	cur, err := m.src.CurrentVolatility()
	if err != nil {
		return Settlement{}, err
	}
	rv, err := RealizedVariance(m.state.StartVolatility, cur)
	if err != nil {
		return Settlement{}, err
	}
	long, short, err := SplitPayouts(rv, m.state.Strike, m.state.TotalDeposits)
	if err != nil {
		return Settlement{}, err
	}

	vault, err := m.ledger.Balance(ctx, m.state.Vault, custody.Quote)
	if err != nil {
		return Settlement{}, err
	}
	if vault < m.state.TotalDeposits {
		return Settlement{}, errorsmod.Wrapf(errs.ErrInsufficientBalance, "vault holds %d, deposits %d", vault, m.state.TotalDeposits)
	}
	heldLong, err := m.ledger.Balance(ctx, user, m.state.LongMint)
	if err != nil {
		return Settlement{}, err
	}
	heldShort, err := m.ledger.Balance(ctx, user, m.state.ShortMint)
	if err != nil {
		return Settlement{}, err
	}

	err = m.ledger.Execute(ctx, []custody.Instruction{
		custody.Transfer(custody.Quote, m.state.Vault, user, long),
		custody.Transfer(custody.Quote, m.state.Vault, user, short),
		custody.Burn(m.state.LongMint, user, heldLong),
		custody.Burn(m.state.ShortMint, user, heldShort),
	})
	if err != nil {
		return Settlement{}, err
	}

	m.state.RealizedVariance = float64(rv)
	m.state.IsExpired = true

	return Settlement{
		Epoch:            m.state.Epoch,
		User:             user,
		StartVolatility:  m.state.StartVolatility,
		EndVolatility:    cur,
		RealizedVariance: rv,
		Strike:           m.state.Strike,
		TotalDeposits:    m.state.TotalDeposits,
		LongPayout:       long,
		ShortPayout:      short,
		BurnedLong:       heldLong,
		BurnedShort:      heldShort,
	}, nil
}

// RealizedVariance returns the move from start to end in whole percentage
// points of volatility. A decline is a NumberOverflow.
func RealizedVariance(start, end float64) (uint64, error) {
	s, err := fixedpoint.PercentPoints(start)
	if err != nil {
		return 0, err
	}
	e, err := fixedpoint.PercentPoints(end)
	if err != nil {
		return 0, err
	}
	if e < s {
		return 0, errorsmod.Wrapf(errs.ErrNumberOverflow, "realized variance %d - %d is negative", e, s)
	}
	return e - s, nil
}

// SplitPayouts divides total between the legs:
// long = max(0, rv - strike) * total / 100, short = total - long.
func SplitPayouts(rv uint64, strike float64, total uint64) (long, short uint64, err error) {
	excess := decimal.Zero
	rvd := decimal.NewFromBigInt(new(big.Int).SetUint64(rv), 0)
	if k := decimal.NewFromFloat(strike); rvd.GreaterThan(k) {
		excess = rvd.Sub(k)
	}
	scaled := excess.Mul(decimal.NewFromInt(strikeScale)).Truncate(0).BigInt()
	if scaled.Sign() > 0 {
		x, overflow := uint256.FromBig(scaled)
		if overflow {
			return 0, 0, errorsmod.Wrapf(errs.ErrNumberOverflow, "excess %s", excess)
		}
		x.Mul(x, uint256.NewInt(total))
		x.Div(x, uint256.NewInt(100*strikeScale))
		if !x.IsUint64() {
			return 0, 0, errorsmod.Wrapf(errs.ErrNumberOverflow, "long payout of %s points on %d", excess, total)
		}
		long = x.Uint64()
	}
	if long > total {
		return 0, 0, errorsmod.Wrapf(errs.ErrNumberOverflow, "long payout %d exceeds deposits %d", long, total)
	}
	return long, total - long, nil
}
