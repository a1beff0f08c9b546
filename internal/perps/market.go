// Package perps implements the margin-based directional volatility market.
// Each user holds at most one active position:
//
//	Closed --open--> Open --close--> Closed
//
// Closing pays margin plus signed PnL from the vault, clamped at zero.
package perps

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/oracle"
)

// Side is the direction of a position.
type Side uint8

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// ParseSide accepts "long" or "short", case-insensitively.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long":
		return Long, nil
	case "short":
		return Short, nil
	default:
		return 0, errorsmod.Wrapf(errs.ErrInvalidInput, "unknown side %q", s)
	}
}

// Params are supplied when the market is created.
type Params struct {
	ID                string
	Authority         string
	Vault             custody.Account // defaults to VaultAccount(ID)
	CheckTokenBalance bool
}

// Config is the market-level record.
type Config struct {
	ID                string
	Authority         string
	QuoteAsset        custody.Asset
	SyntheticMint     custody.Asset
	Vault             custody.Account
	CheckTokenBalance bool
}

// Position is one user's perpetual position.
type Position struct {
	Owner     custody.Account
	Direction Side
	EntryVol  float64
	Size      uint64
	Margin    uint64
	CreatedAt int64
	IsActive  bool
}

// Settlement describes an accepted close.
type Settlement struct {
	Position Position
	ExitVol  float64
	PnL      int64
	Payout   uint64
	Burned   uint64
}

// Option configures a Market.
type Option func(*Market)

// WithClock overrides the wall clock used for position timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Market) { m.now = now }
}

// Market is the perpetual volatility market. It is not safe for concurrent
// use; the caller serializes operations.
type Market struct {
	cfg       Config
	positions map[custody.Account]*Position
	src       oracle.Source
	ledger    custody.Ledger
	now       func() time.Time
}

// SyntheticMint returns the synthetic token asset id of market id.
func SyntheticMint(id string) custody.Asset { return custody.Asset("perp:" + id) }

// VaultAccount returns the default vault account of market id.
func VaultAccount(id string) custody.Account { return custody.Account("perps/" + id + "/vault") }

// New creates an empty market.
func New(p Params, src oracle.Source, ledger custody.Ledger, opts ...Option) (*Market, error) {
	if p.ID == "" {
		return nil, errorsmod.Wrap(errs.ErrInvalidInput, "market id is empty")
	}
	vault := p.Vault
	if vault == "" {
		vault = VaultAccount(p.ID)
	}
	cfg := Config{
		ID:                p.ID,
		Authority:         p.Authority,
		QuoteAsset:        custody.Quote,
		SyntheticMint:     SyntheticMint(p.ID),
		Vault:             vault,
		CheckTokenBalance: p.CheckTokenBalance,
	}
	return Restore(cfg, nil, src, ledger, opts...), nil
}

// Restore rebuilds a market from persisted records.
func Restore(cfg Config, positions []Position, src oracle.Source, ledger custody.Ledger, opts ...Option) *Market {
	m := &Market{
		cfg:       cfg,
		positions: make(map[custody.Account]*Position, len(positions)),
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

// Config returns a copy of the market record.
func (m *Market) Config() Config { return m.cfg }

// Position returns the owner's latest position, active or closed.
func (m *Market) Position(owner custody.Account) (Position, bool) {
	p, ok := m.positions[owner]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns every position ordered by owner.
func (m *Market) Positions() []Position {
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// OpenInterest returns the summed size of active positions per side.
func (m *Market) OpenInterest() (long, short uint64) {
	for _, p := range m.positions {
		if !p.IsActive {
			continue
		}
		if p.Direction == Long {
			long += p.Size
		} else {
			short += p.Size
		}
	}
	return long, short
}

// ---------------------------------------------------------------------------
// Open / Close
// ---------------------------------------------------------------------------

// Open moves margin into the vault, mints margin synthetic tokens to the
// owner and records an active position at the current volatility.
func (m *Market) Open(ctx context.Context, owner custody.Account, side Side, margin uint64) (Position, error) {
	if margin == 0 {
		return Position{}, errorsmod.Wrap(errs.ErrInvalidInput, "margin must be positive")
	}
	if side != Long && side != Short {
		return Position{}, errorsmod.Wrapf(errs.ErrInvalidInput, "unknown side %d", side)
	}
	if p, ok := m.positions[owner]; ok && p.IsActive {
		return Position{}, errorsmod.Wrapf(errs.ErrPositionAlreadyExists, "%s already holds a %s position", owner, p.Direction)
	}

	vol, err := m.src.CurrentVolatility()
	if err != nil {
		return Position{}, err
	}

	have, err := m.ledger.Balance(ctx, owner, m.cfg.QuoteAsset)
	if err != nil {
		return Position{}, err
	}
	if have < margin {
		return Position{}, errorsmod.Wrapf(errs.ErrInsufficientBalance, "have %d, margin %d", have, margin)
	}

	err = m.ledger.Execute(ctx, []custody.Instruction{
		custody.Transfer(m.cfg.QuoteAsset, owner, m.cfg.Vault, margin),
		custody.MintTo(m.cfg.SyntheticMint, owner, margin),
	})
	if err != nil {
		return Position{}, err
	}

	p := Position{
		Owner:     owner,
		Direction: side,
		EntryVol:  vol,
		Size:      margin,
		Margin:    margin,
		CreatedAt: m.now().Unix(),
		IsActive:  true,
	}
	m.positions[owner] = &p
	return p, nil
}

// Close settles the owner's active position at the current volatility.
func (m *Market) Close(ctx context.Context, owner custody.Account) (Settlement, error) {
	pos, ok := m.positions[owner]
	if !ok || !pos.IsActive {
		return Settlement{}, errorsmod.Wrapf(errs.ErrNoActivePosition, "%s", owner)
	}

	exit, err := m.src.CurrentVolatility()
	if err != nil {
		return Settlement{}, err
	}
	pnl, err := PnL(pos.Direction, pos.EntryVol, exit, pos.Size)
	if err != nil {
		return Settlement{}, err
	}
	payout, err := Payout(pos.Margin, pnl)
	if err != nil {
		return Settlement{}, err
	}

	// Synthetic tokens are only validated and burned when the market
	// checks token balances; otherwise they stay with the holder.
	var burn uint64
	if m.cfg.CheckTokenBalance {
		held, err := m.ledger.Balance(ctx, owner, m.cfg.SyntheticMint)
		if err != nil {
			return Settlement{}, err
		}
		if held < pos.Size {
			return Settlement{}, errorsmod.Wrapf(errs.ErrInsufficientTokens, "holds %d synthetic tokens, position size %d", held, pos.Size)
		}
		burn = pos.Size
	}

	if payout > 0 {
		vault, err := m.ledger.Balance(ctx, m.cfg.Vault, m.cfg.QuoteAsset)
		if err != nil {
			return Settlement{}, err
		}
		if vault < payout {
			return Settlement{}, errorsmod.Wrapf(errs.ErrInsufficientBalance, "vault holds %d, payout %d", vault, payout)
		}
	}

	err = m.ledger.Execute(ctx, []custody.Instruction{
		custody.Burn(m.cfg.SyntheticMint, owner, burn),
		custody.Transfer(m.cfg.QuoteAsset, m.cfg.Vault, owner, payout),
	})
	if err != nil {
		return Settlement{}, err
	}

	pos.IsActive = false
	return Settlement{
		Position: *pos,
		ExitVol:  exit,
		PnL:      pnl,
		Payout:   payout,
		Burned:   burn,
	}, nil
}

// PnL returns (exit-entry)*size for Long and its negation for Short,
// truncated toward zero.
func PnL(side Side, entry, exit float64, size uint64) (int64, error) {
	delta := exit - entry
	if side == Short {
		delta = -delta
	}
	p := delta * float64(size)
	if math.IsNaN(p) || p >= math.MaxInt64 || p < math.MinInt64 {
		return 0, errorsmod.Wrapf(errs.ErrMathOverflow, "pnl %v * %d", delta, size)
	}
	return int64(p), nil
}

// Payout returns max(0, margin+pnl).
func Payout(margin uint64, pnl int64) (uint64, error) {
	if margin > math.MaxInt64 {
		return 0, errorsmod.Wrapf(errs.ErrMathOverflow, "margin %d", margin)
	}
	m := int64(margin)
	if pnl > 0 && m > math.MaxInt64-pnl {
		return 0, errorsmod.Wrapf(errs.ErrMathOverflow, "margin %d + pnl %d", margin, pnl)
	}
	sum := m + pnl
	if sum <= 0 {
		return 0, nil
	}
	return uint64(sum), nil
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

// SetVault points the market at a different vault account. Only the market
// authority may call it, and only while no position is active.
func (m *Market) SetVault(signer string, vault custody.Account) error {
	if signer != m.cfg.Authority {
		return errorsmod.Wrapf(errs.ErrUnauthorized, "%q is not the authority of %s", signer, m.cfg.ID)
	}
	if vault == "" {
		return errorsmod.Wrap(errs.ErrInvalidVault, "vault is empty")
	}
	if long, short := m.OpenInterest(); long > 0 || short > 0 {
		return errorsmod.Wrapf(errs.ErrInvalidVault, "open interest %d long, %d short still held by %s", long, short, m.cfg.Vault)
	}
	m.cfg.Vault = vault
	return nil
}
