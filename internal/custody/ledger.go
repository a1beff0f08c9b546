// Package custody models the collateral and token ledger that settlement
// operations move value through. Markets describe their side effects as a
// batch of instructions; a Ledger applies a batch entirely or not at all.
package custody

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errorsmod "cosmossdk.io/errors"

	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/fixedpoint"
	"github.com/nexus-trading/volsettle/internal/record"
)

// Asset identifies a fungible asset: the quote currency or a claim-token mint.
type Asset string

// Account identifies a balance holder: a user, a collateral pool, a vault,
// a fee sink.
type Account string

// Quote is the single quote currency all collateral is denominated in.
const Quote Asset = "USDC"

// Op is the kind of a ledger instruction.
type Op uint8

const (
	OpTransfer Op = iota + 1
	OpMint
	OpBurn
)

func (o Op) String() string {
	switch o {
	case OpTransfer:
		return "transfer"
	case OpMint:
		return "mint"
	case OpBurn:
		return "burn"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Instruction is one custody effect.
type Instruction struct {
	Op     Op
	Asset  Asset
	From   Account // transfer source, burn holder
	To     Account // transfer destination, mint recipient
	Amount uint64
}

// Transfer moves amount of asset from one holder to another.
func Transfer(asset Asset, from, to Account, amount uint64) Instruction {
	return Instruction{Op: OpTransfer, Asset: asset, From: from, To: to, Amount: amount}
}

// MintTo creates amount of asset in the recipient's balance.
func MintTo(asset Asset, to Account, amount uint64) Instruction {
	return Instruction{Op: OpMint, Asset: asset, To: to, Amount: amount}
}

// Burn destroys amount of asset held by holder.
func Burn(asset Asset, holder Account, amount uint64) Instruction {
	return Instruction{Op: OpBurn, Asset: asset, From: holder, Amount: amount}
}

// Ledger is the custody boundary used by the markets.
type Ledger interface {
	// Balance returns the amount of asset held by holder.
	Balance(ctx context.Context, holder Account, asset Asset) (uint64, error)
	// Execute applies every instruction or none of them.
	Execute(ctx context.Context, batch []Instruction) error
}

// ---------------------------------------------------------------------------
// MemoryLedger
// ---------------------------------------------------------------------------

type balanceKey struct {
	holder Account
	asset  Asset
}

// MemoryLedger is an in-process Ledger. A batch is validated against a
// scratch overlay and committed only if every instruction succeeds.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[balanceKey]uint64
	supply   map[Asset]uint64
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[balanceKey]uint64),
		supply:   make(map[Asset]uint64),
	}
}

// Balance implements Ledger.
func (l *MemoryLedger) Balance(_ context.Context, holder Account, asset Asset) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[balanceKey{holder, asset}], nil
}

// Supply returns the outstanding amount of asset.
func (l *MemoryLedger) Supply(asset Asset) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply[asset]
}

// Credit mints amount of asset to holder outside of any market operation.
// It is the administrative funding path.
func (l *MemoryLedger) Credit(ctx context.Context, holder Account, asset Asset, amount uint64) error {
	return l.Execute(ctx, []Instruction{MintTo(asset, holder, amount)})
}

// Execute implements Ledger.
func (l *MemoryLedger) Execute(ctx context.Context, batch []Instruction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := make(map[balanceKey]uint64)
	sup := make(map[Asset]uint64)
	getBal := func(k balanceKey) uint64 {
		if v, ok := bal[k]; ok {
			return v
		}
		return l.balances[k]
	}
	getSup := func(a Asset) uint64 {
		if v, ok := sup[a]; ok {
			return v
		}
		return l.supply[a]
	}

	for i, in := range batch {
		if in.Amount == 0 {
			continue
		}
		switch in.Op {
		case OpTransfer:
			from := balanceKey{in.From, in.Asset}
			to := balanceKey{in.To, in.Asset}
			have := getBal(from)
			if have < in.Amount {
				return errorsmod.Wrapf(errs.ErrInsufficientBalance,
					"instruction %d: %s holds %d %s, transfer needs %d", i, in.From, have, in.Asset, in.Amount)
			}
			bal[from] = have - in.Amount
			next, err := fixedpoint.Add(getBal(to), in.Amount)
			if err != nil {
				return errorsmod.Wrapf(err, "instruction %d", i)
			}
			bal[to] = next
		case OpMint:
			to := balanceKey{in.To, in.Asset}
			s, err := fixedpoint.Add(getSup(in.Asset), in.Amount)
			if err != nil {
				return errorsmod.Wrapf(err, "instruction %d: supply of %s", i, in.Asset)
			}
			b, err := fixedpoint.Add(getBal(to), in.Amount)
			if err != nil {
				return errorsmod.Wrapf(err, "instruction %d", i)
			}
			sup[in.Asset] = s
			bal[to] = b
		case OpBurn:
			from := balanceKey{in.From, in.Asset}
			have := getBal(from)
			if have < in.Amount {
				return errorsmod.Wrapf(errs.ErrInsufficientTokens,
					"instruction %d: %s holds %d %s, burn needs %d", i, in.From, have, in.Asset, in.Amount)
			}
			bal[from] = have - in.Amount
			sup[in.Asset] = getSup(in.Asset) - in.Amount
		default:
			return errorsmod.Wrapf(errs.ErrInvalidInput, "instruction %d: unknown op %d", i, in.Op)
		}
	}

	for k, v := range bal {
		if v == 0 {
			delete(l.balances, k)
			continue
		}
		l.balances[k] = v
	}
	for a, v := range sup {
		l.supply[a] = v
	}
	return nil
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// Holding is one non-zero balance.
type Holding struct {
	Holder Account
	Asset  Asset
	Amount uint64
}

// Holdings returns every non-zero balance ordered by holder then asset.
func (l *MemoryLedger) Holdings() []Holding {
	l.mu.RLock()
	out := make([]Holding, 0, len(l.balances))
	for k, v := range l.balances {
		out = append(out, Holding{Holder: k.holder, Asset: k.asset, Amount: v})
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Holder != out[j].Holder {
			return out[i].Holder < out[j].Holder
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

const ledgerSchemaVersion = 1

// MarshalBinary encodes every balance; supply is derived on restore.
func (l *MemoryLedger) MarshalBinary() ([]byte, error) {
	hs := l.Holdings()
	e := record.NewEncoder(record.KindLedger, ledgerSchemaVersion, 8+len(hs)*32)
	e.Uint64(uint64(len(hs)))
	for _, h := range hs {
		e.String(string(h.Holder))
		e.String(string(h.Asset))
		e.Uint64(h.Amount)
	}
	return e.Bytes(), nil
}

// UnmarshalBinary replaces the ledger contents with the encoded balances.
func (l *MemoryLedger) UnmarshalBinary(raw []byte) error {
	d := record.NewDecoder(raw, record.KindLedger, ledgerSchemaVersion)
	n := d.Uint64()
	balances := make(map[balanceKey]uint64)
	supply := make(map[Asset]uint64)
	for i := uint64(0); i < n && !d.Failed(); i++ {
		k := balanceKey{holder: Account(d.String()), asset: Asset(d.String())}
		amt := d.Uint64()
		s, err := fixedpoint.Add(supply[k.asset], amt)
		if err != nil {
			return err
		}
		balances[k] = amt
		supply[k.asset] = s
	}
	if err := d.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.balances = balances
	l.supply = supply
	l.mu.Unlock()
	return nil
}
