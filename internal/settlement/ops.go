package settlement

import (
	"context"

	errorsmod "cosmossdk.io/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/volsettle/internal/bus"
	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/futures"
	"github.com/nexus-trading/volsettle/internal/oracle"
	"github.com/nexus-trading/volsettle/internal/perps"
	"github.com/nexus-trading/volsettle/internal/risk"
	"github.com/nexus-trading/volsettle/internal/store"
	"github.com/nexus-trading/volsettle/internal/variance"
)

// Operation names outside the risk-checked set.
const (
	OpObservePrice   = "observe_price"
	OpLaunchFutures  = "futures_launch"
	OpSetFee         = "futures_set_fee"
	OpOpenPerpMarket = "perp_market_open"
	OpSetVault       = "perp_set_vault"
	OpInitVariance   = "variance_init"
	OpDeposit        = "deposit"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// ---------------------------------------------------------------------------
// Oracle
// ---------------------------------------------------------------------------

// ObservePrice feeds one tick into the volatility estimator.
func (s *Service) ObservePrice(ctx context.Context, signer string, tick oracle.Tick) (oracle.Stats, error) {
	return execute(ctx, s, opInfo{name: OpObservePrice, instrument: "oracle", account: custody.Account(signer)},
		func() (oracle.Stats, outcome, error) {
			st, err := s.oracle.Observe(signer, tick, s.opts.FeedMaxAge)
			if err != nil {
				return st, outcome{}, err
			}
			rec, err := encode(store.KindOracle, "oracle", st)
			if err != nil {
				return st, outcome{}, err
			}
			if s.deps.Risk != nil {
				s.deps.Risk.ObserveVolatility(st.AnnualizedVolatility)
			}
			if s.deps.Metrics != nil {
				s.deps.Metrics.SetVolatility(st.AnnualizedVolatility, st.Count)
			}
			ev := bus.VolatilityUpdated{
				BaseEvent:            s.base(ctx),
				LastPrice:            st.LastPrice,
				Mean:                 st.Mean,
				M2:                   st.M2,
				Count:                st.Count,
				AnnualizedVolatility: dec(st.AnnualizedVolatility),
			}
			return st, outcome{records: []store.Record{rec}, events: []bus.Event{ev}}, nil
		})
}

// Deposit credits quote currency to account. It stands in for an external
// transfer into custody.
func (s *Service) Deposit(ctx context.Context, account custody.Account, amount uint64) (uint64, error) {
	return execute(ctx, s, opInfo{name: OpDeposit, account: account, amount: amount},
		func() (uint64, outcome, error) {
			if account == "" || amount == 0 {
				return 0, outcome{}, errorsmod.Wrap(errs.ErrInvalidInput, "deposit needs an account and a positive amount")
			}
			if err := s.ledger.Credit(ctx, account, custody.Quote, amount); err != nil {
				return 0, outcome{}, err
			}
			bal, _ := s.ledger.Balance(ctx, account, custody.Quote)
			log.Info().Str("account", string(account)).Uint64("amount", amount).Uint64("balance", bal).Msg("deposit credited")
			return bal, outcome{ledger: true}, nil
		})
}

// ---------------------------------------------------------------------------
// Futures
// ---------------------------------------------------------------------------

// LaunchFutures creates a futures instrument.
func (s *Service) LaunchFutures(ctx context.Context, p futures.Params) (futures.Config, error) {
	return execute(ctx, s, opInfo{name: OpLaunchFutures, instrument: p.ID, account: custody.Account(p.Authority)},
		func() (futures.Config, outcome, error) {
			if err := validID("futures", p.ID); err != nil {
				return futures.Config{}, outcome{}, err
			}
			if _, ok := s.futures[p.ID]; ok {
				return futures.Config{}, outcome{}, errorsmod.Wrapf(errs.ErrMarketExists, "futures %s", p.ID)
			}
			m, err := futures.Launch(p, s.oracle, s.ledger, futures.WithClock(s.opts.Clock))
			if err != nil {
				return futures.Config{}, outcome{}, err
			}
			cfg := m.Config()
			rec, err := encode(store.KindFuturesConfig, cfg.ID, cfg)
			if err != nil {
				return cfg, outcome{}, err
			}
			s.futures[cfg.ID] = m
			log.Info().Str("instrument", cfg.ID).Uint16("fee_bps", cfg.FeeBps).Msg("futures instrument launched")
			return cfg, outcome{records: []store.Record{rec}}, nil
		})
}

func (s *Service) futuresMarket(id string) (*futures.Market, error) {
	m, ok := s.futures[id]
	if !ok {
		return nil, errorsmod.Wrapf(errs.ErrMarketNotFound, "futures %s", id)
	}
	return m, nil
}

func (s *Service) futuresRecords(m *futures.Market, pos futures.UserPosition) ([]store.Record, error) {
	cfg := m.Config()
	c, err := encode(store.KindFuturesConfig, cfg.ID, cfg)
	if err != nil {
		return nil, err
	}
	p, err := encode(store.KindFuturesPosition, positionKey(cfg.ID, pos.Owner), pos)
	if err != nil {
		return nil, err
	}
	return []store.Record{c, p}, nil
}

// FuturesMint mints amount claim tokens of instrument id for user.
func (s *Service) FuturesMint(ctx context.Context, id string, user custody.Account, amount uint64) (futures.MintReceipt, error) {
	return execute(ctx, s, opInfo{name: risk.OpFuturesMint, instrument: id, account: user, amount: amount, checked: true},
		func() (futures.MintReceipt, outcome, error) {
			m, err := s.futuresMarket(id)
			if err != nil {
				return futures.MintReceipt{}, outcome{}, err
			}
			r, err := m.Mint(ctx, user, amount)
			if err != nil {
				return r, outcome{}, err
			}
			recs, err := s.futuresRecords(m, r.Position)
			if err != nil {
				return r, outcome{}, err
			}
			ev := bus.FuturesMinted{
				BaseEvent:   s.base(ctx),
				Instrument:  id,
				User:        string(user),
				Amount:      r.Amount,
				Volatility:  dec(r.Volatility),
				VolPoints:   r.VolPoints,
				Required:    r.Required,
				Fee:         r.Fee,
				Total:       r.Total,
				Outstanding: r.Outstanding,
			}
			return r, outcome{records: recs, events: []bus.Event{ev}, ledger: true}, nil
		})
}

// FuturesRedeem burns amount claim tokens of instrument id held by user.
func (s *Service) FuturesRedeem(ctx context.Context, id string, user custody.Account, amount uint64) (futures.RedeemReceipt, error) {
	return execute(ctx, s, opInfo{name: risk.OpFuturesRedeem, instrument: id, account: user, amount: amount, checked: true},
		func() (futures.RedeemReceipt, outcome, error) {
			m, err := s.futuresMarket(id)
			if err != nil {
				return futures.RedeemReceipt{}, outcome{}, err
			}
			r, err := m.Redeem(ctx, user, amount)
			if err != nil {
				return r, outcome{}, err
			}
			recs, err := s.futuresRecords(m, r.Position)
			if err != nil {
				return r, outcome{}, err
			}
			ev := bus.FuturesRedeemed{
				BaseEvent:          s.base(ctx),
				Instrument:         id,
				User:               string(user),
				Amount:             r.Amount,
				EntryVolatility:    dec(r.EntryVolatility),
				ExitVolatility:     dec(r.ExitVolatility),
				Value:              r.Value,
				Fee:                r.Fee,
				Payout:             r.Payout,
				CollateralReleased: r.CollateralReleased,
				Outstanding:        r.Outstanding,
			}
			return r, outcome{records: recs, events: []bus.Event{ev}, ledger: true}, nil
		})
}

// SetFuturesFee changes the fee of instrument id. Only its authority may.
func (s *Service) SetFuturesFee(ctx context.Context, id, signer string, feeBps uint16) (uint16, error) {
	return execute(ctx, s, opInfo{name: OpSetFee, instrument: id, account: custody.Account(signer), amount: uint64(feeBps)},
		func() (uint16, outcome, error) {
			m, err := s.futuresMarket(id)
			if err != nil {
				return 0, outcome{}, err
			}
			old, err := m.SetFee(signer, feeBps)
			if err != nil {
				return old, outcome{}, err
			}
			cfg := m.Config()
			rec, err := encode(store.KindFuturesConfig, cfg.ID, cfg)
			if err != nil {
				return old, outcome{}, err
			}
			ev := bus.FeeUpdated{
				BaseEvent:  s.base(ctx),
				Instrument: id,
				Authority:  signer,
				OldFeeBps:  old,
				NewFeeBps:  feeBps,
			}
			return old, outcome{records: []store.Record{rec}, events: []bus.Event{ev}}, nil
		})
}

// ---------------------------------------------------------------------------
// Perpetuals
// ---------------------------------------------------------------------------

// OpenPerpMarket creates a perpetual market.
func (s *Service) OpenPerpMarket(ctx context.Context, p perps.Params) (perps.Config, error) {
	return execute(ctx, s, opInfo{name: OpOpenPerpMarket, instrument: p.ID, account: custody.Account(p.Authority)},
		func() (perps.Config, outcome, error) {
			if err := validID("perp", p.ID); err != nil {
				return perps.Config{}, outcome{}, err
			}
			if _, ok := s.perps[p.ID]; ok {
				return perps.Config{}, outcome{}, errorsmod.Wrapf(errs.ErrMarketExists, "perp %s", p.ID)
			}
			m, err := perps.New(p, s.oracle, s.ledger, perps.WithClock(s.opts.Clock))
			if err != nil {
				return perps.Config{}, outcome{}, err
			}
			cfg := m.Config()
			rec, err := encode(store.KindPerpConfig, cfg.ID, cfg)
			if err != nil {
				return cfg, outcome{}, err
			}
			s.perps[cfg.ID] = m
			s.trackOpenInterest(m)
			log.Info().Str("market", cfg.ID).Str("vault", string(cfg.Vault)).Msg("perp market opened")
			return cfg, outcome{records: []store.Record{rec}}, nil
		})
}

func (s *Service) perpMarket(id string) (*perps.Market, error) {
	m, ok := s.perps[id]
	if !ok {
		return nil, errorsmod.Wrapf(errs.ErrMarketNotFound, "perp %s", id)
	}
	return m, nil
}

// PerpOpen opens a position of side with margin for owner.
func (s *Service) PerpOpen(ctx context.Context, id string, owner custody.Account, side perps.Side, margin uint64) (perps.Position, error) {
	return execute(ctx, s, opInfo{name: risk.OpPerpOpen, instrument: id, account: owner, amount: margin, checked: true},
		func() (perps.Position, outcome, error) {
			m, err := s.perpMarket(id)
			if err != nil {
				return perps.Position{}, outcome{}, err
			}
			pos, err := m.Open(ctx, owner, side, margin)
			if err != nil {
				return pos, outcome{}, err
			}
			s.trackOpenInterest(m)
			rec, err := encode(store.KindPerpPosition, positionKey(id, owner), pos)
			if err != nil {
				return pos, outcome{}, err
			}
			ev := bus.PositionOpened{
				BaseEvent: s.base(ctx),
				Market:    id,
				Owner:     string(owner),
				Direction: pos.Direction.String(),
				EntryVol:  dec(pos.EntryVol),
				Size:      pos.Size,
				Margin:    pos.Margin,
				CreatedAt: pos.CreatedAt,
			}
			return pos, outcome{records: []store.Record{rec}, events: []bus.Event{ev}, ledger: true}, nil
		})
}

// PerpClose settles owner's active position.
func (s *Service) PerpClose(ctx context.Context, id string, owner custody.Account) (perps.Settlement, error) {
	return execute(ctx, s, opInfo{name: risk.OpPerpClose, instrument: id, account: owner, checked: true},
		func() (perps.Settlement, outcome, error) {
			m, err := s.perpMarket(id)
			if err != nil {
				return perps.Settlement{}, outcome{}, err
			}
			st, err := m.Close(ctx, owner)
			if err != nil {
				return st, outcome{}, err
			}
			s.trackOpenInterest(m)
			rec, err := encode(store.KindPerpPosition, positionKey(id, owner), st.Position)
			if err != nil {
				return st, outcome{}, err
			}
			ev := bus.PositionClosed{
				BaseEvent: s.base(ctx),
				Market:    id,
				Owner:     string(owner),
				Direction: st.Position.Direction.String(),
				EntryVol:  dec(st.Position.EntryVol),
				ExitVol:   dec(st.ExitVol),
				Size:      st.Position.Size,
				Margin:    st.Position.Margin,
				PnL:       st.PnL,
				Payout:    st.Payout,
				Burned:    st.Burned,
			}
			return st, outcome{records: []store.Record{rec}, events: []bus.Event{ev}, ledger: true}, nil
		})
}

// SetPerpVault moves the vault of market id. Only its authority may, and
// only while the market has no open interest.
func (s *Service) SetPerpVault(ctx context.Context, id, signer string, vault custody.Account) (perps.Config, error) {
	return execute(ctx, s, opInfo{name: OpSetVault, instrument: id, account: custody.Account(signer)},
		func() (perps.Config, outcome, error) {
			m, err := s.perpMarket(id)
			if err != nil {
				return perps.Config{}, outcome{}, err
			}
			if err := m.SetVault(signer, vault); err != nil {
				return perps.Config{}, outcome{}, err
			}
			cfg := m.Config()
			rec, err := encode(store.KindPerpConfig, cfg.ID, cfg)
			if err != nil {
				return cfg, outcome{}, err
			}
			log.Info().Str("market", id).Str("vault", string(vault)).Msg("perp vault updated")
			return cfg, outcome{records: []store.Record{rec}}, nil
		})
}

// ---------------------------------------------------------------------------
// Variance swaps
// ---------------------------------------------------------------------------

// InitVarianceMarket opens a variance swap epoch.
func (s *Service) InitVarianceMarket(ctx context.Context, p variance.Params) (variance.State, error) {
	return execute(ctx, s, opInfo{name: OpInitVariance, instrument: formatEpoch(p.Epoch), account: custody.Account(p.Authority)},
		func() (variance.State, outcome, error) {
			if _, ok := s.variance[p.Epoch]; ok {
				return variance.State{}, outcome{}, errorsmod.Wrapf(errs.ErrMarketExists, "variance epoch %d", p.Epoch)
			}
			m, err := variance.Initialize(p, s.oracle, s.ledger, variance.WithClock(s.opts.Clock))
			if err != nil {
				return variance.State{}, outcome{}, err
			}
			st := m.State()
			rec, err := encode(store.KindVarianceMarket, epochKey(st.Epoch), st)
			if err != nil {
				return st, outcome{}, err
			}
			s.variance[st.Epoch] = m
			ev := bus.VarianceMarketInitialized{
				BaseEvent:       s.base(ctx),
				Epoch:           st.Epoch,
				Authority:       st.Authority,
				Strike:          dec(st.Strike),
				StartVolatility: dec(st.StartVolatility),
				CreatedAt:       st.CreatedAt,
			}
			return st, outcome{records: []store.Record{rec}, events: []bus.Event{ev}}, nil
		})
}

func (s *Service) varianceMarket(epoch uint64) (*variance.Market, error) {
	m, ok := s.variance[epoch]
	if !ok {
		return nil, errorsmod.Wrapf(errs.ErrMarketNotFound, "variance epoch %d", epoch)
	}
	return m, nil
}

// VarianceMint deposits amount into epoch on the long or short leg.
func (s *Service) VarianceMint(ctx context.Context, epoch uint64, user custody.Account, amount uint64, isLong bool) (variance.MintReceipt, error) {
	return execute(ctx, s, opInfo{name: risk.OpVarianceMint, instrument: formatEpoch(epoch), account: user, amount: amount, checked: true},
		func() (variance.MintReceipt, outcome, error) {
			m, err := s.varianceMarket(epoch)
			if err != nil {
				return variance.MintReceipt{}, outcome{}, err
			}
			r, err := m.Mint(ctx, user, amount, isLong)
			if err != nil {
				return r, outcome{}, err
			}
			rec, err := encode(store.KindVarianceMarket, epochKey(epoch), m.State())
			if err != nil {
				return r, outcome{}, err
			}
			ev := bus.VarianceMinted{
				BaseEvent:     s.base(ctx),
				Epoch:         epoch,
				User:          string(user),
				Amount:        r.Amount,
				IsLong:        r.IsLong,
				TotalDeposits: r.TotalDeposits,
			}
			return r, outcome{records: []store.Record{rec}, events: []bus.Event{ev}, ledger: true}, nil
		})
}

// VarianceRedeem settles epoch on behalf of user and expires it.
func (s *Service) VarianceRedeem(ctx context.Context, epoch uint64, user custody.Account) (variance.Settlement, error) {
	return execute(ctx, s, opInfo{name: risk.OpVarianceRedeem, instrument: formatEpoch(epoch), account: user, checked: true},
		func() (variance.Settlement, outcome, error) {
			m, err := s.varianceMarket(epoch)
			if err != nil {
				return variance.Settlement{}, outcome{}, err
			}
			st, err := m.Redeem(ctx, user)
			if err != nil {
				return st, outcome{}, err
			}
			rec, err := encode(store.KindVarianceMarket, epochKey(epoch), m.State())
			if err != nil {
				return st, outcome{}, err
			}
			ev := bus.VarianceRedeemed{
				BaseEvent:        s.base(ctx),
				Epoch:            epoch,
				User:             string(user),
				RealizedVariance: st.RealizedVariance,
				Strike:           dec(st.Strike),
				EndVolatility:    dec(st.EndVolatility),
				TotalDeposits:    st.TotalDeposits,
				LongPayout:       st.LongPayout,
				ShortPayout:      st.ShortPayout,
			}
			return st, outcome{records: []store.Record{rec}, events: []bus.Event{ev}, ledger: true}, nil
		})
}
