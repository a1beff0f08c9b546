package futures

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/oracle"
)

const (
	alice    custody.Account = "alice"
	feeSink  custody.Account = "treasury"
	testAuth                 = "admin"
)

var mintTime = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func defaultParams() Params {
	return Params{
		ID:             "vix30",
		Name:           "Volatility 30",
		Symbol:         "VOL30",
		Authority:      testAuth,
		FeeBps:         30,
		FeeDestination: feeSink,
	}
}

func setup(t *testing.T, vol float64) (*Market, *oracle.StaticSource, *custody.MemoryLedger) {
	t.Helper()
	src := oracle.NewStaticSource(vol)
	ledger := custody.NewMemoryLedger()
	m, err := Launch(defaultParams(), src, ledger, WithClock(func() time.Time { return mintTime }))
	require.NoError(t, err)
	require.NoError(t, ledger.Credit(context.Background(), alice, custody.Quote, 10_000_000))
	return m, src, ledger
}

func bal(t *testing.T, l *custody.MemoryLedger, who custody.Account, asset custody.Asset) uint64 {
	t.Helper()
	b, err := l.Balance(context.Background(), who, asset)
	require.NoError(t, err)
	return b
}

// ---------------------------------------------------------------------------
// Launch
// ---------------------------------------------------------------------------

func TestLaunch_Defaults(t *testing.T) {
	m, _, _ := setup(t, 0.2)
	cfg := m.Config()
	assert.Equal(t, uint64(DefaultPricePerVolPoint), cfg.PricePerVolPoint)
	assert.Equal(t, custody.Asset("fut:vix30"), cfg.TokenMint)
	assert.Equal(t, custody.Account("futures/vix30/pool"), cfg.CollateralPool)
	assert.Equal(t, "VOL30", cfg.Symbol)
	assert.Zero(t, cfg.TotalOutstanding)
}

func TestLaunch_Rejections(t *testing.T) {
	ledger := custody.NewMemoryLedger()

	p := defaultParams()
	p.FeeBps = 10_001
	_, err := Launch(p, oracle.NewStaticSource(0.2), ledger)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = Launch(defaultParams(), oracle.NewStaticSource(0), ledger)
	assert.True(t, errors.Is(err, errs.ErrOracleUnavailable))

	src := oracle.NewStaticSource(0.2)
	src.Fail(errs.ErrOracleStale)
	_, err = Launch(defaultParams(), src, ledger)
	assert.True(t, errors.Is(err, errs.ErrOracleStale))
}

// ---------------------------------------------------------------------------
// Mint
// ---------------------------------------------------------------------------

func TestMint_PricesAtCurrentVolatility(t *testing.T) {
	m, _, ledger := setup(t, 0.2)

	r, err := m.Mint(context.Background(), alice, 10)
	require.NoError(t, err)

	// 10 * 200 points * 100_000 / 1000
	assert.Equal(t, uint64(200), r.VolPoints)
	assert.Equal(t, uint64(200_000), r.Required)
	assert.Equal(t, uint64(600), r.Fee)
	assert.Equal(t, uint64(200_600), r.Total)

	assert.Equal(t, uint64(10_000_000-200_600), bal(t, ledger, alice, custody.Quote))
	assert.Equal(t, uint64(200_000), bal(t, ledger, m.Config().CollateralPool, custody.Quote))
	assert.Equal(t, uint64(600), bal(t, ledger, feeSink, custody.Quote))
	assert.Equal(t, uint64(10), bal(t, ledger, alice, m.Config().TokenMint))

	pos, ok := m.Position(alice)
	require.True(t, ok)
	assert.Equal(t, 0.2, pos.EntryVolatility)
	assert.Equal(t, uint64(10), pos.TokensMinted)
	assert.Equal(t, uint64(200_000), pos.USDCCollateral)
	assert.Equal(t, mintTime.Unix(), pos.MintTimestamp)
	assert.Equal(t, uint64(10), m.Config().TotalOutstanding)
}

func TestMint_TopUpOverwritesEntryVolatility(t *testing.T) {
	m, src, _ := setup(t, 0.2)
	ctx := context.Background()

	_, err := m.Mint(ctx, alice, 10)
	require.NoError(t, err)
	src.Set(0.3)
	_, err = m.Mint(ctx, alice, 5)
	require.NoError(t, err)

	pos, _ := m.Position(alice)
	assert.Equal(t, 0.3, pos.EntryVolatility)
	assert.Equal(t, uint64(15), pos.TokensMinted)
	// 200_000 + 5 * 300 * 100_000 / 1000
	assert.Equal(t, uint64(350_000), pos.USDCCollateral)
}

func TestMint_Rejections(t *testing.T) {
	m, src, ledger := setup(t, 0.2)
	ctx := context.Background()

	_, err := m.Mint(ctx, alice, 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	// ---- insufficient quote balance leaves everything untouched ----
	_, err = m.Mint(ctx, "bob", 1)
	assert.True(t, errors.Is(err, errs.ErrInsufficientBalance))
	_, ok := m.Position("bob")
	assert.False(t, ok)
	assert.Zero(t, ledger.Supply(m.Config().TokenMint))

	// ---- overflow in the price computation ----
	_, err = m.Mint(ctx, alice, 1<<62)
	assert.True(t, errors.Is(err, errs.ErrMathOverflow))

	// ---- oracle failure propagates ----
	src.Fail(errs.ErrOracleUnavailable)
	_, err = m.Mint(ctx, alice, 1)
	assert.True(t, errors.Is(err, errs.ErrOracleUnavailable))
	assert.Zero(t, m.Config().TotalOutstanding)
}

func TestPricing_OverflowAtSecondMultiply(t *testing.T) {
	m, src, ledger := setup(t, 0.2)
	ctx := context.Background()
	require.NoError(t, ledger.Credit(ctx, alice, custody.Quote, 20_000_000_000_000_000))

	// 1e12 * 200 fits in 64 bits; * 100_000 does not, although the
	// quotient after /1000 would.
	_, err := m.Mint(ctx, alice, 1_000_000_000_000)
	assert.True(t, errors.Is(err, errs.ErrMathOverflow))
	assert.Zero(t, m.Config().TotalOutstanding)

	// 8e11 * 200 * 100_000 = 1.6e19 still fits.
	_, err = m.Mint(ctx, alice, 800_000_000_000)
	require.NoError(t, err)

	// 100_000 * 8e11 fits; * 300 points of drift does not.
	src.Set(0.5)
	_, err = m.Redeem(ctx, alice, 800_000_000_000)
	assert.True(t, errors.Is(err, errs.ErrMathOverflow))

	pos, _ := m.Position(alice)
	assert.Equal(t, uint64(800_000_000_000), pos.TokensMinted)
	assert.Equal(t, uint64(800_000_000_000), m.Config().TotalOutstanding)
}

// ---------------------------------------------------------------------------
// Redeem
// ---------------------------------------------------------------------------

func TestRedeem_UnchangedVolatilityRoundTrip(t *testing.T) {
	m, _, ledger := setup(t, 0.2)
	ctx := context.Background()

	mint, err := m.Mint(ctx, alice, 10)
	require.NoError(t, err)

	r, err := m.Redeem(ctx, alice, 10)
	require.NoError(t, err)
	assert.Equal(t, mint.Required, r.Value)
	assert.Equal(t, mint.Required-mint.Fee, r.Payout)
	assert.Equal(t, uint64(200_000), r.CollateralReleased)

	pos, _ := m.Position(alice)
	assert.Zero(t, pos.TokensMinted)
	assert.Zero(t, pos.USDCCollateral)
	assert.Zero(t, m.Config().TotalOutstanding)
	assert.Zero(t, bal(t, ledger, alice, m.Config().TokenMint))
	assert.Zero(t, bal(t, ledger, m.Config().CollateralPool, custody.Quote))
	assert.Equal(t, uint64(1_200), bal(t, ledger, feeSink, custody.Quote))
}

func TestRedeem_ProfitWhenVolatilityRises(t *testing.T) {
	m, src, ledger := setup(t, 0.2)
	ctx := context.Background()

	_, err := m.Mint(ctx, alice, 10)
	require.NoError(t, err)
	require.NoError(t, ledger.Credit(ctx, m.Config().CollateralPool, custody.Quote, 1_000_000))

	src.Set(0.25)
	r, err := m.Redeem(ctx, alice, 10)
	require.NoError(t, err)
	// base 200_000 + 100_000 * 10 * 50 / 1000
	assert.Equal(t, uint64(250_000), r.Value)
	assert.Equal(t, uint64(750), r.Fee)
	assert.Equal(t, uint64(249_250), r.Payout)
}

func TestRedeem_LossFloorsAtOneUnit(t *testing.T) {
	m, src, _ := setup(t, 0.2)
	ctx := context.Background()

	_, err := m.Mint(ctx, alice, 10)
	require.NoError(t, err)

	src.Set(0.15)
	r, err := m.Redeem(ctx, alice, 5)
	require.NoError(t, err)
	// base 100_000 - 100_000 * 5 * 50 / 1000
	assert.Equal(t, uint64(75_000), r.Value)

	src.Set(0.0001)
	r, err = m.Redeem(ctx, alice, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Value)
	assert.Equal(t, uint64(0), r.Fee)
	assert.Equal(t, uint64(1), r.Payout)
}

func TestRedeem_ProportionalCollateral(t *testing.T) {
	m, _, _ := setup(t, 0.2)
	ctx := context.Background()

	_, err := m.Mint(ctx, alice, 10)
	require.NoError(t, err)

	r, err := m.Redeem(ctx, alice, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(80_000), r.CollateralReleased)
	assert.Equal(t, uint64(120_000), r.Position.USDCCollateral)
	assert.Equal(t, uint64(6), r.Position.TokensMinted)
	assert.Equal(t, uint64(6), m.Config().TotalOutstanding)
}

func TestRedeem_Rejections(t *testing.T) {
	m, src, ledger := setup(t, 0.2)
	ctx := context.Background()

	_, err := m.Redeem(ctx, alice, 1)
	assert.True(t, errors.Is(err, errs.ErrInsufficientTokens), "no position")

	_, err = m.Mint(ctx, alice, 10)
	require.NoError(t, err)

	_, err = m.Redeem(ctx, alice, 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = m.Redeem(ctx, alice, 11)
	assert.True(t, errors.Is(err, errs.ErrInsufficientTokens))

	// ---- tokens moved away: held balance below request ----
	require.NoError(t, ledger.Execute(ctx, []custody.Instruction{
		custody.Transfer(m.Config().TokenMint, alice, "carol", 3),
	}))
	_, err = m.Redeem(ctx, alice, 8)
	assert.True(t, errors.Is(err, errs.ErrInsufficientTokens))

	// ---- pool cannot cover a profitable payout ----
	src.Set(0.5)
	_, err = m.Redeem(ctx, alice, 7)
	assert.True(t, errors.Is(err, errs.ErrInsufficientBalance))

	pos, _ := m.Position(alice)
	assert.Equal(t, uint64(10), pos.TokensMinted)
	assert.Equal(t, uint64(7), bal(t, ledger, alice, m.Config().TokenMint))
	assert.Equal(t, uint64(10), m.Config().TotalOutstanding)
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

func TestSetFee(t *testing.T) {
	m, _, _ := setup(t, 0.2)

	_, err := m.SetFee("mallory", 50)
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))

	_, err = m.SetFee(testAuth, 10_001)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	old, err := m.SetFee(testAuth, 10_000)
	require.NoError(t, err)
	assert.Equal(t, uint16(30), old)
	assert.Equal(t, uint16(10_000), m.Config().FeeBps)
}

func TestFeeNeverExceedsValue(t *testing.T) {
	m, _, _ := setup(t, 0.2)
	ctx := context.Background()

	_, err := m.SetFee(testAuth, 10_000)
	require.NoError(t, err)
	_, err = m.Mint(ctx, alice, 10)
	require.NoError(t, err)

	r, err := m.Redeem(ctx, alice, 10)
	require.NoError(t, err)
	assert.Equal(t, r.Value, r.Fee)
	assert.Zero(t, r.Payout)
}

func TestRecordsRestoreMarket(t *testing.T) {
	m, src, ledger := setup(t, 0.2)
	_, err := m.Mint(context.Background(), alice, 10)
	require.NoError(t, err)

	rawCfg, err := m.Config().MarshalBinary()
	require.NoError(t, err)
	pos, _ := m.Position(alice)
	rawPos, err := pos.MarshalBinary()
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, cfg.UnmarshalBinary(rawCfg))
	var p UserPosition
	require.NoError(t, p.UnmarshalBinary(rawPos))

	restored := Restore(cfg, []UserPosition{p}, src, ledger)
	assert.Equal(t, m.Config(), restored.Config())
	assert.Equal(t, m.Positions(), restored.Positions())
}
