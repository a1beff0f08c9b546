package perps

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/oracle"
)

const (
	alice custody.Account = "alice"
	bob   custody.Account = "bob"
	admin                 = "admin"
)

var openTime = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T, vol float64, check bool) (*Market, *oracle.StaticSource, *custody.MemoryLedger) {
	t.Helper()
	src := oracle.NewStaticSource(vol)
	ledger := custody.NewMemoryLedger()
	m, err := New(Params{ID: "vperp", Authority: admin, CheckTokenBalance: check}, src, ledger,
		WithClock(func() time.Time { return openTime }))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ledger.Credit(ctx, alice, custody.Quote, 5_000_000))
	require.NoError(t, ledger.Credit(ctx, bob, custody.Quote, 5_000_000))
	return m, src, ledger
}

func bal(t *testing.T, l *custody.MemoryLedger, who custody.Account, asset custody.Asset) uint64 {
	t.Helper()
	b, err := l.Balance(context.Background(), who, asset)
	require.NoError(t, err)
	return b
}

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestOpen_RecordsPosition(t *testing.T) {
	m, _, ledger := setup(t, 0.2, true)

	p, err := m.Open(context.Background(), alice, Long, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, Long, p.Direction)
	assert.Equal(t, 0.2, p.EntryVol)
	assert.Equal(t, uint64(1_000_000), p.Size)
	assert.Equal(t, uint64(1_000_000), p.Margin)
	assert.Equal(t, openTime.Unix(), p.CreatedAt)
	assert.True(t, p.IsActive)

	assert.Equal(t, uint64(4_000_000), bal(t, ledger, alice, custody.Quote))
	assert.Equal(t, uint64(1_000_000), bal(t, ledger, m.Config().Vault, custody.Quote))
	assert.Equal(t, uint64(1_000_000), bal(t, ledger, alice, m.Config().SyntheticMint))

	long, short := m.OpenInterest()
	assert.Equal(t, uint64(1_000_000), long)
	assert.Zero(t, short)
}

func TestOpen_Rejections(t *testing.T) {
	m, src, _ := setup(t, 0.2, true)
	ctx := context.Background()

	_, err := m.Open(ctx, alice, Long, 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = m.Open(ctx, alice, Side(7), 10)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = m.Open(ctx, alice, Long, 6_000_000)
	assert.True(t, errors.Is(err, errs.ErrInsufficientBalance))

	_, err = m.Open(ctx, alice, Long, 1_000)
	require.NoError(t, err)
	_, err = m.Open(ctx, alice, Short, 1_000)
	assert.True(t, errors.Is(err, errs.ErrPositionAlreadyExists))

	src.Fail(errs.ErrOracleUnavailable)
	_, err = m.Open(ctx, bob, Short, 1_000)
	assert.True(t, errors.Is(err, errs.ErrOracleUnavailable))
	_, ok := m.Position(bob)
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestClose_NoDriftReturnsMargin(t *testing.T) {
	m, _, ledger := setup(t, 0.20, true)
	ctx := context.Background()

	_, err := m.Open(ctx, alice, Long, 1_000_000)
	require.NoError(t, err)

	s, err := m.Close(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.PnL)
	assert.Equal(t, uint64(1_000_000), s.Payout)
	assert.Equal(t, uint64(1_000_000), s.Burned)
	assert.False(t, s.Position.IsActive)

	assert.Equal(t, uint64(5_000_000), bal(t, ledger, alice, custody.Quote))
	assert.Zero(t, bal(t, ledger, alice, m.Config().SyntheticMint))
	assert.Zero(t, ledger.Supply(m.Config().SyntheticMint))
}

func TestClose_DirectionalPnL(t *testing.T) {
	m, src, _ := setup(t, 0.5, true)
	ctx := context.Background()

	_, err := m.Open(ctx, alice, Long, 1_000_000)
	require.NoError(t, err)
	_, err = m.Open(ctx, bob, Short, 1_000_000)
	require.NoError(t, err)

	src.Set(0.25)
	s, err := m.Close(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(-250_000), s.PnL)
	assert.Equal(t, uint64(750_000), s.Payout)

	s, err = m.Close(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(250_000), s.PnL)
	assert.Equal(t, uint64(1_250_000), s.Payout)
}

func TestClose_LossBeyondMarginClampsToZero(t *testing.T) {
	m, src, ledger := setup(t, 2.0, true)
	ctx := context.Background()

	_, err := m.Open(ctx, alice, Long, 1_000_000)
	require.NoError(t, err)

	src.Set(0.5)
	s, err := m.Close(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(-1_500_000), s.PnL)
	assert.Zero(t, s.Payout)
	assert.Equal(t, uint64(4_000_000), bal(t, ledger, alice, custody.Quote))
	assert.Equal(t, uint64(1_000_000), bal(t, ledger, m.Config().Vault, custody.Quote))
}

func TestClose_TwiceFails(t *testing.T) {
	m, _, ledger := setup(t, 0.2, true)
	ctx := context.Background()

	_, err := m.Close(ctx, alice)
	assert.True(t, errors.Is(err, errs.ErrNoActivePosition))

	_, err = m.Open(ctx, alice, Short, 1_000)
	require.NoError(t, err)
	_, err = m.Close(ctx, alice)
	require.NoError(t, err)

	before := bal(t, ledger, alice, custody.Quote)
	_, err = m.Close(ctx, alice)
	assert.True(t, errors.Is(err, errs.ErrNoActivePosition))
	assert.Equal(t, before, bal(t, ledger, alice, custody.Quote))

	// ---- closed positions can be reopened ----
	_, err = m.Open(ctx, alice, Long, 2_000)
	require.NoError(t, err)
}

func TestClose_TokenBalanceCheck(t *testing.T) {
	ctx := context.Background()

	// ---- strict: a shortfall aborts the close ----
	m, _, ledger := setup(t, 0.2, true)
	_, err := m.Open(ctx, alice, Long, 1_000)
	require.NoError(t, err)
	require.NoError(t, ledger.Execute(ctx, []custody.Instruction{
		custody.Transfer(m.Config().SyntheticMint, alice, bob, 400),
	}))
	_, err = m.Close(ctx, alice)
	assert.True(t, errors.Is(err, errs.ErrInsufficientTokens))
	p, _ := m.Position(alice)
	assert.True(t, p.IsActive)

	// ---- unchecked: nothing is validated or burned ----
	m, _, ledger = setup(t, 0.2, false)
	_, err = m.Open(ctx, alice, Long, 1_000)
	require.NoError(t, err)
	require.NoError(t, ledger.Execute(ctx, []custody.Instruction{
		custody.Transfer(m.Config().SyntheticMint, alice, bob, 400),
	}))
	s, err := m.Close(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, s.Burned)
	assert.Equal(t, uint64(1_000), s.Payout)
	assert.Equal(t, uint64(600), bal(t, ledger, alice, m.Config().SyntheticMint))
	assert.Equal(t, uint64(400), bal(t, ledger, bob, m.Config().SyntheticMint))
	assert.Equal(t, uint64(1_000), ledger.Supply(m.Config().SyntheticMint))

	// ---- unchecked with the full balance still held ----
	m, _, ledger = setup(t, 0.2, false)
	_, err = m.Open(ctx, alice, Long, 1_000)
	require.NoError(t, err)
	s, err = m.Close(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, s.Burned)
	assert.Equal(t, uint64(1_000), bal(t, ledger, alice, m.Config().SyntheticMint))
}

func TestClose_VaultShortfallAborts(t *testing.T) {
	m, src, ledger := setup(t, 0.2, true)
	ctx := context.Background()

	_, err := m.Open(ctx, alice, Long, 1_000_000)
	require.NoError(t, err)

	src.Set(0.4)
	_, err = m.Close(ctx, alice)
	assert.True(t, errors.Is(err, errs.ErrInsufficientBalance))
	p, _ := m.Position(alice)
	assert.True(t, p.IsActive)
	assert.Equal(t, uint64(1_000_000), bal(t, ledger, alice, m.Config().SyntheticMint))
}

// ---------------------------------------------------------------------------
// PnL arithmetic
// ---------------------------------------------------------------------------

func TestPnLTruncatesTowardZero(t *testing.T) {
	p, err := PnL(Long, 0.2, 0.2000015, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p)

	p, err = PnL(Short, 0.2, 0.2000015, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), p)

	_, err = PnL(Long, 0, 1e10, math.MaxUint64)
	assert.True(t, errors.Is(err, errs.ErrMathOverflow))
}

func TestPayout(t *testing.T) {
	v, err := Payout(100, -30)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), v)

	v, err = Payout(100, -250)
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = Payout(math.MaxInt64, 1)
	assert.True(t, errors.Is(err, errs.ErrMathOverflow))
	_, err = Payout(math.MaxUint64, 0)
	assert.True(t, errors.Is(err, errs.ErrMathOverflow))
}

// ---------------------------------------------------------------------------
// Administration and records
// ---------------------------------------------------------------------------

func TestSetVault(t *testing.T) {
	m, _, _ := setup(t, 0.2, true)
	ctx := context.Background()

	assert.True(t, errors.Is(m.SetVault("mallory", "v2"), errs.ErrUnauthorized))
	assert.True(t, errors.Is(m.SetVault(admin, ""), errs.ErrInvalidVault))

	_, err := m.Open(ctx, alice, Long, 1_000)
	require.NoError(t, err)
	assert.True(t, errors.Is(m.SetVault(admin, "v2"), errs.ErrInvalidVault))

	_, err = m.Close(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, m.SetVault(admin, "v2"))
	assert.Equal(t, custody.Account("v2"), m.Config().Vault)
}

func TestRecordsRestoreMarket(t *testing.T) {
	m, src, ledger := setup(t, 0.2, true)
	_, err := m.Open(context.Background(), alice, Short, 1_000)
	require.NoError(t, err)

	rawCfg, err := m.Config().MarshalBinary()
	require.NoError(t, err)
	p, _ := m.Position(alice)
	rawPos, err := p.MarshalBinary()
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, cfg.UnmarshalBinary(rawCfg))
	var pos Position
	require.NoError(t, pos.UnmarshalBinary(rawPos))

	restored := Restore(cfg, []Position{pos}, src, ledger)
	assert.Equal(t, m.Config(), restored.Config())
	assert.Equal(t, m.Positions(), restored.Positions())
}
