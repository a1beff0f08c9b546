package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/volsettle/internal/audit"
	"github.com/nexus-trading/volsettle/internal/bus"
	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/errs"
	"github.com/nexus-trading/volsettle/internal/futures"
	"github.com/nexus-trading/volsettle/internal/observability"
	"github.com/nexus-trading/volsettle/internal/oracle"
	"github.com/nexus-trading/volsettle/internal/perps"
	"github.com/nexus-trading/volsettle/internal/risk"
	"github.com/nexus-trading/volsettle/internal/store"
	"github.com/nexus-trading/volsettle/internal/variance"
)

const (
	feeder                = "feeder"
	admin                 = "admin"
	alice custody.Account = "alice"
	bob   custody.Account = "bob"
)

var now = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

type captureSink struct {
	mu     sync.Mutex
	events []bus.Event
	vols   []bus.VolatilityUpdated
}

func (c *captureSink) WriteEvent(_ context.Context, ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) WriteVolatility(_ context.Context, ev bus.VolatilityUpdated) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vols = append(c.vols, ev)
	return nil
}

type harness struct {
	svc      *Service
	store    *store.SQLiteStore
	producer *bus.StubProducer
	trail    *audit.Trail
	risk     *risk.Engine
	metrics  *observability.Metrics
	sink     *captureSink
}

func newHarness(t *testing.T, st *store.SQLiteStore, limits risk.Config) *harness {
	t.Helper()
	if st == nil {
		var err error
		st, err = store.NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
	}
	h := &harness{
		store:    st,
		producer: bus.NewStubProducer(),
		risk:     risk.New(limits),
		metrics:  observability.NewMetrics("volsettle_test"),
		sink:     &captureSink{},
	}
	h.trail = audit.NewTrail(h.producer, 1000)
	h.svc = New(Options{
		InstanceID:      "test",
		OracleAuthority: feeder,
		Clock:           func() time.Time { return now },
	}, Deps{
		Store:    h.store,
		Producer: h.producer,
		Trail:    h.trail,
		Risk:     h.risk,
		Metrics:  h.metrics,
		Sink:     h.sink,
	})
	require.NoError(t, h.svc.Load(context.Background()))
	return h
}

// feed folds prices so the oracle carries a non-zero volatility.
func (h *harness) feed(t *testing.T, prices ...float64) oracle.Stats {
	t.Helper()
	var st oracle.Stats
	for _, p := range prices {
		var err error
		st, err = h.svc.ObservePrice(context.Background(), feeder, oracle.Tick{Price: p, PublishedAt: now})
		require.NoError(t, err)
	}
	return st
}

func (h *harness) fund(t *testing.T, who custody.Account, amount uint64) {
	t.Helper()
	_, err := h.svc.Deposit(context.Background(), who, amount)
	require.NoError(t, err)
}

func (h *harness) quote(t *testing.T, who custody.Account) uint64 {
	t.Helper()
	b, err := h.svc.Balance(context.Background(), who, custody.Quote)
	require.NoError(t, err)
	return b
}

// ---------------------------------------------------------------------------
// Oracle
// ---------------------------------------------------------------------------

func TestObservePrice_PublishesAndPersists(t *testing.T) {
	h := newHarness(t, nil, risk.Config{})
	ctx := context.Background()

	var rec store.Record
	st := h.feed(t, 100, 110, 99)
	assert.Equal(t, uint64(3), st.Count)
	assert.Greater(t, st.AnnualizedVolatility, 0.0)

	msgs := h.producer.Topic(bus.Topics.Volatility())
	assert.Len(t, msgs, 3)
	assert.Len(t, h.sink.vols, 3)
	n, err := testutil.GatherAndCount(h.metrics.Registry(), "volsettle_test_volatility_annualized")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err = h.store.Get(ctx, store.KindOracle, "oracle")
	require.NoError(t, err)
	var saved oracle.Stats
	require.NoError(t, saved.UnmarshalBinary(rec.Data))
	assert.Equal(t, st.Count, saved.Count)
	assert.Equal(t, st.LastPrice, saved.LastPrice)
}

func TestObservePrice_Rejections(t *testing.T) {
	h := newHarness(t, nil, risk.Config{})
	ctx := WithTraceID(context.Background(), "trace-oracle")

	_, err := h.svc.ObservePrice(ctx, "mallory", oracle.Tick{Price: 100, PublishedAt: now})
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))
	_, err = h.svc.ObservePrice(ctx, feeder, oracle.Tick{Price: -1, PublishedAt: now})
	assert.True(t, errors.Is(err, errs.ErrInvalidPriceData))

	assert.Zero(t, h.svc.LastObservation().Count)
	assert.Empty(t, h.producer.Topic(bus.Topics.Volatility()))

	entries := h.trail.Query("trace-oracle")
	require.Len(t, entries, 2)
	assert.Equal(t, audit.EventRejected, entries[0].EventType)
	assert.Equal(t, "unauthorized", entries[0].Decision)
	assert.Equal(t, "invalid price data", entries[1].Decision)
}

func TestObservePrice_StaleFeed(t *testing.T) {
	h := newHarness(t, nil, risk.Config{})
	h.svc.opts.FeedMaxAge = time.Minute

	_, err := h.svc.ObservePrice(context.Background(), feeder, oracle.Tick{Price: 100, PublishedAt: now.Add(-time.Hour)})
	assert.True(t, errors.Is(err, errs.ErrStalePriceFeed))
}

func TestObservePrice_VolatilityBreakerFreezes(t *testing.T) {
	h := newHarness(t, nil, risk.Config{MaxVolatility: 0.5})
	h.feed(t, 100, 110, 99)
	assert.False(t, h.risk.IsActive())
}

// ---------------------------------------------------------------------------
// Futures
// ---------------------------------------------------------------------------

func launchFutures(t *testing.T, h *harness) futures.Config {
	t.Helper()
	cfg, err := h.svc.LaunchFutures(context.Background(), futures.Params{
		ID:             "vol30",
		Name:           "Volatility 30",
		Symbol:         "VOL30",
		Authority:      admin,
		FeeBps:         30,
		FeeDestination: "treasury",
	})
	require.NoError(t, err)
	return cfg
}

func TestFutures_MintRedeem(t *testing.T) {
	h := newHarness(t, nil, risk.Config{})
	ctx := context.Background()
	h.feed(t, 100, 110, 99)
	launchFutures(t, h)
	h.fund(t, alice, 100_000_000)

	r, err := h.svc.FuturesMint(ctx, "vol30", alice, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), r.Outstanding)
	assert.Equal(t, 100_000_000-r.Total, h.quote(t, alice))

	msgs := h.producer.Topic(bus.Topics.Futures("vol30"))
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Key)
	assert.Equal(t, "futures_minted", msgs[0].Headers["event_type"])

	rr, err := h.svc.FuturesRedeem(ctx, "vol30", alice, 10)
	require.NoError(t, err)
	assert.Zero(t, rr.Outstanding)
	assert.Equal(t, 100_000_000-r.Total+rr.Payout, h.quote(t, alice))
	assert.Len(t, h.producer.Topic(bus.Topics.Futures("vol30")), 2)
	assert.Len(t, h.sink.events, 2)

	pos, err := h.svc.FuturesPosition("vol30", alice)
	require.NoError(t, err)
	assert.Zero(t, pos.TokensMinted)
}

func TestFutures_SetFee(t *testing.T) {
	h := newHarness(t, nil, risk.Config{})
	ctx := context.Background()
	h.feed(t, 100, 110, 99)
	launchFutures(t, h)

	old, err := h.svc.SetFuturesFee(ctx, "vol30", admin, 50)
	require.NoError(t, err)
	assert.Equal(t, uint16(30), old)

	_, err = h.svc.SetFuturesFee(ctx, "vol30", "mallory", 10)
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))
	_, err = h.svc.SetFuturesFee(ctx, "vol30", admin, 10_001)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	st := h.svc.Status(ctx)
	require.Len(t, st.Futures, 1)
	assert.Equal(t, uint16(50), st.Futures[0].Config.FeeBps)
}

func TestFutures_UnknownAndDuplicate(t *testing.T) {
	h := newHarness(t, nil, risk.Config{})
	ctx := context.Background()
	h.feed(t, 100, 110, 99)
	launchFutures(t, h)

	_, err := h.svc.LaunchFutures(ctx, futures.Params{ID: "vol30", Authority: admin})
	assert.True(t, errors.Is(err, errs.ErrMarketExists))
	_, err = h.svc.LaunchFutures(ctx, futures.Params{ID: "a/b", Authority: admin})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
	_, err = h.svc.FuturesMint(ctx, "nope", alice, 1)
	assert.True(t, errors.Is(err, errs.ErrMarketNotFound))
}

// ---------------------------------------------------------------------------
// Perpetuals
// ---------------------------------------------------------------------------

func TestPerps_OpenClose(t *testing.T) {
	h := newHarness(t, nil, risk.Config{})
	ctx := context.Background()
	h.feed(t, 100, 110, 99)
	cfg, err := h.svc.OpenPerpMarket(ctx, perps.Params{ID: "main", Authority: admin})
	require.NoError(t, err)
	h.fund(t, alice, 1_000_000)

	pos, err := h.svc.PerpOpen(ctx, "main", alice, perps.Long, 400_000)
	require.NoError(t, err)
	assert.True(t, pos.IsActive)
	assert.Equal(t, uint64(600_000), h.quote(t, alice))

	_, err = h.svc.PerpOpen(ctx, "main", alice, perps.Short, 1)
	assert.True(t, errors.Is(err, errs.ErrPositionAlreadyExists))

	err = func() error { _, err := h.svc.SetPerpVault(ctx, "main", admin, "elsewhere"); return err }()
	assert.True(t, errors.Is(err, errs.ErrInvalidVault))

	st := h.svc.Status(ctx)
	require.Len(t, st.Perps, 1)
	assert.Equal(t, uint64(400_000), st.Perps[0].LongOI)
	assert.Equal(t, 1, st.Perps[0].Active)
	assert.Equal(t, uint64(400_000), st.Perps[0].VaultFunds)

	// volatility unchanged, so the close is flat
	s, err := h.svc.PerpClose(ctx, "main", alice)
	require.NoError(t, err)
	assert.Zero(t, s.PnL)
	assert.Equal(t, uint64(400_000), s.Payout)
	assert.Equal(t, uint64(1_000_000), h.quote(t, alice))

	p, ok, err := h.svc.PerpPosition("main", alice)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, p.IsActive)

	moved, err := h.svc.SetPerpVault(ctx, "main", admin, "elsewhere")
	require.NoError(t, err)
	assert.NotEqual(t, cfg.Vault, moved.Vault)

	assert.Len(t, h.producer.Topic(bus.Topics.Perps("main")), 2)
}

func TestPerps_OpenInterestLimit(t *testing.T) {
	h := newHarness(t, nil, risk.Config{MaxOpenInterest: 500_000})
	ctx := context.Background()
	h.feed(t, 100, 110, 99)
	_, err := h.svc.OpenPerpMarket(ctx, perps.Params{ID: "main", Authority: admin})
	require.NoError(t, err)
	h.fund(t, alice, 1_000_000)
	h.fund(t, bob, 1_000_000)

	_, err = h.svc.PerpOpen(ctx, "main", alice, perps.Long, 400_000)
	require.NoError(t, err)
	_, err = h.svc.PerpOpen(ctx, "main", bob, perps.Short, 200_000)
	assert.True(t, errors.Is(err, errs.ErrRiskRejected))
	assert.Equal(t, uint64(1_000_000), h.quote(t, bob))

	_, err = h.svc.PerpClose(ctx, "main", alice)
	require.NoError(t, err)
	_, err = h.svc.PerpOpen(ctx, "main", bob, perps.Short, 200_000)
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Variance swaps
// ---------------------------------------------------------------------------

func TestVariance_Lifecycle(t *testing.T) {
	h := newHarness(t, nil, risk.Config{})
	ctx := context.Background()
	h.feed(t, 100, 110, 99)
	h.fund(t, alice, 1_000_000)
	h.fund(t, bob, 1_000_000)

	st, err := h.svc.InitVarianceMarket(ctx, variance.Params{Epoch: 3, Strike: 5, Authority: admin})
	require.NoError(t, err)
	assert.Greater(t, st.StartVolatility, 0.0)
	_, err = h.svc.InitVarianceMarket(ctx, variance.Params{Epoch: 3, Strike: 5, Authority: admin})
	assert.True(t, errors.Is(err, errs.ErrMarketExists))

	_, err = h.svc.VarianceMint(ctx, 3, alice, 300_000, true)
	require.NoError(t, err)
	r, err := h.svc.VarianceMint(ctx, 3, bob, 200_000, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), r.TotalDeposits)

	// no new observations: zero realized variance, the short leg takes all
	s, err := h.svc.VarianceRedeem(ctx, 3, bob)
	require.NoError(t, err)
	assert.Zero(t, s.RealizedVariance)
	assert.Zero(t, s.LongPayout)
	assert.Equal(t, uint64(500_000), s.ShortPayout)

	_, err = h.svc.VarianceRedeem(ctx, 3, bob)
	assert.True(t, errors.Is(err, errs.ErrMarketExpired))
	_, err = h.svc.VarianceMint(ctx, 9, alice, 1, true)
	assert.True(t, errors.Is(err, errs.ErrMarketNotFound))

	state, err := h.svc.VarianceState(3)
	require.NoError(t, err)
	assert.True(t, state.IsExpired)
	assert.Len(t, h.producer.Topic(bus.Topics.Variance(3)), 4)
}

// ---------------------------------------------------------------------------
// Risk, audit and downstream failures
// ---------------------------------------------------------------------------

func TestRisk_FreezeAllowsExits(t *testing.T) {
	h := newHarness(t, nil, risk.Config{MaxMintAmount: 100})
	ctx := WithTraceID(context.Background(), "trace-risk")
	h.feed(t, 100, 110, 99)
	launchFutures(t, h)
	h.fund(t, alice, 100_000_000)

	_, err := h.svc.FuturesMint(ctx, "vol30", alice, 101)
	assert.True(t, errors.Is(err, errs.ErrRiskRejected))

	_, err = h.svc.FuturesMint(ctx, "vol30", alice, 10)
	require.NoError(t, err)

	h.risk.Freeze("test")
	_, err = h.svc.FuturesMint(ctx, "vol30", alice, 10)
	assert.True(t, errors.Is(err, errs.ErrRiskRejected))
	_, err = h.svc.FuturesRedeem(ctx, "vol30", alice, 10)
	assert.NoError(t, err)

	var kinds []string
	for _, e := range h.trail.Query("trace-risk") {
		kinds = append(kinds, e.EventType)
	}
	assert.Equal(t, []string{
		audit.EventRiskCheck, audit.EventRejected,
		audit.EventRiskCheck, "futures_minted",
		audit.EventRiskCheck, audit.EventRejected,
		audit.EventRiskCheck, "futures_redeemed",
	}, kinds)
}

func TestCommit_PublishFailureKeepsState(t *testing.T) {
	h := newHarness(t, nil, risk.Config{})
	ctx := context.Background()
	h.feed(t, 100, 110, 99)
	launchFutures(t, h)
	h.fund(t, alice, 100_000_000)

	h.producer.FailWith(errors.New("broker down"))
	r, err := h.svc.FuturesMint(ctx, "vol30", alice, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), r.Outstanding)

	n, err := testutil.GatherAndCount(h.metrics.Registry(), "volsettle_test_persist_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := h.store.Get(ctx, store.KindFuturesPosition, "vol30/alice")
	require.NoError(t, err)
	var pos futures.UserPosition
	require.NoError(t, pos.UnmarshalBinary(rec.Data))
	assert.Equal(t, uint64(10), pos.TokensMinted)
}

// ---------------------------------------------------------------------------
// Restart
// ---------------------------------------------------------------------------

func TestLoad_RestoresEverything(t *testing.T) {
	h := newHarness(t, nil, risk.Config{MaxOpenInterest: 1_000_000})
	ctx := context.Background()
	h.feed(t, 100, 110, 99)
	launchFutures(t, h)
	_, err := h.svc.OpenPerpMarket(ctx, perps.Params{ID: "main", Authority: admin})
	require.NoError(t, err)
	_, err = h.svc.InitVarianceMarket(ctx, variance.Params{Epoch: 1, Strike: 5, Authority: admin})
	require.NoError(t, err)
	h.fund(t, alice, 100_000_000)

	_, err = h.svc.FuturesMint(ctx, "vol30", alice, 10)
	require.NoError(t, err)
	_, err = h.svc.PerpOpen(ctx, "main", alice, perps.Short, 250_000)
	require.NoError(t, err)
	_, err = h.svc.VarianceMint(ctx, 1, alice, 75_000, true)
	require.NoError(t, err)
	before := h.svc.Status(ctx)

	restarted := newHarness(t, h.store, risk.Config{MaxOpenInterest: 1_000_000})
	after := restarted.svc.Status(ctx)
	assert.Equal(t, before, after)
	assert.Equal(t, h.svc.Holdings(), restarted.svc.Holdings())

	// open interest is rebuilt into the risk guard
	_, err = restarted.svc.Deposit(ctx, bob, 1_000_000)
	require.NoError(t, err)
	_, err = restarted.svc.PerpOpen(ctx, "main", bob, perps.Long, 800_000)
	assert.True(t, errors.Is(err, errs.ErrRiskRejected))

	_, err = restarted.svc.PerpClose(ctx, "main", alice)
	require.NoError(t, err)
}

func TestTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc")
	assert.Equal(t, "abc", TraceID(ctx))
	assert.Len(t, TraceID(context.Background()), 16)
}

func TestBootstrap_WaitsForOracle(t *testing.T) {
	h := newHarness(t, nil, risk.Config{})
	ctx := context.Background()
	want := Bootstrap{
		Futures: []futures.Params{{ID: "vol30", Authority: admin, FeeDestination: "treasury"}},
		Perps:   []perps.Params{{ID: "main", Authority: admin}},
	}

	pending, err := h.svc.Bootstrap(ctx, want)
	require.NoError(t, err)
	assert.Len(t, pending.Futures, 1)
	assert.Empty(t, pending.Perps)

	h.feed(t, 100, 110, 99)
	pending, err = h.svc.Bootstrap(ctx, want)
	require.NoError(t, err)
	assert.True(t, pending.Empty())

	st := h.svc.Status(ctx)
	assert.Len(t, st.Futures, 1)
	assert.Len(t, st.Perps, 1)

	_, err = h.svc.Bootstrap(ctx, Bootstrap{Perps: []perps.Params{{ID: "bad/id"}}})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

type brokenStore struct {
	err  error
	puts int
}

func (b *brokenStore) PutBatch(context.Context, []store.Record) error {
	b.puts++
	return nil
}

func (b *brokenStore) List(context.Context, string) ([]store.Record, error) {
	return nil, b.err
}

func TestLoad_FailsWhenStoreUnreadable(t *testing.T) {
	ioErr := errors.New("disk I/O error")
	st := &brokenStore{err: ioErr}
	svc := New(Options{OracleAuthority: feeder, Clock: func() time.Time { return now }}, Deps{Store: st})

	err := svc.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ioErr)
	assert.Contains(t, err.Error(), "list oracle")
	assert.Zero(t, st.puts, "nothing may be written before state is restored")
}
