package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/volsettle/internal/api"
	"github.com/nexus-trading/volsettle/internal/audit"
	"github.com/nexus-trading/volsettle/internal/bus"
	"github.com/nexus-trading/volsettle/internal/clickhouse"
	"github.com/nexus-trading/volsettle/internal/config"
	"github.com/nexus-trading/volsettle/internal/custody"
	"github.com/nexus-trading/volsettle/internal/futures"
	"github.com/nexus-trading/volsettle/internal/logging"
	"github.com/nexus-trading/volsettle/internal/observability"
	"github.com/nexus-trading/volsettle/internal/oracle"
	"github.com/nexus-trading/volsettle/internal/perps"
	"github.com/nexus-trading/volsettle/internal/pricefeed"
	"github.com/nexus-trading/volsettle/internal/risk"
	"github.com/nexus-trading/volsettle/internal/settlement"
	"github.com/nexus-trading/volsettle/internal/store"
)

func main() {
	configPath := flag.String("config", "config/volsettle.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logCloser := logging.Setup("volsettled", cfg.General)
	defer logCloser.Close()

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("feed", cfg.Oracle.Feed.Source).
		Int("futures", len(cfg.Futures)).
		Int("perps", len(cfg.Perps)).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("clickhouse", cfg.ClickHouse.Enabled).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("volsettled exited with error")
		logCloser.Close()
		os.Exit(1)
	}
	log.Info().Msg("volsettled shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	// 1. Durable state.
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// 2. Event bus.
	var producer bus.Producer
	if cfg.Kafka.Enabled {
		kp, err := bus.NewProducer(cfg.Kafka.Brokers, bus.WithClientID(cfg.Kafka.ClientID))
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := kp.Flush(flushCtx); err != nil {
				log.Warn().Err(err).Msg("kafka flush on shutdown")
			}
			kp.Close()
		}()
		producer = kp
	}

	// 3. Analytics sink.
	var (
		sink     settlement.AnalyticsSink
		writer   *clickhouse.BatchWriter
		chClient *clickhouse.Client
	)
	if cfg.ClickHouse.Enabled {
		chClient, err = clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		defer chClient.Close()
		if err := chClient.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
		database := cfg.ClickHouse.Database
		if database == "" {
			database = chClient.Database()
		}
		writer = clickhouse.NewBatchWriter(chClient, database, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval)
		defer writer.Close()
		sink = writer
	}

	// 4. Risk, audit and metrics.
	engine := risk.New(risk.Config{
		MaxMintAmount:      cfg.Risk.MaxMintAmount,
		MaxPerpMargin:      cfg.Risk.MaxMargin,
		MaxVarianceDeposit: cfg.Risk.MaxVarianceDeposit,
		MaxOpenInterest:    cfg.Risk.MaxOpenInterest,
		MaxVolatility:      cfg.Risk.MaxVolatility,
	})
	trail := audit.NewTrail(producer, 10_000)
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}

	// 5. Settlement service, restored from the store.
	svc := settlement.New(settlement.Options{
		InstanceID:      cfg.General.InstanceID,
		OracleAuthority: cfg.Oracle.Authority,
		FeedMaxAge:      cfg.Oracle.FeedMaxAge,
		ReadMaxAge:      cfg.Oracle.ReadMaxAge,
	}, settlement.Deps{
		Store:    st,
		Producer: producer,
		Trail:    trail,
		Risk:     engine,
		Metrics:  metrics,
		Sink:     sink,
	})
	if err := svc.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	boot := &bootstrapper{svc: svc}
	if err := boot.start(ctx, marketsFrom(cfg)); err != nil {
		return fmt.Errorf("bootstrap markets: %w", err)
	}

	// 6. Health.
	health := observability.NewHealthMonitor(cfg.Metrics.HealthInterval)
	health.Register("store", observability.PingCheck(st.Ping))
	if chClient != nil {
		health.Register("clickhouse", observability.PingCheck(chClient.Ping))
	}
	if cfg.Oracle.Feed.Source != "none" {
		maxAge := cfg.Oracle.ReadMaxAge
		if maxAge == 0 {
			maxAge = 5 * cfg.Oracle.FeedMaxAge
		}
		health.Register("oracle", observability.FreshnessCheck(func() time.Time {
			return svc.LastObservation().UpdatedAt
		}, maxAge))
	}

	g, gctx := errgroup.WithContext(ctx)

	// 7. Price feed.
	sink2oracle := pricefeed.SinkFunc(func(ctx context.Context, tick oracle.Tick) error {
		if _, err := svc.ObservePrice(ctx, cfg.Oracle.Authority, tick); err != nil {
			return err
		}
		boot.retry(ctx)
		return nil
	})
	switch cfg.Oracle.Feed.Source {
	case "websocket":
		ws := pricefeed.NewWSClient(pricefeed.WSConfig{
			URL:             cfg.Oracle.Feed.WSURL,
			Symbol:          cfg.Oracle.Feed.Symbol,
			RateLimitPerSec: cfg.Oracle.Feed.RateLimitPerSec,
			Burst:           cfg.Oracle.Feed.Burst,
		}, sink2oracle)
		g.Go(func() error { return ws.Run(gctx) })
	case "kafka":
		consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID,
			[]string{bus.Topics.Prices(cfg.Oracle.Feed.Symbol)})
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		defer consumer.Close()
		src := pricefeed.NewKafkaSource(consumer, cfg.Oracle.Feed.Symbol, sink2oracle,
			cfg.Oracle.Feed.RateLimitPerSec, cfg.Oracle.Feed.Burst)
		g.Go(func() error { return src.Run(gctx) })
	}

	// 8. Background workers.
	if writer != nil {
		g.Go(func() error { return writer.Run(gctx) })
	}
	g.Go(func() error { return health.Run(gctx) })

	// 9. HTTP API, control plane, health and metrics.
	srv := &api.Server{
		Service:           svc,
		Risk:              engine,
		Health:            health,
		VarianceAuthority: cfg.Variance.Authority,
		DefaultStrike:     cfg.Variance.DefaultStrike,
	}
	if metrics != nil {
		srv.Metrics = metrics.Handler()
	}
	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info().Msg("volsettled running")
	return g.Wait()
}

// marketsFrom converts the configured markets into bootstrap parameters.
func marketsFrom(cfg *config.Config) settlement.Bootstrap {
	var b settlement.Bootstrap
	for _, f := range cfg.Futures {
		b.Futures = append(b.Futures, futures.Params{
			ID:               f.ID,
			Name:             f.Name,
			Symbol:           f.Symbol,
			Authority:        f.Authority,
			FeeBps:           f.FeeBps,
			PricePerVolPoint: f.PricePerVolPoint,
			FeeDestination:   custody.Account(f.FeeDestination),
		})
	}
	for _, p := range cfg.Perps {
		b.Perps = append(b.Perps, perps.Params{
			ID:                p.ID,
			Authority:         p.Authority,
			Vault:             custody.Account(p.Vault),
			CheckTokenBalance: p.CheckTokenBalance,
		})
	}
	return b
}

// bootstrapper retries configured markets that need an oracle reading.
type bootstrapper struct {
	svc *settlement.Service

	mu      sync.Mutex
	pending settlement.Bootstrap
}

func (b *bootstrapper) start(ctx context.Context, want settlement.Bootstrap) error {
	pending, err := b.svc.Bootstrap(ctx, want)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.pending = pending
	b.mu.Unlock()
	return nil
}

func (b *bootstrapper) retry(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending.Empty() {
		return
	}
	pending, err := b.svc.Bootstrap(ctx, b.pending)
	if err != nil {
		log.Error().Err(err).Msg("bootstrap retry failed")
		return
	}
	b.pending = pending
}
