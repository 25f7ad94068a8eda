package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/chains/evm"
	"github.com/defistate/defistate-aggregator-go/chains/mock"
	"github.com/defistate/defistate-aggregator-go/cmd/server/config"
	"github.com/defistate/defistate-aggregator-go/controller"
	"github.com/defistate/defistate-aggregator-go/discovery"
	"github.com/defistate/defistate-aggregator-go/multicall"
	"github.com/defistate/defistate-aggregator-go/registry/store"
	"github.com/defistate/defistate-aggregator-go/rest"
	"github.com/defistate/defistate-aggregator-go/scheduler"
	"github.com/defistate/defistate-aggregator-go/snapshot"
	"github.com/defistate/defistate-aggregator-go/statecache"
	"github.com/defistate/defistate-aggregator-go/tokens"
)

const shutdownGrace = 10 * time.Second

func main() {
	rootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	fail := func() {
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		rootLogger.Error("Failed to load configuration", "error", err)
		fail()
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Create a context that cancels when the OS sends an interrupt (Ctrl+C) or termination signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapters, closeAdapters, err := buildAdapters(ctx, cfg, rootLogger)
	if err != nil {
		rootLogger.Error("Failed to initialize chain adapters", "error", err)
		fail()
	}
	defer closeAdapters()
	if len(adapters) == 0 {
		rootLogger.Error("No chains configured")
		fail()
	}

	st, err := store.New(cfg.DataDir, rootLogger.With("component", "store"))
	if err != nil {
		rootLogger.Error("Failed to open registry storage", "data_dir", cfg.DataDir, "error", err)
		fail()
	}

	intervals := controller.Intervals{
		High:   cfg.TierHighInterval,
		Normal: cfg.TierNormalInterval,
		Low:    cfg.TierLowInterval,
	}
	ctrl := controller.New(intervals, rootLogger.With("component", "controller"), metrics)
	cache := statecache.New(metrics)
	engine := multicall.NewEngine(cfg.MaxBatchWeight, cfg.MulticallTimeout, rootLogger.With("component", "multicall"))

	chainIDs := make([]uint64, 0, len(adapters))
	for _, a := range adapters {
		chainIDs = append(chainIDs, a.ChainID())
	}
	catalog := tokens.NewCatalog(rootLogger.With("component", "tokens"), chainIDs...)
	if !cfg.MockChains {
		refreshTokenLists(ctx, cfg, catalog, chainIDs, rootLogger)
	}

	resumeTracking(adapters, st, ctrl, rootLogger)

	disc := discovery.New(adapters, st, ctrl, rootLogger.With("component", "discovery"), metrics,
		discovery.WithRetryWindow(cfg.DiscoveryRetryWindow))
	sched := scheduler.New(adapters, ctrl, engine, st, cache, rootLogger.With("component", "scheduler"), metrics,
		scheduler.WithPeriod(cfg.SchedulerPeriod))
	sched.Start(ctx)

	svc := snapshot.New(adapters, catalog, st, cache, ctrl, disc, rootLogger.With("component", "snapshot"), metrics,
		snapshot.WithEntryTTL(cfg.CacheTTL))

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: rest.NewHandler(svc, rootLogger.With("component", "rest"), metrics),
	}
	go func() {
		rootLogger.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLogger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	rootLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		rootLogger.Warn("HTTP shutdown incomplete", "error", err)
	}

	// Discovery jobs are cancelled; scheduler ticks drain up to the grace window.
	svc.Shutdown()
	drained := make(chan struct{})
	go func() {
		sched.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		rootLogger.Warn("Scheduler did not drain within grace window")
	}
	rootLogger.Info("Shutdown complete")
}

// buildAdapters dials the configured chains, or builds in-memory mock chains
// when MOCK_CHAINS is set.
func buildAdapters(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]chains.Adapter, func(), error) {
	if cfg.MockChains {
		logger.Warn("Running with mock chains; all snapshots will be synthetic")
		return []chains.Adapter{
			mock.New("ethereum", tokens.EthereumChainID, logger.With("component", "mock-ethereum")),
			mock.New("polygon", tokens.PolygonChainID, logger.With("component", "mock-polygon")),
		}, func() {}, nil
	}

	var (
		adapters []chains.Adapter
		closers  []func()
	)
	dial := func(spec evm.Spec, urls []string) error {
		if len(urls) == 0 {
			return nil
		}
		adapter, err := evm.Dial(ctx, spec, urls, logger.With("component", "evm-"+spec.Name))
		if err != nil {
			return err
		}
		adapters = append(adapters, adapter)
		closers = append(closers, adapter.Close)
		return nil
	}

	if err := dial(evm.EthereumSpec(), cfg.EthereumRPCURLs); err != nil {
		return nil, func() {}, err
	}
	if err := dial(evm.PolygonSpec(), cfg.PolygonRPCURLs); err != nil {
		for _, c := range closers {
			c()
		}
		return nil, func() {}, err
	}

	return adapters, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// refreshTokenLists pulls the dynamic token lists once at startup. Failures
// are logged and the static lists keep serving.
func refreshTokenLists(ctx context.Context, cfg *config.Config, catalog *tokens.Catalog, chainIDs []uint64, logger *slog.Logger) {
	sources := map[uint64]string{
		tokens.EthereumChainID: tokens.TrustWalletEthereumListURL,
		tokens.PolygonChainID:  tokens.PolygonListURL,
	}
	for _, chainID := range chainIDs {
		url, ok := sources[chainID]
		if !ok {
			continue
		}
		fetchCtx, cancel := context.WithTimeout(ctx, cfg.TokenListTimeout)
		if err := catalog.RefreshRemote(fetchCtx, chainID, url); err != nil {
			logger.Warn("Dynamic token list unavailable, using static list", "chain_id", chainID, "error", err)
		}
		cancel()
	}
}

// resumeTracking re-arms the refresh loop for every persisted pool so a
// restart does not wait for snapshot traffic to rebuild the alive set.
func resumeTracking(adapters []chains.Adapter, st *store.Store, ctrl *controller.Controller, logger *slog.Logger) {
	for _, adapter := range adapters {
		reg, err := st.PoolRegistry(adapter.ChainID())
		if err != nil {
			logger.Warn("Persisted registry unreadable, starting empty", "chain", adapter.ChainName(), "error", err)
			continue
		}
		for _, meta := range reg.Pools {
			ctrl.Track(adapter.ChainID(), meta)
		}
		if len(reg.Pools) > 0 {
			logger.Info("Resumed pool tracking", "chain", adapter.ChainName(), "pools", len(reg.Pools))
		}
	}
}
