// Command kyomei wires one chain's Sync Engine and Processor Engine
// together from internal/kconfig, built by pkg/config. It is a
// demonstration binary: the example handler it registers just logs a
// decoded event, the same shape a real deployment would fill in with
// its own domain handlers via internal/processor.HandlerExecutor.RegisterHandler.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/internal/blocksource"
	"github.com/kyomei-indexer/kyomei/internal/blocksource/rpcsource"
	"github.com/kyomei-indexer/kyomei/internal/decoder"
	"github.com/kyomei-indexer/kyomei/internal/factory"
	"github.com/kyomei-indexer/kyomei/internal/kconfig"
	"github.com/kyomei-indexer/kyomei/internal/notify"
	"github.com/kyomei-indexer/kyomei/internal/processor"
	"github.com/kyomei-indexer/kyomei/internal/rpccache"
	"github.com/kyomei-indexer/kyomei/internal/rpccache/diskcache"
	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/internal/syncer"
	"github.com/kyomei-indexer/kyomei/internal/telemetry/natssink"
	"github.com/kyomei-indexer/kyomei/internal/util"
	"github.com/kyomei-indexer/kyomei/pkg/config"
)

// factoryAdapter narrows internal/factory.Watcher's richer
// ChildDiscovery (which also names the child's logical contract) down
// to the bare address set internal/syncer needs to widen its worker's
// known-address filter. The two packages deliberately don't share a
// type: factory persists the contract name, syncer never needs it.
type factoryAdapter struct {
	watcher *factory.Watcher
}

func (a factoryAdapter) Observe(ctx context.Context, chainID int64, blockNumber uint64, logs []blocksource.RawLog) ([]syncer.ChildDiscovery, error) {
	children, err := a.watcher.Observe(ctx, chainID, blockNumber, logs)
	if err != nil {
		return nil, err
	}
	out := make([]syncer.ChildDiscovery, len(children))
	for i, c := range children {
		out[i] = syncer.ChildDiscovery{Address: c.Address}
	}
	return out, nil
}

func (a factoryAdapter) Reorg(ctx context.Context, chainID int64, fromBlock uint64) error {
	return a.watcher.Reorg(ctx, chainID, fromBlock)
}

func (a factoryAdapter) LoadKnown(ctx context.Context, chainID int64) ([]common.Address, error) {
	return a.watcher.LoadKnown(ctx, chainID)
}

func main() {
	// A bootstrap logger carries InitConfig's own log lines (a fatal on
	// a config.toml load failure, an env-load warning, the "loaded"
	// line) before a service name is known to attach to them.
	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()
	ko := util.InitConfig(&bootstrap, "config.toml")

	logger := util.InitLogger(ko.String("service.name"))
	util.UpdateLogLevel(ko, logger)
	logger.Info().Msg("starting kyomei indexer")

	cfg, err := config.Load("config.toml", "config/chains.json")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	chainName := ko.String("chain.name")
	chain, ok := cfg.Chains[chainName]
	if !ok {
		logger.Fatal().Str("chain", chainName).Msg("chain not present in chains.json")
	}
	logger.Info().
		Str("chain", chainName).
		Int64("chain_id", chain.ChainID).
		Int("contracts", len(chain.Contracts)).
		Msg("loaded chain configuration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := store.Connect(ctx, ko.String("db.dsn"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer dbPool.Close()

	schema := store.DefaultSchemaNames
	eventRepo := store.NewEventRepository(dbPool.Write, schema.Sync)
	workerRepo := store.NewWorkerRepository(dbPool.Write, dbPool.Read, schema)
	factoryRepo := store.NewFactoryRepository(dbPool.Write, dbPool.Read, schema.Sync)
	rpcCacheRepo := store.NewRPCCacheRepository(dbPool.Write, schema.Sync)

	registry := decoder.NewRegistry()
	var factoryDescriptors []factory.Descriptor
	var contractSpecs []syncer.ContractSpec

	for _, c := range chain.Contracts {
		if err := registry.RegisterABI(c.Name, c.ABI); err != nil {
			logger.Fatal().Err(err).Str("contract", c.Name).Msg("failed to register ABI")
		}

		spec := syncer.ContractSpec{Name: c.Name, StartBlock: c.StartBlock, EndBlock: c.EndBlock}
		switch c.Address.Kind {
		case kconfig.Static:
			spec.Addresses = c.Address.Addresses
		case kconfig.Factory:
			spec.Addresses = []common.Address{c.Address.Factory.Parent}
			factoryDescriptors = append(factoryDescriptors, factory.Descriptor{
				Parent:        c.Address.Factory.Parent,
				ContractName:  c.Name,
				EventName:     c.Address.Factory.EventName,
				ChildParam:    c.Address.Factory.ChildParam,
				ChildContract: c.Name,
			})
		}
		contractSpecs = append(contractSpecs, spec)
	}

	var factoryWatcher syncer.FactoryWatcher
	if len(factoryDescriptors) > 0 {
		factoryWatcher = factoryAdapter{watcher: factory.New(registry, factoryRepo, factoryDescriptors)}
	}

	httpURL := chain.Source.URLs[0]
	wsURL := ""
	if len(chain.Source.URLs) > 1 {
		wsURL = chain.Source.URLs[1]
	}
	source, err := rpcsource.Dial(ctx, rpcsource.Config{
		HTTPURL:       httpURL,
		WSURL:         wsURL,
		ChainID:       chain.ChainID,
		FinalityDepth: chain.FinalityDepth,
	}, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to dial chain source")
	}
	defer source.Close()

	// rpcsource does not expose its underlying *ethclient.Client, so the
	// RPC cache's upstream dials its own connection to the same endpoint.
	cacheUpstream, err := ethclient.DialContext(ctx, httpURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to dial rpc cache upstream")
	}
	defer cacheUpstream.Close()

	disk, err := diskcache.Open(ko.String("rpccache.disk_path"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open disk cache")
	}
	defer disk.Close()

	// 20 req/s with a burst of 40 matches the rate most public RPC
	// providers tolerate for a single API key; disk/repo cache hits never
	// touch the limiter, so steady-state replay traffic is unaffected.
	cache := rpccache.New(cacheUpstream, rpcCacheRepo, disk, rpccache.Config{
		ChainID:       chain.ChainID,
		RatePerSecond: 20,
		Burst:         40,
	})

	dbFacade := processor.NewDBFacade(dbPool.Write, schema.App, processor.SchemaCatalogue{})

	broker := notify.New()

	var progressSink *natssink.Sink
	if natsURL := ko.String("nats.url"); natsURL != "" {
		progressSink, err = natssink.New(natsURL, ko.Duration("nats.max_age"), "KYOMEI.PROGRESS", *logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create nats progress sink")
		}
		defer progressSink.Close()
	}

	sync := syncer.New(source, factoryWatcher, eventRepo, workerRepo, broker, *logger, syncer.Config{
		ChainID:             chain.ChainID,
		ParallelWorkers:     chain.Sync.ParallelWorkers,
		BlocksPerWorker:     chain.Sync.BlocksPerWorker,
		EventBatchSize:      chain.Sync.EventBatchSize,
		ProgressFlushBlocks: chain.Sync.ProgressFlushBlocks,
		PollInterval:        chain.Sync.PollInterval,
		ProgressInterval:    chain.Sync.ProgressInterval,
		Contracts:           contractSpecs,
	})

	// The processor engine has no tuning section of its own in
	// kconfig.ChainConfig; it reuses the chain's base poll interval for
	// its own "wait for new data" cadence and the sync tuning's progress
	// interval for its throttled OnProgress callback.
	proc := processor.New(registry, eventRepo, workerRepo, dbFacade, cache, *logger, processor.Config{
		ChainID:          chain.ChainID,
		EventBatchSize:   chain.Sync.EventBatchSize,
		PollInterval:     chain.PollInterval,
		ProgressInterval: chain.Sync.ProgressInterval,
	})

	if progressSink != nil {
		sync.OnProgress(progressSink.SyncProgressFunc(chainName))
		proc.OnProgress(progressSink.ProcessProgressFunc(chainName))
	}

	for _, c := range chain.Contracts {
		registerLoggingHandlers(proc, registry, *logger, c.Name)
	}

	metricsAddr := ko.String("metrics.address")
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthAddr := ko.String("health.address")
	healthServer := &http.Server{Addr: healthAddr, Handler: http.HandlerFunc(healthCheckHandler(sync, proc, progressSink))}
	go func() {
		logger.Info().Str("address", healthAddr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	go func() { errChan <- sync.Run(ctx) }()
	go func() { errChan <- proc.Run(ctx) }()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("engine error")
		}
	}

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}
	logger.Info().Msg("shutdown complete")
}

// registerLoggingHandlers registers a Sequential handler for every event
// contractName's ABI declares, logging the decoded arguments. A real
// deployment replaces these with its own domain handlers via
// HandlerExecutor.RegisterHandler.
func registerLoggingHandlers(proc *processor.HandlerExecutor, registry *decoder.Registry, logger zerolog.Logger, contractName string) {
	contractABI, ok := registry.ABI(contractName)
	if !ok {
		return
	}
	for eventName := range contractABI.Events {
		eventName := eventName
		proc.RegisterHandler(contractName, eventName, func(_ context.Context, hctx *processor.HandlerContext) error {
			logger.Info().
				Str("contract", hctx.Contract).
				Str("event", hctx.Event).
				Uint64("block", hctx.BlockNumber).
				Str("tx", hctx.TxHash.Hex()).
				Msg("decoded event")
			return nil
		}, processor.Sequential)
	}
}

func healthCheckHandler(sync *syncer.ChainSyncer, proc *processor.HandlerExecutor, sink *natssink.Sink) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = sync
		_ = proc
		if sink != nil && !sink.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "nats unhealthy")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}
}
