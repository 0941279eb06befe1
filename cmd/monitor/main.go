package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"mixwatch/pkg/alert"
	"mixwatch/pkg/api"
	"mixwatch/pkg/config"
	"mixwatch/pkg/detector"
	"mixwatch/pkg/monitor"
	"mixwatch/pkg/simulator"
	"mixwatch/pkg/simulator/forkmode"
	"mixwatch/pkg/suspects"
)

func main() {
	// 命令行参数，非空时覆盖配置文件
	var (
		configPath = flag.String("config", "config.yaml", "Config file path (.yaml/.yml/.json)")
		rpcURL     = flag.String("rpc", "", "RPC URL, ws:// recommended for new head subscriptions")
		webhookURL = flag.String("webhook", "", "Alert webhook URL")
		listen     = flag.String("listen", "", "HTTP API listen address")
		mode       = flag.String("mode", "", "Fork mode for attack simulation (local/anvil)")
		blockLag   = flag.Uint64("block-lag", 0, "延迟处理的区块数")
		scanDepth  = flag.Uint64("scan-depth", 0, "启动时扫描最近的区块数")

		// 历史区间扫描，设置 -to 后扫描完成即退出
		fromBlock = flag.Uint64("from", 0, "Historical scan start block")
		toBlock   = flag.Uint64("to", 0, "Historical scan end block")
	)
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Printf("Starting mixer funded contract monitor...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *rpcURL != "" {
		cfg.RPCURL = *rpcURL
	}
	if *webhookURL != "" {
		cfg.Alerts.WebhookURL = *webhookURL
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if *mode != "" {
		cfg.Simulation.Mode = *mode
	}
	if cfg.RPCURL == "" {
		log.Fatalf("rpc_url is required")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	log.Printf("RPC: %s", cfg.RPCURL)
	log.Printf("Chain: %d, mixers: %d, simulation: %v", cfg.ChainID, len(cfg.MixerAddresses()), cfg.SimulationEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		log.Fatalf("Failed to connect to RPC: %v", err)
	}
	client := ethclient.NewClient(rpcClient)
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		log.Fatalf("Failed to get chain id: %v", err)
	}
	if chainID.Uint64() != cfg.ChainID {
		log.Fatalf("RPC serves chain %d but config expects %d", chainID.Uint64(), cfg.ChainID)
	}

	tracker, err := suspects.NewSynchronized(cfg.Tracker.Capacity)
	if err != nil {
		log.Fatalf("Failed to create suspect tracker: %v", err)
	}
	receipts := monitor.NewReceiptResolver(client)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)

	pipeline, err := buildPipeline(ctx, cfg, rpcClient, tracker, receipts)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	pipeline.WithObserver(metrics.StageObserver())
	log.Printf("Pipeline stages: %v", pipeline.Stages())

	hub := api.NewHub()
	alerts, err := buildAlerts(ctx, cfg, hub)
	if err != nil {
		log.Fatalf("Failed to configure alerts: %v", err)
	}
	defer func() {
		if err := alerts.Close(); err != nil {
			log.Printf("Failed to close alert sinks: %v", err)
		}
	}()

	bm := monitor.NewBlockchainMonitor(client, chainID, pipeline, receipts, alerts, monitor.Options{
		BlockLag: *blockLag,
		Metrics:  metrics,
		Tracker:  tracker,
	})

	if *toBlock > 0 {
		if err := bm.ProcessHistoricalBlocks(ctx, *fromBlock, *toBlock); err != nil {
			log.Printf("Historical scan failed: %v", err)
		}
		stats := alerts.Statistics()
		log.Printf("Historical scan done: %d alerts, %d suspects tracked", stats.TotalAlerts, tracker.Len())
		return
	}

	addr := cfg.API.Listen
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.SetupRouter(api.Deps{
			ChainID:  cfg.ChainID,
			Findings: alerts,
			Suspects: tracker,
			Blocks:   bm,
			Hub:      hub,
			Gatherer: reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		return bm.RunWithHistoricalScan(gctx, *scanDepth)
	})
	g.Go(func() error {
		log.Printf("API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down monitor...")
		bm.Stop()
		_ = hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Monitor exited with error: %v", err)
	}
	log.Println("Monitor stopped.")
}

// buildPipeline 组装 funding → creation → simulation
func buildPipeline(ctx context.Context, cfg *config.Config, rpcClient *rpc.Client, tracker suspects.Tracker, receipts *monitor.ReceiptResolver) (*detector.Pipeline, error) {
	funding := detector.NewFundingDetector(tracker, cfg.MixerAddresses(), cfg.WithdrawalEvent())
	creation := detector.NewCreationWatcher(tracker, receipts)
	if !cfg.SimulationEnabled() {
		return detector.NewPipeline().Use(funding).Use(creation), nil
	}

	forks, err := forkmode.NewForkProvider(ctx, forkmode.Options{
		Mode:        cfg.ForkMode(),
		ChainID:     cfg.ChainID,
		RPC:         rpcClient,
		UpstreamURL: cfg.Simulation.Upstream,
		AnvilURL:    cfg.Simulation.AnvilURL,
	})
	if err != nil {
		return nil, err
	}

	var batcher simulator.BalanceBatcher = simulator.DirectBatcher{}
	if cfg.Simulation.Multicall {
		if _, err := simulator.MulticallAddress(cfg.ChainID); err != nil {
			return nil, err
		}
		batcher = simulator.MulticallBatcher{}
	}

	sim, err := simulator.NewAttackSimulator(cfg.ChainID, cfg.TokenChecks(), receipts, forks, batcher,
		simulator.WithMaxProbes(cfg.Simulation.MaxProbes))
	if err != nil {
		return nil, err
	}
	return detector.NewDefaultPipeline(funding, creation, sim), nil
}

// buildAlerts 按配置启用各个告警输出
func buildAlerts(ctx context.Context, cfg *config.Config, hub *api.Hub) (*alert.Manager, error) {
	manager := alert.NewManager(cfg.Throttle(), cfg.HistorySize(), hub)

	if cfg.Alerts.WebhookURL != "" {
		manager.AddSink(alert.NewWebhookSink(cfg.Alerts.WebhookURL))
		log.Printf("Webhook alerts enabled: %s", cfg.Alerts.WebhookURL)
	}
	if k := cfg.Alerts.Kafka; k != nil {
		sink, err := alert.NewKafkaSink(k.Brokers, k.Topic, nil)
		if err != nil {
			_ = manager.Close()
			return nil, err
		}
		manager.AddSink(sink)
		log.Printf("Kafka alerts enabled: topic %s", k.Topic)
	}
	if cfg.Alerts.PostgresDSN != "" {
		sink, err := alert.ConnectPostgres(ctx, cfg.Alerts.PostgresDSN)
		if err != nil {
			_ = manager.Close()
			return nil, err
		}
		manager.AddSink(sink)
	}
	return manager, nil
}
