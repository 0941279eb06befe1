package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"mixwatch/pkg/config"
	"mixwatch/pkg/monitor"
	"mixwatch/pkg/simulator"
	"mixwatch/pkg/simulator/forkmode"
	"mixwatch/pkg/simulator/local"
	mwtypes "mixwatch/pkg/types"
)

// report 单次模拟的输出
type report struct {
	Origin   mwtypes.Origin    `json:"origin"`
	Contract string            `json:"contract"`
	Findings []mwtypes.Finding `json:"findings"`
}

func main() {
	var (
		configPath = flag.String("config", "", "Config file path, chain defaults are used when empty")
		rpcURL     = flag.String("rpc", "http://localhost:8545", "RPC URL")
		txHash     = flag.String("tx", "", "Contract creation transaction to simulate")
		mode       = flag.String("mode", "", "Fork mode (local/anvil)")
		anvilURL   = flag.String("anvil", "", "Anvil URL for anvil mode")
		multicall  = flag.Bool("multicall", false, "Read balances through Multicall3")
		outputPath = flag.String("output", "", "Output file path (optional)")
		override   = flag.String("override", "", "本地模式下叠加的状态覆盖 JSON 文件 (optional)")
	)
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if *txHash == "" {
		log.Fatal("Transaction hash is required (-tx)")
	}
	ctx := context.Background()

	rpcClient, err := rpc.DialContext(ctx, *rpcURL)
	if err != nil {
		log.Fatalf("Failed to connect to RPC: %v", err)
	}
	client := ethclient.NewClient(rpcClient)
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		log.Fatalf("Failed to get chain id: %v", err)
	}

	cfg := &config.Config{}
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = chainID.Uint64()
	}
	cfg.RPCURL = *rpcURL
	enabled := true
	cfg.Simulation.Enabled = &enabled
	if *mode != "" {
		cfg.Simulation.Mode = *mode
	}
	if *anvilURL != "" {
		cfg.Simulation.AnvilURL = *anvilURL
	}
	if *multicall {
		cfg.Simulation.Multicall = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	hash := common.HexToHash(*txHash)
	tx, _, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		log.Fatalf("Failed to get transaction: %v", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		log.Fatalf("Failed to derive sender: %v", err)
	}

	receipts := monitor.NewReceiptResolver(client)
	receipt, err := receipts.Receipt(ctx, hash)
	if err != nil {
		log.Fatalf("Failed to get receipt: %v", err)
	}
	ev := monitor.NewBlockTxEvent(tx, sender, receipt.BlockNumber.Uint64(), receipt)

	var stateOverride local.StateOverride
	if *override != "" {
		data, err := os.ReadFile(*override)
		if err != nil {
			log.Fatalf("Failed to read state override: %v", err)
		}
		if err := json.Unmarshal(data, &stateOverride); err != nil {
			log.Fatalf("Failed to parse state override: %v", err)
		}
		log.Printf("Loaded state override for %d accounts", len(stateOverride))
	}

	forks, err := forkmode.NewForkProvider(ctx, forkmode.Options{
		Mode:        cfg.ForkMode(),
		ChainID:     cfg.ChainID,
		RPC:         rpcClient,
		UpstreamURL: cfg.Simulation.Upstream,
		AnvilURL:    cfg.Simulation.AnvilURL,
		Override:    stateOverride,
	})
	if err != nil {
		log.Fatalf("Failed to create fork provider: %v", err)
	}
	var batcher simulator.BalanceBatcher = simulator.DirectBatcher{}
	if cfg.Simulation.Multicall {
		batcher = simulator.MulticallBatcher{}
	}
	sim, err := simulator.NewAttackSimulator(cfg.ChainID, cfg.TokenChecks(), receipts, forks, batcher,
		simulator.WithMaxProbes(cfg.Simulation.MaxProbes))
	if err != nil {
		log.Fatalf("Failed to create simulator: %v", err)
	}

	log.Printf("Simulating contract creation %s by %s at block %d", hash.Hex(), sender.Hex(), ev.BlockNumber())
	out := report{
		Origin:   mwtypes.Origin{ChainID: cfg.ChainID, BlockNumber: ev.BlockNumber(), TxHash: hash.Hex()},
		Contract: receipt.ContractAddress.Hex(),
		Findings: sim.Simulate(ctx, ev),
	}
	if out.Findings == nil {
		out.Findings = []mwtypes.Finding{}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}
	if *outputPath == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*outputPath, data, 0o644); err != nil {
		log.Fatalf("Failed to write result: %v", err)
	}
	log.Printf("Result saved to %s", *outputPath)
}
