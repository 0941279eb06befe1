package monitor

import (
	"context"
	"fmt"
	"log"
)

// ProcessHistoricalBlocks 处理历史区块
// 单个区块失败不会中断扫描
func (m *BlockchainMonitor) ProcessHistoricalBlocks(ctx context.Context, fromBlock, toBlock uint64) error {
	if fromBlock > toBlock {
		return fmt.Errorf("invalid block range %d-%d", fromBlock, toBlock)
	}
	log.Printf("[Monitor] 开始扫描历史区块 %d 到 %d", fromBlock, toBlock)

	for blockNum := fromBlock; blockNum <= toBlock; blockNum++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := m.ProcessBlock(ctx, blockNum); err != nil {
			log.Printf("[Monitor] Error processing historical block %d: %v", blockNum, err)
			m.metrics.BlockErrors.Inc()
			continue
		}
	}

	if toBlock > m.LastBlock() {
		m.setLastBlock(toBlock)
	}
	log.Printf("[Monitor] 历史区块扫描完成")
	return nil
}

// RunWithHistoricalScan 先扫描最近 scanDepth 个区块，再跟随新区块
func (m *BlockchainMonitor) RunWithHistoricalScan(ctx context.Context, scanDepth uint64) error {
	latestBlock, err := m.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest block: %w", err)
	}
	latestBlock = m.target(latestBlock)

	if scanDepth > 0 {
		var startBlock uint64
		if latestBlock > scanDepth {
			startBlock = latestBlock - scanDepth
		}
		log.Printf("[Monitor] 扫描最近 %d 个历史区块...", scanDepth)
		if err := m.ProcessHistoricalBlocks(ctx, startBlock, latestBlock); err != nil {
			log.Printf("[Monitor] Warning: Historical scan error: %v", err)
		}
	}
	m.setLastBlock(latestBlock)

	return m.Run(ctx)
}
