// Package monitor 跟随链上新区块，把每笔交易送入检测流水线
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"mixwatch/pkg/detector"
	"mixwatch/pkg/suspects"
	mwtypes "mixwatch/pkg/types"
)

// ChainClient 监控器使用的节点接口，*ethclient.Client 满足该接口
type ChainClient interface {
	ReceiptSource
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockReceipts(ctx context.Context, blockNrOrHash rpc.BlockNumberOrHash) ([]*types.Receipt, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// FindingSink 接收流水线产生的告警
type FindingSink interface {
	Publish(ctx context.Context, origin mwtypes.Origin, findings []mwtypes.Finding)
}

// Options 监控器可选参数
type Options struct {
	// BlockLag 延迟几个区块以确保最终性
	BlockLag uint64
	// PollInterval 节点不支持订阅时的轮询间隔
	PollInterval time.Duration
	Metrics      *Metrics
	// Tracker 用于上报可疑地址数量
	Tracker suspects.Tracker
}

// BlockchainMonitor 区块链监控器
type BlockchainMonitor struct {
	client   ChainClient
	pipeline *detector.Pipeline
	receipts *ReceiptResolver
	sink     FindingSink
	signer   types.Signer
	chainID  uint64
	metrics  *Metrics
	tracker  suspects.Tracker

	blockLag     uint64
	pollInterval time.Duration

	mu        sync.RWMutex
	lastBlock uint64
	running   bool
	stopChan  chan struct{}
}

// NewBlockchainMonitor 创建区块链监控器
func NewBlockchainMonitor(client ChainClient, chainID *big.Int, pipeline *detector.Pipeline, receipts *ReceiptResolver, sink FindingSink, opts Options) *BlockchainMonitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 4 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &BlockchainMonitor{
		client:       client,
		pipeline:     pipeline,
		receipts:     receipts,
		sink:         sink,
		signer:       types.LatestSignerForChainID(chainID),
		chainID:      chainID.Uint64(),
		metrics:      opts.Metrics,
		tracker:      opts.Tracker,
		blockLag:     opts.BlockLag,
		pollInterval: opts.PollInterval,
		stopChan:     make(chan struct{}),
	}
}

// LastBlock 最后处理的区块
func (m *BlockchainMonitor) LastBlock() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastBlock
}

func (m *BlockchainMonitor) setLastBlock(n uint64) {
	m.mu.Lock()
	m.lastBlock = n
	m.mu.Unlock()
	m.metrics.LastBlock.Set(float64(n))
}

// Run 跟随新区块直到 ctx 结束或 Stop 被调用
// 订阅中断时指数退避重连，节点不支持订阅时改为轮询
func (m *BlockchainMonitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	if m.LastBlock() == 0 {
		latest, err := m.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get latest block: %w", err)
		}
		m.setLastBlock(m.target(latest))
	}
	log.Printf("[Monitor] Started monitoring from block %d", m.LastBlock())

	backoff := time.Second
	const maxBackoff = time.Minute
	for {
		err := m.follow(ctx)
		if ctx.Err() != nil || m.stopped() {
			log.Println("[Monitor] Stopping monitor")
			return nil
		}
		log.Printf("[Monitor] Subscription error: %v, reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-m.stopChan:
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Stop 停止监控
func (m *BlockchainMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		close(m.stopChan)
		m.running = false
	}
}

func (m *BlockchainMonitor) stopped() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}

func (m *BlockchainMonitor) target(head uint64) uint64 {
	if head < m.blockLag {
		return 0
	}
	return head - m.blockLag
}

// follow 订阅新区块，返回时说明订阅已中断
func (m *BlockchainMonitor) follow(ctx context.Context) error {
	headers := make(chan *types.Header, 100)
	sub, err := m.client.SubscribeNewHead(ctx, headers)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		log.Printf("[Monitor] Node does not support subscriptions, polling every %s", m.pollInterval)
		return m.poll(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to new blocks: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case err := <-sub.Err():
			return err
		case header := <-headers:
			m.catchUp(ctx, header.Number.Uint64())
		case <-m.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *BlockchainMonitor) poll(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			head, err := m.client.BlockNumber(ctx)
			if err != nil {
				return fmt.Errorf("failed to poll block number: %w", err)
			}
			m.catchUp(ctx, head)
		case <-m.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// catchUp 按顺序处理 lastBlock 之后到 head-lag 的所有区块
func (m *BlockchainMonitor) catchUp(ctx context.Context, head uint64) {
	target := m.target(head)
	for n := m.LastBlock() + 1; n <= target; n++ {
		if ctx.Err() != nil {
			return
		}
		if err := m.ProcessBlock(ctx, n); err != nil {
			log.Printf("[Monitor] Error processing block %d: %v", n, err)
			m.metrics.BlockErrors.Inc()
		}
		m.setLastBlock(n)
	}
}

// ProcessBlock 按交易顺序处理单个区块
func (m *BlockchainMonitor) ProcessBlock(ctx context.Context, blockNumber uint64) error {
	block, err := m.client.BlockByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return fmt.Errorf("failed to get block %d: %w", blockNumber, err)
	}

	receipts, err := m.client.BlockReceipts(ctx, rpc.BlockNumberOrHashWithNumber(rpc.BlockNumber(blockNumber)))
	if err != nil {
		log.Printf("[Monitor] eth_getBlockReceipts failed for block %d, falling back to per-tx receipts: %v", blockNumber, err)
	}
	m.receipts.Remember(receipts...)

	txs := block.Transactions()
	if len(txs) > 0 {
		log.Printf("[Monitor] Processing block %d with %d transactions", blockNumber, len(txs))
	}

	for _, tx := range txs {
		m.processTransaction(ctx, tx, blockNumber)
	}

	m.metrics.BlocksProcessed.Inc()
	if m.tracker != nil {
		m.metrics.SuspectsTracked.Set(float64(m.tracker.Len()))
	}
	return nil
}

// processTransaction 处理交易
func (m *BlockchainMonitor) processTransaction(ctx context.Context, tx *types.Transaction, blockNumber uint64) {
	from, err := types.Sender(m.signer, tx)
	if err != nil {
		log.Printf("[Monitor] Failed to derive sender of %s: %v", tx.Hash().Hex(), err)
		return
	}
	receipt, err := m.receipts.Receipt(ctx, tx.Hash())
	if err != nil {
		log.Printf("[Monitor] Skip tx %s: %v", tx.Hash().Hex(), err)
		return
	}

	ev := NewBlockTxEvent(tx, from, blockNumber, receipt)
	findings := m.pipeline.Process(ctx, ev)
	m.metrics.TransactionsProcessed.Inc()
	if len(findings) > 0 {
		m.handleFindings(ctx, mwtypes.Origin{ChainID: m.chainID, BlockNumber: blockNumber, TxHash: ev.Hash().Hex()}, findings)
	}
}

// handleFindings 记录并转发告警
func (m *BlockchainMonitor) handleFindings(ctx context.Context, origin mwtypes.Origin, findings []mwtypes.Finding) {
	for _, f := range findings {
		log.Printf("[Monitor] %s (%s, %s) in tx %s: %s", f.Name, f.AlertID, f.Severity, origin.TxHash, f.Description)
	}
	if m.sink != nil {
		m.sink.Publish(ctx, origin, findings)
	}
}
