package monitor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixwatch/pkg/detector"
	"mixwatch/pkg/suspects"
)

type harness struct {
	chain    *fakeChain
	sink     *recordingSink
	metrics  *Metrics
	tracker  *suspects.Locked
	monitor  *BlockchainMonitor
	attacker *account
}

// newHarness 区块 10 中 attacker 从混币池提现，区块 11 中 attacker 部署合约，区块 12 无关
func newHarness(t *testing.T, opts Options) *harness {
	chain := newFakeChain()
	funder := newAccount(t)
	attacker := newAccount(t)
	bystander := newAccount(t)

	chain.addBlock(10, []*types.Transaction{funder.send(&mixer)}, []*types.Receipt{{
		Status: types.ReceiptStatusSuccessful,
		Logs:   []*types.Log{withdrawalLog(t, mixer, attacker.addr)},
	}})
	chain.addBlock(11, []*types.Transaction{attacker.send(nil)}, []*types.Receipt{{
		Status:          types.ReceiptStatusSuccessful,
		ContractAddress: deployed,
	}})
	chain.addBlock(12, []*types.Transaction{bystander.send(nil)}, []*types.Receipt{{
		Status:          types.ReceiptStatusSuccessful,
		ContractAddress: common.HexToAddress("0x00000000000000000000000000000000000000dd"),
	}})

	tracker, err := suspects.NewSynchronized(10)
	require.NoError(t, err)
	receipts := NewReceiptResolver(chain).WithPolicy(fastPolicy)
	metrics := NewMetrics(prometheus.NewRegistry())
	pipeline := detector.NewPipeline().
		Use(detector.NewFundingDetector(tracker, []common.Address{mixer}, withdrawal)).
		Use(detector.NewCreationWatcher(tracker, receipts)).
		WithObserver(metrics.StageObserver())

	sink := &recordingSink{}
	opts.Metrics = metrics
	opts.Tracker = tracker
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	return &harness{
		chain:    chain,
		sink:     sink,
		metrics:  metrics,
		tracker:  tracker,
		monitor:  NewBlockchainMonitor(chain, chainID, pipeline, receipts, sink, opts),
		attacker: attacker,
	}
}

func (h *harness) assertFundedThenCreated(t *testing.T) {
	origins, findings := h.sink.snapshot()
	require.Len(t, findings, 2)
	assert.Equal(t, detector.FundingAlertID, findings[0].AlertID)
	assert.Equal(t, suspects.Key(h.attacker.addr), findings[0].Metadata["suspectedAccount"])
	assert.Equal(t, uint64(10), origins[0].BlockNumber)

	assert.Equal(t, detector.CreationAlertID, findings[1].AlertID)
	assert.Equal(t, suspects.Key(deployed), findings[1].Metadata["suspiciousContract"])
	assert.Equal(t, uint64(11), origins[1].BlockNumber)
	assert.Equal(t, uint64(1), origins[1].ChainID)
	assert.NotEmpty(t, origins[1].TxHash)
}

// TestProcessHistoricalBlocks 测试历史区块扫描的端到端检测
func TestProcessHistoricalBlocks(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.monitor.ProcessHistoricalBlocks(ctx, 10, 12))
	h.assertFundedThenCreated(t)
	assert.Equal(t, uint64(12), h.monitor.LastBlock())

	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.BlocksProcessed))
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.TransactionsProcessed))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SuspectsTracked))
	assert.Equal(t, float64(12), testutil.ToFloat64(h.metrics.LastBlock))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Findings.WithLabelValues(detector.CreationAlertID)))

	assert.Error(t, h.monitor.ProcessHistoricalBlocks(ctx, 12, 10))
}

func TestProcessBlockFallsBackToTxReceipts(t *testing.T) {
	h := newHarness(t, Options{})
	h.chain.noBlockRcpts = true

	require.NoError(t, h.monitor.ProcessHistoricalBlocks(context.Background(), 10, 12))
	h.assertFundedThenCreated(t)
	assert.Equal(t, 3, h.chain.receiptCalls)
}

func TestRunPollsWithoutSubscriptions(t *testing.T) {
	h := newHarness(t, Options{})
	h.chain.noSubscription = true
	h.chain.setHead(9)

	done := make(chan error, 1)
	go func() { done <- h.monitor.Run(context.Background()) }()

	require.Eventually(t, func() bool { return h.monitor.LastBlock() == 9 }, 2*time.Second, 5*time.Millisecond)
	assert.Error(t, h.monitor.Run(context.Background()))

	h.chain.setHead(12)
	require.Eventually(t, func() bool { return h.monitor.LastBlock() == 12 }, 2*time.Second, 5*time.Millisecond)
	h.assertFundedThenCreated(t)

	h.monitor.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestRunFollowsNewHeads(t *testing.T) {
	h := newHarness(t, Options{})
	h.chain.setHead(9)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.monitor.Run(ctx) }()

	require.Eventually(t, func() bool { return h.chain.subscribed() != nil }, 2*time.Second, 5*time.Millisecond)
	h.chain.subscribed() <- &types.Header{Number: big.NewInt(12)}

	require.Eventually(t, func() bool { return h.monitor.LastBlock() == 12 }, 2*time.Second, 5*time.Millisecond)
	h.assertFundedThenCreated(t)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

// TestRunWithHistoricalScanHonorsLag 延迟一个区块时不处理链头
func TestRunWithHistoricalScanHonorsLag(t *testing.T) {
	h := newHarness(t, Options{BlockLag: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.monitor.RunWithHistoricalScan(ctx, 2) }()

	require.Eventually(t, func() bool {
		_, findings := h.sink.snapshot()
		return len(findings) == 2
	}, 2*time.Second, 5*time.Millisecond)
	h.assertFundedThenCreated(t)
	assert.Equal(t, uint64(11), h.monitor.LastBlock())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Equal(t, uint64(11), h.monitor.LastBlock())
}
