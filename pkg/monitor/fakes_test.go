package monitor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"mixwatch/pkg/detector"
	"mixwatch/pkg/retry"
	mwtypes "mixwatch/pkg/types"
)

var (
	chainID    = big.NewInt(1)
	mixer      = common.HexToAddress("0x12D66f87A04A9E220743712cE6d9bB1B5616B8Fc")
	relayer    = common.HexToAddress("0x000000000000000000000000000000000000000e")
	deployed   = common.HexToAddress("0x7336F819775B1D31Ea472681D70cE7A903482191")
	withdrawal = detector.MustParseEventSignature(detector.DefaultWithdrawalSignature)
	fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
)

// withdrawalLog 构造混币池的提现日志
func withdrawalLog(t *testing.T, emitter, to common.Address) *types.Log {
	data, err := withdrawal.Inputs.NonIndexed().Pack(to, [32]byte{0x01}, big.NewInt(1e15))
	require.NoError(t, err)
	return &types.Log{
		Address: emitter,
		Topics:  []common.Hash{withdrawal.ID, common.BytesToHash(relayer.Bytes())},
		Data:    data,
	}
}

type fakeSub struct {
	errc chan error
	once sync.Once
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *fakeSub) Err() <-chan error { return s.errc }

// fakeChain 内存中的链，实现 ChainClient
type fakeChain struct {
	mu             sync.Mutex
	head           uint64
	blocks         map[uint64]*types.Block
	receipts       map[common.Hash]*types.Receipt
	noBlockRcpts   bool
	noSubscription bool
	receiptCalls   int
	headers        chan<- *types.Header
	sub            *fakeSub
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:   make(map[uint64]*types.Block),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (c *fakeChain) setHead(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = n
}

// addBlock 添加区块，receipts 与 txs 一一对应
func (c *fakeChain) addBlock(n uint64, txs []*types.Transaction, receipts []*types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block := types.NewBlockWithHeader(&types.Header{Number: new(big.Int).SetUint64(n)}).
		WithBody(types.Body{Transactions: txs})
	c.blocks[n] = block
	for i, r := range receipts {
		r.TxHash = txs[i].Hash()
		r.BlockNumber = new(big.Int).SetUint64(n)
		c.receipts[r.TxHash] = r
	}
	if n > c.head {
		c.head = n
	}
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blocks[number.Uint64()]; ok {
		return b, nil
	}
	return types.NewBlockWithHeader(&types.Header{Number: number}), nil
}

func (c *fakeChain) BlockReceipts(ctx context.Context, blockNrOrHash rpc.BlockNumberOrHash) ([]*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noBlockRcpts {
		return nil, errors.New("the method eth_getBlockReceipts does not exist")
	}
	n, _ := blockNrOrHash.Number()
	var out []*types.Receipt
	if b, ok := c.blocks[uint64(n)]; ok {
		for _, tx := range b.Transactions() {
			out = append(out, c.receipts[tx.Hash()])
		}
	}
	return out, nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptCalls++
	if r, ok := c.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *fakeChain) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noSubscription {
		return nil, rpc.ErrNotificationsUnsupported
	}
	c.headers = ch
	c.sub = &fakeSub{errc: make(chan error, 1)}
	return c.sub, nil
}

func (c *fakeChain) subscribed() chan<- *types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers
}

// recordingSink 记录收到的告警
type recordingSink struct {
	mu      sync.Mutex
	origins []mwtypes.Origin
	found   []mwtypes.Finding
}

func (s *recordingSink) Publish(ctx context.Context, origin mwtypes.Origin, findings []mwtypes.Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range findings {
		s.origins = append(s.origins, origin)
	}
	s.found = append(s.found, findings...)
}

func (s *recordingSink) snapshot() ([]mwtypes.Origin, []mwtypes.Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mwtypes.Origin(nil), s.origins...), append([]mwtypes.Finding(nil), s.found...)
}

type account struct {
	key   *ecdsa.PrivateKey
	addr  common.Address
	nonce uint64
}

func newAccount(t *testing.T) *account {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &account{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// send 签名一笔交易，to 为 nil 时为合约创建
func (a *account) send(to *common.Address) *types.Transaction {
	tx := types.MustSignNewTx(a.key, types.LatestSignerForChainID(chainID), &types.LegacyTx{
		Nonce:    a.nonce,
		To:       to,
		Gas:      100_000,
		GasPrice: big.NewInt(1),
	})
	a.nonce++
	return tx
}
