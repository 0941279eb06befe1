// Package anvil 使用外部 anvil 节点作为分叉
package anvil

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"mixwatch/pkg/retry"
	"mixwatch/pkg/simulator"
	"mixwatch/pkg/types"
)

var (
	_ simulator.ForkProvider = (*ForkProvider)(nil)
	_ simulator.Fork         = (*Fork)(nil)
)

var errReceiptPending = errors.New("receipt not available yet")

// DefaultProbeGas 探测交易的 gas 上限
const DefaultProbeGas = 10_000_000

// ForkProvider 通过 anvil_reset 把节点重置到指定区块
//
// 一个节点同一时间只能承载一个分叉，Fork 占用的节点在 Close 时释放
type ForkProvider struct {
	rpcClient *rpc.Client
	upstream  string
	gas       uint64
	receipt   retry.Policy

	// busy 容量为 1，持有期间节点被某个分叉占用
	busy chan struct{}
}

// Dial 连接 anvil 节点，upstream 为 anvil 分叉时使用的上游 RPC
func Dial(ctx context.Context, anvilURL, upstream string) (*ForkProvider, error) {
	rpcClient, err := rpc.DialContext(ctx, anvilURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to anvil: %w", err)
	}
	return NewForkProvider(rpcClient, upstream), nil
}

// NewForkProvider 使用已有的 RPC 客户端创建分叉提供者
func NewForkProvider(rpcClient *rpc.Client, upstream string) *ForkProvider {
	return &ForkProvider{
		rpcClient: rpcClient,
		upstream:  upstream,
		gas:       DefaultProbeGas,
		receipt: retry.Policy{
			MaxAttempts: 20,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    500 * time.Millisecond,
		},
		busy: make(chan struct{}, 1),
	}
}

// WithReceiptPolicy 设置等待交易回执的轮询策略
func (p *ForkProvider) WithReceiptPolicy(policy retry.Policy) *ForkProvider {
	p.receipt = policy
	return p
}

type forkingParams struct {
	JSONRPCURL  string `json:"jsonRpcUrl,omitempty"`
	BlockNumber uint64 `json:"blockNumber"`
}

type resetParams struct {
	Forking forkingParams `json:"forking"`
}

// Fork 实现 simulator.ForkProvider，节点被占用时等待直到 ctx 结束
func (p *ForkProvider) Fork(ctx context.Context, block uint64, unlocked []common.Address) (simulator.Fork, error) {
	select {
	case p.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for anvil node: %w", ctx.Err())
	}

	params := resetParams{Forking: forkingParams{JSONRPCURL: p.upstream, BlockNumber: block}}
	if err := p.rpcClient.CallContext(ctx, nil, "anvil_reset", params); err != nil {
		<-p.busy
		return nil, fmt.Errorf("anvil_reset to block %d failed: %w", block, err)
	}

	f := &Fork{
		provider: p,
		block:    block,
		unlocked: make(map[common.Address]bool, len(unlocked)),
	}
	for _, addr := range unlocked {
		if err := p.rpcClient.CallContext(ctx, nil, "anvil_impersonateAccount", addr); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to impersonate %s: %w", addr.Hex(), err)
		}
		f.unlocked[addr] = true
	}
	return f, nil
}

// Fork anvil 上的一次分叉会话
type Fork struct {
	provider *ForkProvider
	block    uint64
	unlocked map[common.Address]bool

	closeOnce sync.Once
	closed    bool
}

// BlockNumber 分叉区块
func (f *Fork) BlockNumber() uint64 { return f.block }

func (f *Fork) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if f.closed {
		return simulator.ErrForkClosed
	}
	return f.provider.rpcClient.CallContext(ctx, result, method, args...)
}

// CodeAt 读取分叉上的合约代码
func (f *Fork) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code hexutil.Bytes
	if err := f.call(ctx, &code, "eth_getCode", addr, "latest"); err != nil {
		return nil, fmt.Errorf("eth_getCode %s failed: %w", addr.Hex(), err)
	}
	return code, nil
}

// BalanceAt 读取分叉上的原生余额
func (f *Fork) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal hexutil.Big
	if err := f.call(ctx, &bal, "eth_getBalance", addr, "latest"); err != nil {
		return nil, fmt.Errorf("eth_getBalance %s failed: %w", addr.Hex(), err)
	}
	return bal.ToInt(), nil
}

type callArgs struct {
	From *common.Address `json:"from,omitempty"`
	To   common.Address  `json:"to"`
	Data hexutil.Bytes   `json:"data"`
}

// CallContract 使用 eth_call 执行只读调用
func (f *Fork) CallContract(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	args := callArgs{To: to, Data: data}
	if from != (common.Address{}) {
		args.From = &from
	}
	var out hexutil.Bytes
	if err := f.call(ctx, &out, "eth_call", args, "latest"); err != nil {
		return nil, wrapRevert(err)
	}
	return out, nil
}

// Signer 只有 Fork 时声明的地址可以签名
func (f *Fork) Signer(addr common.Address) (simulator.Signer, error) {
	if !f.unlocked[addr] {
		return nil, fmt.Errorf("%w: %s", simulator.ErrNotUnlocked, addr.Hex())
	}
	return &forkSigner{fork: f, addr: addr}, nil
}

// Close 停止模拟账户并释放节点
func (f *Fork) Close() error {
	f.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for addr := range f.unlocked {
			if err := f.provider.rpcClient.CallContext(ctx, nil, "anvil_stopImpersonatingAccount", addr); err != nil {
				log.Printf("[Fork] stop impersonating %s failed: %v", addr.Hex(), err)
			}
		}
		f.closed = true
		<-f.provider.busy
	})
	return nil
}

type forkSigner struct {
	fork *Fork
	addr common.Address
}

func (s *forkSigner) Address() common.Address { return s.addr }

type sendArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
	Gas  hexutil.Uint64 `json:"gas"`
}

type receipt struct {
	TransactionHash common.Hash          `json:"transactionHash"`
	Status          types.FlexibleUint64 `json:"status"`
	GasUsed         types.FlexibleUint64 `json:"gasUsed"`
}

// SendTransaction 发送交易并等待回执，status 为 0 时返回 ErrReverted
func (s *forkSigner) SendTransaction(ctx context.Context, to common.Address, data []byte) error {
	args := sendArgs{From: s.addr, To: to, Data: data, Gas: hexutil.Uint64(s.fork.provider.gas)}

	var hash common.Hash
	if err := s.fork.call(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return wrapRevert(err)
	}

	var rcpt *receipt
	err := retry.Do(ctx, s.fork.provider.receipt, func(ctx context.Context) error {
		var r *receipt
		if err := s.fork.call(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
			if errors.Is(err, simulator.ErrForkClosed) {
				return retry.Permanent(err)
			}
			return err
		}
		if r == nil {
			return errReceiptPending
		}
		rcpt = r
		return nil
	})
	if err != nil {
		return fmt.Errorf("no receipt for %s: %w", hash.Hex(), err)
	}
	if rcpt.Status.Uint64() == 0 {
		return fmt.Errorf("%w: tx %s", simulator.ErrReverted, hash.Hex())
	}
	return nil
}

// wrapRevert 节点返回的执行失败归类为 ErrReverted
func wrapRevert(err error) error {
	var dataErr rpc.DataError
	if (errors.As(err, &dataErr) && dataErr.ErrorData() != nil) || strings.Contains(strings.ToLower(err.Error()), "revert") {
		return fmt.Errorf("%w: %v", simulator.ErrReverted, err)
	}
	return err
}
