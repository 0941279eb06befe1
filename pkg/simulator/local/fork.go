package local

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"mixwatch/pkg/simulator"
)

var (
	_ simulator.ForkProvider = (*ForkProvider)(nil)
	_ simulator.Fork         = (*Fork)(nil)
)

// ForkProvider 在进程内创建分叉
//
// 在线模式下状态固定在分叉区块，通过 RPC 按需拉取；离线模式只使用固定的区块环境与状态覆盖
type ForkProvider struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	chainID   *big.Int
	env       *BlockEnv
	override  StateOverride
}

// NewForkProvider 创建在线分叉提供者
func NewForkProvider(rpcClient *rpc.Client, chainID *big.Int) *ForkProvider {
	return &ForkProvider{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		chainID:   chainID,
	}
}

// NewOfflineForkProvider 创建只基于状态覆盖的分叉提供者，每次 Fork 都从同一初始状态开始
func NewOfflineForkProvider(env *BlockEnv, override StateOverride) *ForkProvider {
	if env == nil {
		env = DefaultBlockEnv()
	}
	return &ForkProvider{env: env, chainID: env.ChainID, override: override}
}

// WithOverride 为在线分叉附加状态覆盖
func (p *ForkProvider) WithOverride(override StateOverride) *ForkProvider {
	p.override = override
	return p
}

// Fork 实现 simulator.ForkProvider
func (p *ForkProvider) Fork(ctx context.Context, block uint64, unlocked []common.Address) (simulator.Fork, error) {
	var (
		env      *BlockEnv
		provider LazyStateProvider
	)

	switch {
	case p.rpcClient != nil:
		header, err := p.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
		if err != nil {
			return nil, fmt.Errorf("failed to get header %d: %w", block, err)
		}
		env = BlockEnvFromHeader(p.chainID, header)
		provider = NewRPCStateProvider(ctx, p.rpcClient, new(big.Int).SetUint64(block))
	case p.env != nil:
		e := *p.env
		env = &e
	default:
		return nil, ErrNoBlockSource
	}

	db, err := NewStateAdapter(p.override, provider)
	if err != nil {
		return nil, err
	}

	f := &Fork{
		block:    block,
		db:       db,
		exec:     NewExecutor(env, provider),
		unlocked: make(map[common.Address]struct{}, len(unlocked)),
	}
	for _, addr := range unlocked {
		f.unlocked[addr] = struct{}{}
	}
	return f, nil
}

// Fork 进程内分叉，所有操作串行执行
type Fork struct {
	mu       sync.Mutex
	block    uint64
	db       *StateAdapter
	exec     *Executor
	unlocked map[common.Address]struct{}
	closed   bool
}

// BlockNumber 分叉区块号
func (f *Fork) BlockNumber() uint64 {
	return f.block
}

func (f *Fork) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, simulator.ErrForkClosed
	}
	return append([]byte(nil), f.db.GetCode(addr)...), nil
}

func (f *Fork) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, simulator.ErrForkClosed
	}
	return f.db.GetBalance(addr).ToBig(), nil
}

func (f *Fork) CallContract(ctx context.Context, from, to common.Address, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, simulator.ErrForkClosed
	}
	ret, err := f.exec.StaticCall(f.db, from, to, data)
	if err != nil {
		return nil, fmt.Errorf("call to %s failed: %w", to.Hex(), err)
	}
	return ret, nil
}

// Signer 仅解锁地址可以签名
func (f *Fork) Signer(addr common.Address) (simulator.Signer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, simulator.ErrForkClosed
	}
	if _, ok := f.unlocked[addr]; !ok {
		return nil, fmt.Errorf("%w: %s", simulator.ErrNotUnlocked, addr.Hex())
	}
	return &forkSigner{fork: f, addr: addr}, nil
}

// Close 释放分叉状态
func (f *Fork) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if n := f.db.ProviderErrors(); n > 0 {
		log.Printf("[Fork] block %d closed with %d state fetch failures", f.block, n)
	}
	f.db = nil
	return nil
}

type forkSigner struct {
	fork *Fork
	addr common.Address
}

func (s *forkSigner) Address() common.Address {
	return s.addr
}

func (s *forkSigner) SendTransaction(ctx context.Context, to common.Address, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := s.fork
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return simulator.ErrForkClosed
	}

	ret, err := f.exec.Transact(f.db, s.addr, to, data, nil)
	if err != nil {
		if errors.Is(err, vm.ErrExecutionReverted) {
			if reason, uerr := abi.UnpackRevert(ret); uerr == nil {
				return fmt.Errorf("%w: %s", simulator.ErrReverted, reason)
			}
		}
		return fmt.Errorf("%w: %v", simulator.ErrReverted, err)
	}
	return nil
}
