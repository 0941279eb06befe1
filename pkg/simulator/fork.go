// Package simulator 在链状态分叉上对可疑合约进行攻击模拟
package simulator

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReverted 探测交易执行失败或回滚
	ErrReverted = errors.New("transaction reverted")
	// ErrNotUnlocked 请求的签名地址不在分叉的解锁列表中
	ErrNotUnlocked = errors.New("account not unlocked on fork")
	// ErrForkClosed 分叉已关闭
	ErrForkClosed = errors.New("fork closed")
	// ErrUnsupportedChain 链 ID 没有可用的 Multicall 部署
	ErrUnsupportedChain = errors.New("unsupported chain")
)

// Signer 以指定地址身份在分叉上发送交易
type Signer interface {
	Address() common.Address
	// SendTransaction 执行并提交交易，失败或回滚时返回错误
	SendTransaction(ctx context.Context, to common.Address, data []byte) error
}

// Fork 固定在某个区块的可写链状态副本
type Fork interface {
	BlockNumber() uint64
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	// CallContract 只读调用，不修改分叉状态
	CallContract(ctx context.Context, from, to common.Address, data []byte) ([]byte, error)
	Signer(addr common.Address) (Signer, error)
	Close() error
}

// ForkProvider 在给定区块创建分叉，unlocked 中的地址可以作为交易发送者
type ForkProvider interface {
	Fork(ctx context.Context, block uint64, unlocked []common.Address) (Fork, error)
}
