// Package local 提供进程内的链状态分叉：基于 go-ethereum vm.EVM 执行，缺失状态按需通过 RPC 拉取
package local

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// 错误定义
var (
	// ErrInvalidStateOverride 无效的状态覆盖
	ErrInvalidStateOverride = errors.New("invalid state override")
	// ErrNoBlockSource 既没有 RPC 也没有固定区块环境
	ErrNoBlockSource = errors.New("no rpc client or block environment configured")
)

// BlockEnv 分叉后执行交易所在的区块环境
type BlockEnv struct {
	ChainID     *big.Int       // 链ID
	BlockNumber *big.Int       // 执行区块号（分叉区块 + 1）
	Time        uint64         // 区块时间戳
	GasLimit    uint64         // Gas限制
	BaseFee     *big.Int       // EIP-1559 基础费用
	Coinbase    common.Address // 出块地址
	Difficulty  *big.Int       // 难度（PoW）
	Random      *common.Hash   // 随机数（PoS）
}

// DefaultBlockEnv 返回离线执行使用的默认区块环境
func DefaultBlockEnv() *BlockEnv {
	return &BlockEnv{
		ChainID:     big.NewInt(1),
		BlockNumber: big.NewInt(1),
		Time:        1000000000,
		GasLimit:    30_000_000,
		BaseFee:     big.NewInt(1000000000), // 1 Gwei
		Coinbase:    common.Address{},
		Difficulty:  big.NewInt(0),
		Random:      &common.Hash{},
	}
}

// blockSeconds 分叉后下一个区块相对父区块的时间间隔
const blockSeconds = 12

// BlockEnvFromHeader 以父区块头构建下一个区块的执行环境
func BlockEnvFromHeader(chainID *big.Int, parent *types.Header) *BlockEnv {
	env := &BlockEnv{
		ChainID:     new(big.Int).Set(chainID),
		BlockNumber: new(big.Int).Add(parent.Number, big.NewInt(1)),
		Time:        parent.Time + blockSeconds,
		GasLimit:    parent.GasLimit,
		Coinbase:    parent.Coinbase,
		Difficulty:  new(big.Int),
	}
	if parent.BaseFee != nil {
		env.BaseFee = new(big.Int).Set(parent.BaseFee)
	} else {
		env.BaseFee = new(big.Int)
	}
	if parent.Difficulty != nil && parent.Difficulty.Sign() > 0 {
		env.Difficulty.Set(parent.Difficulty)
	} else {
		random := parent.MixDigest
		env.Random = &random
	}
	return env
}

// AccountState 账户状态
type AccountState struct {
	Balance  *big.Int                    // 余额
	Nonce    uint64                      // Nonce
	Code     []byte                      // 合约代码
	CodeHash common.Hash                 // 代码哈希
	Storage  map[common.Hash]common.Hash // 已读取或写入的存储
	// Fresh 在分叉内新建的账户，未写入的存储槽读作 0，不回源
	Fresh bool
}

// NewAccountState 创建新的账户状态
func NewAccountState() *AccountState {
	return &AccountState{
		Balance: big.NewInt(0),
		Storage: make(map[common.Hash]common.Hash),
	}
}

// Clone 深拷贝账户状态
func (a *AccountState) Clone() *AccountState {
	clone := &AccountState{
		Balance:  new(big.Int).Set(a.Balance),
		Nonce:    a.Nonce,
		Code:     append([]byte{}, a.Code...),
		CodeHash: a.CodeHash,
		Storage:  make(map[common.Hash]common.Hash, len(a.Storage)),
		Fresh:    a.Fresh,
	}
	for k, v := range a.Storage {
		clone.Storage[k] = v
	}
	return clone
}

// StateOverride 初始状态覆盖，键为地址
type StateOverride map[string]*AccountOverride

// AccountOverride 账户覆盖配置
type AccountOverride struct {
	Balance string            `json:"balance,omitempty"`
	Nonce   string            `json:"nonce,omitempty"`
	Code    string            `json:"code,omitempty"`
	State   map[string]string `json:"state,omitempty"`
}
