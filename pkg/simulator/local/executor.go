package local

import (
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

// DefaultGasLimit 单次探测调用的 gas 上限
const DefaultGasLimit uint64 = 30_000_000

// Executor 在 StateAdapter 上运行 vm.EVM 调用
type Executor struct {
	env         *BlockEnv
	chainConfig *params.ChainConfig
	getHash     vm.GetHashFunc
	gasLimit    uint64
}

// NewExecutor 创建执行器，provider 用于 BLOCKHASH 查询，可为 nil
func NewExecutor(env *BlockEnv, provider LazyStateProvider) *Executor {
	if env == nil {
		env = DefaultBlockEnv()
	}
	gasLimit := DefaultGasLimit
	if env.GasLimit > 0 && env.GasLimit < gasLimit {
		gasLimit = env.GasLimit
	}
	return &Executor{
		env:         env,
		chainConfig: buildChainConfig(env.ChainID),
		getHash:     getHashFn(env.BlockNumber, provider),
		gasLimit:    gasLimit,
	}
}

// Env 返回区块环境
func (e *Executor) Env() *BlockEnv {
	return e.env
}

func (e *Executor) newEVM(db *StateAdapter, origin common.Address) *vm.EVM {
	blockCtx := vm.BlockContext{
		CanTransfer: CanTransfer,
		Transfer:    Transfer,
		GetHash:     e.getHash,
		Coinbase:    e.env.Coinbase,
		GasLimit:    e.env.GasLimit,
		BlockNumber: new(big.Int).Set(e.env.BlockNumber),
		Time:        e.env.Time,
		Difficulty:  e.env.Difficulty,
		BaseFee:     e.env.BaseFee,
		Random:      e.env.Random,
	}
	vmConfig := vm.Config{
		NoBaseFee: true,
		// PUSH0、瞬时存储、MCOPY 与 EIP-6780 自毁语义
		ExtraEips: []int{3855, 1153, 5656, 6780},
	}

	evm := vm.NewEVM(blockCtx, db, e.chainConfig, vmConfig)
	evm.SetTxContext(vm.TxContext{
		Origin:   origin,
		GasPrice: big.NewInt(0),
	})
	return evm
}

func (e *Executor) prepare(db *StateAdapter, from, to common.Address) {
	rules := e.chainConfig.Rules(e.env.BlockNumber, e.env.Random != nil, e.env.Time)
	db.Prepare(rules, from, e.env.Coinbase, &to, vm.ActivePrecompiles(rules), nil)
}

// Transact 以 from 身份向 to 发送一笔交易并提交状态，执行失败时状态回滚并返回错误
func (e *Executor) Transact(db *StateAdapter, from, to common.Address, input []byte, value *big.Int) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	valueU256, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("value %s overflows uint256", value)
	}

	e.prepare(db, from, to)
	db.SetNonce(from, db.GetNonce(from)+1, tracing.NonceChangeUnspecified)

	evm := e.newEVM(db, from)
	ret, _, err := evm.Call(from, to, input, e.gasLimit, valueU256)
	db.Finalise(true)
	return ret, err
}

// StaticCall 只读调用，执行结束后丢弃所有状态变化
func (e *Executor) StaticCall(db *StateAdapter, from, to common.Address, input []byte) ([]byte, error) {
	snapshot := db.Snapshot()
	defer db.RevertToSnapshot(snapshot)

	e.prepare(db, from, to)
	evm := e.newEVM(db, from)
	ret, _, err := evm.StaticCall(from, to, input, e.gasLimit)
	return ret, err
}

// buildChainConfig 所有分叉从创世区块启用至 Shanghai
func buildChainConfig(chainID *big.Int) *params.ChainConfig {
	if chainID == nil {
		chainID = big.NewInt(1)
	}
	shanghaiTime := uint64(0)
	return &params.ChainConfig{
		ChainID:                 new(big.Int).Set(chainID),
		HomesteadBlock:          big.NewInt(0),
		EIP150Block:             big.NewInt(0),
		EIP155Block:             big.NewInt(0),
		EIP158Block:             big.NewInt(0),
		ByzantiumBlock:          big.NewInt(0),
		ConstantinopleBlock:     big.NewInt(0),
		PetersburgBlock:         big.NewInt(0),
		IstanbulBlock:           big.NewInt(0),
		MuirGlacierBlock:        big.NewInt(0),
		BerlinBlock:             big.NewInt(0),
		LondonBlock:             big.NewInt(0),
		ArrowGlacierBlock:       big.NewInt(0),
		GrayGlacierBlock:        big.NewInt(0),
		MergeNetsplitBlock:      big.NewInt(0),
		ShanghaiTime:            &shanghaiTime,
		TerminalTotalDifficulty: big.NewInt(0),
	}
}

// CanTransfer 检查是否可以转账
func CanTransfer(db vm.StateDB, addr common.Address, amount *uint256.Int) bool {
	return db.GetBalance(addr).Cmp(amount) >= 0
}

// Transfer 执行转账
func Transfer(db vm.StateDB, sender, recipient common.Address, amount *uint256.Int) {
	db.SubBalance(sender, amount, tracing.BalanceChangeTransfer)
	db.AddBalance(recipient, amount, tracing.BalanceChangeTransfer)
}

// getHashFn 优先通过 provider 查询真实区块哈希，失败时退化为基于区块号的伪哈希
func getHashFn(current *big.Int, provider LazyStateProvider) vm.GetHashFunc {
	cache := make(map[uint64]common.Hash)
	return func(n uint64) common.Hash {
		if current != nil && current.IsUint64() && n >= current.Uint64() {
			return common.Hash{}
		}
		if h, ok := cache[n]; ok {
			return h
		}
		h := common.BigToHash(new(big.Int).SetUint64(n))
		if provider != nil {
			if hash, err := provider.GetBlockHash(n); err == nil {
				h = hash
			} else {
				log.Printf("[Executor] 获取区块哈希失败 number=%d err=%v", n, err)
			}
		}
		cache[n] = h
		return h
	}
}
