package simulator

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

const multicall3ABI = `[
  {"inputs":[{"components":[{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}],"name":"calls","type":"tuple[]"}],
   "name":"aggregate3","outputs":[{"components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}],"name":"returnData","type":"tuple[]"}],
   "stateMutability":"payable","type":"function"},
  {"inputs":[{"name":"addr","type":"address"}],"name":"getEthBalance","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	erc20ABI     = mustParseABI(erc20BalanceABI)
	multicallABI = mustParseABI(multicall3ABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid builtin abi: %v", err))
	}
	return parsed
}

// Multicall3Address Multicall3 在主流 EVM 链上的统一部署地址
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// multicallByChain 已知部署了 Multicall3 的链
var multicallByChain = map[uint64]common.Address{
	1:        Multicall3Address, // Ethereum
	10:       Multicall3Address, // Optimism
	56:       Multicall3Address, // BSC
	137:      Multicall3Address, // Polygon
	250:      Multicall3Address, // Fantom
	8453:     Multicall3Address, // Base
	42161:    Multicall3Address, // Arbitrum
	43114:    Multicall3Address, // Avalanche
	11155111: Multicall3Address, // Sepolia
}

// MulticallAddress 返回链上的 Multicall3 地址
func MulticallAddress(chainID uint64) (common.Address, error) {
	addr, ok := multicallByChain[chainID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: no multicall deployment for chain %d", ErrUnsupportedChain, chainID)
	}
	return addr, nil
}

// BalanceCall 一次余额读取
// Asset 为 nil 表示原生资产
type BalanceCall struct {
	Asset  *common.Address
	Holder common.Address
}

// BalanceBatch 在某个分叉上批量读取余额
type BalanceBatch interface {
	NativeBalance(holder common.Address) BalanceCall
	AssetBalance(asset, holder common.Address) BalanceCall
	// ExecuteAll 返回与 calls 一一对应的余额
	ExecuteAll(ctx context.Context, calls []BalanceCall) ([]*big.Int, error)
}

// BalanceBatcher 为分叉创建 BalanceBatch
type BalanceBatcher interface {
	Open(fork Fork, chainID uint64) (BalanceBatch, error)
}

// callBuilder BalanceBatch 共用的调用构造
type callBuilder struct{}

func (callBuilder) NativeBalance(holder common.Address) BalanceCall {
	return BalanceCall{Holder: holder}
}

func (callBuilder) AssetBalance(asset, holder common.Address) BalanceCall {
	a := asset
	return BalanceCall{Asset: &a, Holder: holder}
}

// MulticallBatcher 使用 Multicall3 aggregate3 把所有余额读取合并为一次调用
type MulticallBatcher struct{}

// Open 按链 ID 选择 Multicall3 地址
func (MulticallBatcher) Open(fork Fork, chainID uint64) (BalanceBatch, error) {
	addr, err := MulticallAddress(chainID)
	if err != nil {
		return nil, err
	}
	return &multicallBatch{fork: fork, multicall: addr}, nil
}

type multicall3Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type multicall3Result struct {
	Success    bool
	ReturnData []byte
}

type multicallBatch struct {
	callBuilder
	fork      Fork
	multicall common.Address
}

// ExecuteAll 失败的子调用读作 0
func (b *multicallBatch) ExecuteAll(ctx context.Context, calls []BalanceCall) ([]*big.Int, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	packed := make([]multicall3Call, 0, len(calls))
	for _, c := range calls {
		target, data, err := b.encode(c)
		if err != nil {
			return nil, err
		}
		packed = append(packed, multicall3Call{Target: target, AllowFailure: true, CallData: data})
	}

	input, err := multicallABI.Pack("aggregate3", packed)
	if err != nil {
		return nil, fmt.Errorf("failed to pack aggregate3: %w", err)
	}
	ret, err := b.fork.CallContract(ctx, common.Address{}, b.multicall, input)
	if err != nil {
		return nil, fmt.Errorf("aggregate3 call failed: %w", err)
	}

	out, err := multicallABI.Unpack("aggregate3", ret)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack aggregate3: %w", err)
	}
	results := *abi.ConvertType(out[0], new([]multicall3Result)).(*[]multicall3Result)
	if len(results) != len(calls) {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(results), len(calls))
	}

	balances := make([]*big.Int, len(calls))
	for i, r := range results {
		balances[i] = new(big.Int)
		if !r.Success {
			continue
		}
		method := "balanceOf"
		decoder := erc20ABI
		if calls[i].Asset == nil {
			method = "getEthBalance"
			decoder = multicallABI
		}
		if v, err := unpackUint(decoder, method, r.ReturnData); err == nil {
			balances[i] = v
		}
	}
	return balances, nil
}

func (b *multicallBatch) encode(c BalanceCall) (common.Address, []byte, error) {
	if c.Asset == nil {
		data, err := multicallABI.Pack("getEthBalance", c.Holder)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("failed to pack getEthBalance: %w", err)
		}
		return b.multicall, data, nil
	}
	data, err := erc20ABI.Pack("balanceOf", c.Holder)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	return *c.Asset, data, nil
}

// DirectBatcher 逐个读取余额，适用于没有 Multicall3 的链或本地测试
type DirectBatcher struct{}

// Open 不依赖链 ID
func (DirectBatcher) Open(fork Fork, chainID uint64) (BalanceBatch, error) {
	return &directBatch{fork: fork}, nil
}

type directBatch struct {
	callBuilder
	fork Fork
}

// ExecuteAll 原生余额读取失败时返回错误，代币 balanceOf 失败读作 0
func (b *directBatch) ExecuteAll(ctx context.Context, calls []BalanceCall) ([]*big.Int, error) {
	balances := make([]*big.Int, len(calls))
	for i, c := range calls {
		if c.Asset == nil {
			bal, err := b.fork.BalanceAt(ctx, c.Holder)
			if err != nil {
				return nil, fmt.Errorf("failed to read balance of %s: %w", c.Holder.Hex(), err)
			}
			balances[i] = bal
			continue
		}

		data, err := erc20ABI.Pack("balanceOf", c.Holder)
		if err != nil {
			return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
		}
		balances[i] = new(big.Int)
		ret, err := b.fork.CallContract(ctx, c.Holder, *c.Asset, data)
		if err != nil {
			log.Printf("[Balances] balanceOf(%s) on %s failed: %v", c.Holder.Hex(), c.Asset.Hex(), err)
			continue
		}
		if v, err := unpackUint(erc20ABI, "balanceOf", ret); err == nil {
			balances[i] = v
		}
	}
	return balances, nil
}

func unpackUint(parsed abi.ABI, method string, data []byte) (*big.Int, error) {
	out, err := parsed.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, out[0])
	}
	return v, nil
}
