package local

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// LazyStateProvider 用于按需拉取分叉区块上的原始状态
type LazyStateProvider interface {
	GetBalance(addr common.Address) (*big.Int, error)
	GetNonce(addr common.Address) (uint64, error)
	GetCode(addr common.Address) ([]byte, error)
	GetStorage(addr common.Address, slot common.Hash) (common.Hash, error)
	GetBlockHash(number uint64) (common.Hash, error)
}

// RPCStateProvider 通过RPC读取固定区块上的链上状态
type RPCStateProvider struct {
	ctx       context.Context
	rpcClient *rpc.Client
	block     *big.Int
}

// NewRPCStateProvider 创建RPC状态提供者，block 为 nil 时读取 latest
func NewRPCStateProvider(ctx context.Context, rpcClient *rpc.Client, block *big.Int) *RPCStateProvider {
	return &RPCStateProvider{
		ctx:       ctx,
		rpcClient: rpcClient,
		block:     block,
	}
}

func (p *RPCStateProvider) blockParam() string {
	if p.block == nil {
		return "latest"
	}
	return hexutil.EncodeBig(p.block)
}

func (p *RPCStateProvider) call(result interface{}, method string, args ...interface{}) error {
	if p.rpcClient == nil {
		return fmt.Errorf("rpc client not configured")
	}
	if err := p.rpcClient.CallContext(p.ctx, result, method, args...); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	return nil
}

func (p *RPCStateProvider) GetBalance(addr common.Address) (*big.Int, error) {
	var result string
	if err := p.call(&result, "eth_getBalance", addr.Hex(), p.blockParam()); err != nil {
		return nil, err
	}
	return decodeQuantityToBig(result)
}

func (p *RPCStateProvider) GetNonce(addr common.Address) (uint64, error) {
	var result string
	if err := p.call(&result, "eth_getTransactionCount", addr.Hex(), p.blockParam()); err != nil {
		return 0, err
	}
	return decodeQuantityToUint64(result)
}

func (p *RPCStateProvider) GetCode(addr common.Address) ([]byte, error) {
	var result string
	if err := p.call(&result, "eth_getCode", addr.Hex(), p.blockParam()); err != nil {
		return nil, err
	}
	if result == "" || result == "0x" {
		return nil, nil
	}
	return common.FromHex(result), nil
}

func (p *RPCStateProvider) GetStorage(addr common.Address, slot common.Hash) (common.Hash, error) {
	var result string
	if err := p.call(&result, "eth_getStorageAt", addr.Hex(), slot.Hex(), p.blockParam()); err != nil {
		return common.Hash{}, err
	}
	if result == "" {
		return common.Hash{}, nil
	}
	return common.HexToHash(result), nil
}

// GetBlockHash 供 BLOCKHASH 指令使用
func (p *RPCStateProvider) GetBlockHash(number uint64) (common.Hash, error) {
	var header struct {
		Hash common.Hash `json:"hash"`
	}
	if err := p.call(&header, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return common.Hash{}, err
	}
	return header.Hash, nil
}

func decodeQuantityToBig(value string) (*big.Int, error) {
	raw := strings.TrimSpace(value)
	if raw == "" || raw == "0x" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return hexutil.DecodeBig(raw)
	}
	bn, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		log.Printf("[LazyState] 解析余额失败: %s", value)
		return big.NewInt(0), nil
	}
	return bn, nil
}

func decodeQuantityToUint64(value string) (uint64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" || raw == "0x" {
		return 0, nil
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return hexutil.DecodeUint64(raw)
	}
	bn, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		log.Printf("[LazyState] 解析nonce失败: %s", value)
		return 0, nil
	}
	return bn.Uint64(), nil
}
