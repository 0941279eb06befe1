// Package detector 实现混币资金追踪与可疑合约创建检测，以及把各检测阶段串联起来的流水线
package detector

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"mixwatch/pkg/types"
)

// DecodedLog 按事件 ABI 解码后的日志
type DecodedLog struct {
	Address common.Address
	Index   uint
	Args    map[string]interface{}
}

// TransactionEvent 流水线处理的单笔交易视图
type TransactionEvent interface {
	From() common.Address
	// To 合约创建交易返回 nil
	To() *common.Address
	Hash() common.Hash
	BlockNumber() uint64
	// FilterLog 返回由 addresses 中任一地址发出、且匹配 event 的日志，按日志顺序
	FilterLog(event abi.Event, addresses []common.Address) []DecodedLog
}

// ContractResolver 根据交易哈希解析其创建的合约地址
type ContractResolver interface {
	ResolveCreatedContract(ctx context.Context, txHash common.Hash) (common.Address, error)
}

// StageResult 单个阶段的输出
type StageResult struct {
	Findings []types.Finding
	// Trigger 为 true 时，紧随其后的门控阶段才会执行
	Trigger bool
}

// Stage 流水线中的一个检测阶段
type Stage interface {
	Name() string
	Handle(ctx context.Context, ev TransactionEvent) StageResult
}
