package monitor

import (
	"log"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"mixwatch/pkg/detector"
)

var _ detector.TransactionEvent = (*BlockTxEvent)(nil)

// BlockTxEvent 区块中的一笔交易及其回执日志
type BlockTxEvent struct {
	tx    *types.Transaction
	from  common.Address
	block uint64
	logs  []*types.Log
}

// NewBlockTxEvent 创建交易事件，receipt 为 nil 时没有日志
func NewBlockTxEvent(tx *types.Transaction, from common.Address, block uint64, receipt *types.Receipt) *BlockTxEvent {
	ev := &BlockTxEvent{tx: tx, from: from, block: block}
	if receipt != nil {
		ev.logs = receipt.Logs
	}
	return ev
}

func (e *BlockTxEvent) From() common.Address { return e.from }
func (e *BlockTxEvent) To() *common.Address  { return e.tx.To() }
func (e *BlockTxEvent) Hash() common.Hash    { return e.tx.Hash() }
func (e *BlockTxEvent) BlockNumber() uint64  { return e.block }

// FilterLog 按 topic0 与发出地址过滤日志并解码
// 解码失败的日志会被跳过
func (e *BlockTxEvent) FilterLog(event abi.Event, addresses []common.Address) []detector.DecodedLog {
	if len(addresses) == 0 {
		return nil
	}
	emitters := make(map[common.Address]struct{}, len(addresses))
	for _, a := range addresses {
		emitters[a] = struct{}{}
	}

	var indexed abi.Arguments
	for _, in := range event.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}

	var out []detector.DecodedLog
	for _, lg := range e.logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		if _, ok := emitters[lg.Address]; !ok {
			continue
		}
		if len(lg.Topics)-1 != len(indexed) {
			continue
		}

		args := make(map[string]interface{}, len(event.Inputs))
		if err := event.Inputs.UnpackIntoMap(args, lg.Data); err != nil {
			log.Printf("[Monitor] skip undecodable %s log in tx %s: %v", event.Name, e.Hash().Hex(), err)
			continue
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
			log.Printf("[Monitor] skip %s log with bad topics in tx %s: %v", event.Name, e.Hash().Hex(), err)
			continue
		}
		out = append(out, detector.DecodedLog{Address: lg.Address, Index: lg.Index, Args: args})
	}
	return out
}
