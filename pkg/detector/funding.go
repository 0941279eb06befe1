package detector

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"mixwatch/pkg/suspects"
	"mixwatch/pkg/types"
)

// FundingAlertID 混币资助地址告警 ID
const FundingAlertID = "TORNADO_CASH_FUNDED_ADDRESS"

// FundingDetector 识别从混币合约提现的接收地址并记入可疑集合
type FundingDetector struct {
	tracker suspects.Tracker
	mixers  []common.Address
	event   abi.Event
}

// NewFundingDetector 创建资金检测器
// mixers 为当前链的混币合约地址集合，event 为提现事件
func NewFundingDetector(tracker suspects.Tracker, mixers []common.Address, event abi.Event) *FundingDetector {
	return &FundingDetector{
		tracker: tracker,
		mixers:  append([]common.Address(nil), mixers...),
		event:   event,
	}
}

// Name 阶段名称
func (d *FundingDetector) Name() string {
	return "funding"
}

// Handle 每条有效的提现日志产生一条 Low 级别告警，并把接收者加入可疑集合
func (d *FundingDetector) Handle(ctx context.Context, ev TransactionEvent) StageResult {
	var result StageResult
	if len(d.mixers) == 0 {
		return result
	}

	for _, entry := range ev.FilterLog(d.event, d.mixers) {
		recipient, ok := entry.Args["to"].(common.Address)
		if !ok || recipient == (common.Address{}) {
			continue
		}

		d.tracker.Insert(recipient)
		suspect := strings.ToLower(recipient.Hex())
		result.Findings = append(result.Findings, types.NewFinding(
			"Tornado Cash Funded Address",
			fmt.Sprintf("Tornado Cash funded address %s", suspect),
			FundingAlertID,
			types.SeverityLow,
			types.FindingTypeInfo,
			map[string]string{"suspectedAccount": suspect},
		))
	}

	return result
}
