package detector

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"mixwatch/pkg/suspects"
	"mixwatch/pkg/types"
)

// CreationAlertID 可疑合约创建告警 ID
const CreationAlertID = "SUSPICIOUS_CONTRACT_CREATION"

// CreationWatcher 监听可疑地址发起的合约创建交易
type CreationWatcher struct {
	tracker  suspects.Tracker
	resolver ContractResolver
}

// NewCreationWatcher 创建合约创建监听器
func NewCreationWatcher(tracker suspects.Tracker, resolver ContractResolver) *CreationWatcher {
	return &CreationWatcher{tracker: tracker, resolver: resolver}
}

// Name 阶段名称
func (w *CreationWatcher) Name() string {
	return "creation"
}

// Handle 可疑地址部署合约时产生一条 Medium 告警并触发后续门控阶段
func (w *CreationWatcher) Handle(ctx context.Context, ev TransactionEvent) StageResult {
	sender := ev.From()
	if !w.tracker.Contains(sender) {
		return StageResult{}
	}
	if ev.To() != nil {
		return StageResult{}
	}

	contract, err := w.resolver.ResolveCreatedContract(ctx, ev.Hash())
	if err != nil {
		log.Printf("[Detector] failed to resolve contract created by tx %s: %v", ev.Hash().Hex(), err)
		return StageResult{}
	}
	if contract == (common.Address{}) {
		log.Printf("[Detector] tx %s created no contract", ev.Hash().Hex())
		return StageResult{}
	}

	senderHex := strings.ToLower(sender.Hex())
	contractHex := strings.ToLower(contract.Hex())
	finding := types.NewFinding(
		"Suspicious Contract Creation",
		fmt.Sprintf("Suspicious contract %s created by the tornado cash funded address - %s", contractHex, senderHex),
		CreationAlertID,
		types.SeverityMedium,
		types.FindingTypeSuspicious,
		map[string]string{
			"suspectedSender":    senderHex,
			"suspiciousContract": contractHex,
		},
	)

	return StageResult{Findings: []types.Finding{finding}, Trigger: true}
}
