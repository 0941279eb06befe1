package simulator

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"mixwatch/pkg/detector"
	"mixwatch/pkg/types"
)

// AttackAlertID 攻击模拟告警 ID
const AttackAlertID = "MALICIOUS_TRANSACTION_SIMULATION"

// AttackSimulator 在分叉上以可疑地址身份逐个调用新合约的函数选择器，
// 观察攻击者与合约的资产余额是否异常增长
type AttackSimulator struct {
	chainID   uint64
	tokens    []TokenCheck
	resolver  detector.ContractResolver
	forks     ForkProvider
	batcher   BalanceBatcher
	maxProbes int
}

// Option AttackSimulator 可选项
type Option func(*AttackSimulator)

// WithMaxProbes 限制每次模拟最多探测的选择器数量，0 表示不限制
func WithMaxProbes(n int) Option {
	return func(s *AttackSimulator) {
		s.maxProbes = n
	}
}

// NewAttackSimulator 创建攻击模拟器
func NewAttackSimulator(
	chainID uint64,
	tokens []TokenCheck,
	resolver detector.ContractResolver,
	forks ForkProvider,
	batcher BalanceBatcher,
	opts ...Option,
) (*AttackSimulator, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("at least one token check is required")
	}
	for _, t := range tokens {
		if t.Threshold == nil || t.Threshold.Sign() <= 0 {
			return nil, fmt.Errorf("threshold for %s must be positive", t.Label())
		}
	}
	if resolver == nil || forks == nil || batcher == nil {
		return nil, fmt.Errorf("resolver, fork provider and balance batcher are required")
	}

	s := &AttackSimulator{
		chainID:  chainID,
		tokens:   append([]TokenCheck(nil), tokens...),
		resolver: resolver,
		forks:    forks,
		batcher:  batcher,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxProbes < 0 {
		return nil, fmt.Errorf("max probes must not be negative, got %d", s.maxProbes)
	}
	return s, nil
}

// Name 阶段名称
func (s *AttackSimulator) Name() string {
	return "simulation"
}

// Handle 实现 detector.Stage
func (s *AttackSimulator) Handle(ctx context.Context, ev detector.TransactionEvent) detector.StageResult {
	return detector.StageResult{Findings: s.Simulate(ctx, ev)}
}

// Simulate 对合约创建交易执行攻击模拟
// 任一前置条件不满足或依赖调用失败时返回空结果
func (s *AttackSimulator) Simulate(ctx context.Context, ev detector.TransactionEvent) []types.Finding {
	if ev.To() != nil {
		return nil
	}
	attacker := ev.From()

	contract, err := s.resolver.ResolveCreatedContract(ctx, ev.Hash())
	if err != nil {
		log.Printf("[Simulator] failed to get contract address for tx %s: %v", ev.Hash().Hex(), err)
		return nil
	}
	if contract == (common.Address{}) {
		return nil
	}

	fork, err := s.forks.Fork(ctx, ev.BlockNumber(), []common.Address{attacker})
	if err != nil {
		log.Printf("[Simulator] failed to fork at block %d: %v", ev.BlockNumber(), err)
		return nil
	}
	defer func() {
		if err := fork.Close(); err != nil {
			log.Printf("[Simulator] failed to close fork: %v", err)
		}
	}()

	code, err := fork.CodeAt(ctx, contract)
	if err != nil {
		log.Printf("[Simulator] failed to get code of %s: %v", contract.Hex(), err)
		return nil
	}
	if len(code) == 0 {
		return nil
	}

	selectors := DistinctSelectors(ScanSelectors(code))
	if len(selectors) == 0 {
		return nil
	}
	if s.maxProbes > 0 && len(selectors) > s.maxProbes {
		selectors = selectors[:s.maxProbes]
	}

	signer, err := fork.Signer(attacker)
	if err != nil {
		log.Printf("[Simulator] no signer for %s: %v", attacker.Hex(), err)
		return nil
	}

	batch, err := s.batcher.Open(fork, s.chainID)
	if err != nil {
		log.Printf("[Simulator] failed to open balance batch: %v", err)
		return nil
	}

	calls := s.balanceCalls(batch, attacker, contract)
	before, err := batch.ExecuteAll(ctx, calls)
	if err != nil {
		log.Printf("[Simulator] failed to read initial balances: %v", err)
		return nil
	}

	log.Printf("[Simulator] probing %d selectors of %s from %s at block %d",
		len(selectors), contract.Hex(), attacker.Hex(), ev.BlockNumber())

	for _, sel := range selectors {
		if ctx.Err() != nil {
			return nil
		}
		if err := signer.SendTransaction(ctx, contract, sel[:]); err != nil {
			continue
		}

		after, err := batch.ExecuteAll(ctx, calls)
		if err != nil {
			log.Printf("[Simulator] failed to read balances after %s: %v", sel.Hex(), err)
			continue
		}

		if findings := s.compare(attacker, contract, before, after); len(findings) > 0 {
			log.Printf("[Simulator] selector %s of %s produced %d findings", sel.Hex(), contract.Hex(), len(findings))
			return findings
		}
	}

	return nil
}

// balanceCalls 前半部分为攻击者余额，后半部分为合约余额
func (s *AttackSimulator) balanceCalls(batch BalanceBatch, attacker, contract common.Address) []BalanceCall {
	calls := make([]BalanceCall, 0, 2*len(s.tokens))
	for _, holder := range []common.Address{attacker, contract} {
		for _, t := range s.tokens {
			if t.Asset == nil {
				calls = append(calls, batch.NativeBalance(holder))
			} else {
				calls = append(calls, batch.AssetBalance(*t.Asset, holder))
			}
		}
	}
	return calls
}

func (s *AttackSimulator) compare(attacker, contract common.Address, before, after []*big.Int) []types.Finding {
	attackerHex := strings.ToLower(attacker.Hex())
	contractHex := strings.ToLower(contract.Hex())
	n := len(s.tokens)
	if len(before) != 2*n || len(after) != 2*n {
		log.Printf("[Simulator] unexpected balance count: before=%d after=%d tokens=%d", len(before), len(after), n)
		return nil
	}

	var findings []types.Finding
	for i := 0; i < 2*n; i++ {
		token := s.tokens[i%n]
		delta := new(big.Int).Sub(after[i], before[i])
		if delta.Cmp(token.Threshold) < 0 {
			continue
		}

		drained := attackerHex
		if i >= n {
			drained = contractHex
		}
		findings = append(findings, types.NewFinding(
			"Potential High Value Transfer Exploit",
			fmt.Sprintf("Potential high value drain detected from suspicious address - %s", drained),
			AttackAlertID,
			types.SeverityCritical,
			types.FindingTypeExploit,
			map[string]string{
				"attacker":         attackerHex,
				"attackerContract": contractHex,
				"token":            token.Label(),
				"transferValue":    delta.String(),
			},
		))
	}
	return findings
}
