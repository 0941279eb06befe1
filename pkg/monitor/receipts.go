package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"mixwatch/pkg/detector"
	"mixwatch/pkg/retry"
)

var _ detector.ContractResolver = (*ReceiptResolver)(nil)

// ErrNoContractCreated 交易没有创建合约
var ErrNoContractCreated = errors.New("transaction did not create a contract")

// defaultReceiptCache 缓存的回执数量，覆盖若干个区块
const defaultReceiptCache = 4096

// ReceiptSource 按哈希获取回执
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ReceiptResolver 从交易回执解析新建合约地址
// 监控器处理区块时会把已获取的回执放入缓存，避免重复请求
type ReceiptResolver struct {
	source ReceiptSource
	policy retry.Policy

	mu    sync.Mutex
	cache *simplelru.LRU[common.Hash, *types.Receipt]
}

// NewReceiptResolver 创建回执解析器
func NewReceiptResolver(source ReceiptSource) *ReceiptResolver {
	cache, _ := simplelru.NewLRU[common.Hash, *types.Receipt](defaultReceiptCache, nil)
	policy := retry.DefaultPolicy()
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		log.Printf("[Receipts] fetch attempt %d failed, retry in %s: %v", attempt, wait, err)
	}
	return &ReceiptResolver{source: source, policy: policy, cache: cache}
}

// WithPolicy 设置获取回执的重试策略
func (r *ReceiptResolver) WithPolicy(p retry.Policy) *ReceiptResolver {
	r.policy = p
	return r
}

// Remember 缓存已获取的回执
func (r *ReceiptResolver) Remember(receipts ...*types.Receipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rc := range receipts {
		if rc != nil {
			r.cache.Add(rc.TxHash, rc)
		}
	}
}

// Receipt 先查缓存，再带重试地从节点获取
func (r *ReceiptResolver) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r.mu.Lock()
	rc, ok := r.cache.Get(txHash)
	r.mu.Unlock()
	if ok {
		return rc, nil
	}

	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		rc, err = r.source.TransactionReceipt(ctx, txHash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", txHash.Hex(), err)
	}
	if rc == nil {
		return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), ethereum.NotFound)
	}
	r.Remember(rc)
	return rc, nil
}

// ResolveCreatedContract 实现 detector.ContractResolver
func (r *ReceiptResolver) ResolveCreatedContract(ctx context.Context, txHash common.Hash) (common.Address, error) {
	rc, err := r.Receipt(ctx, txHash)
	if err != nil {
		return common.Address{}, err
	}
	if rc.Status == types.ReceiptStatusFailed || rc.ContractAddress == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNoContractCreated, txHash.Hex())
	}
	return rc.ContractAddress, nil
}
