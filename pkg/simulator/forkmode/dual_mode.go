// Package forkmode 根据配置选择分叉的执行方式
package forkmode

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"mixwatch/pkg/simulator"
	"mixwatch/pkg/simulator/anvil"
	"mixwatch/pkg/simulator/local"
)

// ExecutionMode 分叉执行模式
type ExecutionMode int

const (
	// ModeLocal 进程内 EVM，状态按需从 RPC 拉取（默认）
	ModeLocal ExecutionMode = iota
	// ModeAnvil 外部 anvil 节点
	ModeAnvil
)

// String 返回执行模式的字符串表示
func (m ExecutionMode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeAnvil:
		return "anvil"
	default:
		return "unknown"
	}
}

// ParseMode 解析配置中的模式名称，空字符串视为 local
func ParseMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return ModeLocal, nil
	case "anvil":
		return ModeAnvil, nil
	default:
		return 0, fmt.Errorf("unknown fork mode %q (want local or anvil)", s)
	}
}

// Options 创建分叉提供者所需的参数
type Options struct {
	Mode    ExecutionMode
	ChainID uint64
	// RPC 链上节点客户端，local 模式从这里拉取状态
	RPC *rpc.Client
	// UpstreamURL anvil 分叉时使用的上游 RPC
	UpstreamURL string
	// AnvilURL anvil 节点地址
	AnvilURL string
	// Override 仅 local 模式使用，叠加在分叉状态之上
	Override local.StateOverride
}

// NewForkProvider 按模式创建分叉提供者
func NewForkProvider(ctx context.Context, opts Options) (simulator.ForkProvider, error) {
	switch opts.Mode {
	case ModeLocal:
		if opts.RPC == nil {
			return nil, fmt.Errorf("local fork mode requires an rpc client")
		}
		log.Printf("[ForkMode] 使用本地 EVM 分叉 (chain=%d)", opts.ChainID)
		provider := local.NewForkProvider(opts.RPC, new(big.Int).SetUint64(opts.ChainID))
		if len(opts.Override) > 0 {
			provider.WithOverride(opts.Override)
		}
		return provider, nil
	case ModeAnvil:
		if opts.AnvilURL == "" {
			return nil, fmt.Errorf("anvil fork mode requires anvil_url")
		}
		if len(opts.Override) > 0 {
			return nil, fmt.Errorf("state override is only supported in local fork mode")
		}
		provider, err := anvil.Dial(ctx, opts.AnvilURL, opts.UpstreamURL)
		if err != nil {
			return nil, err
		}
		log.Printf("[ForkMode] 使用 anvil 分叉: %s", opts.AnvilURL)
		return provider, nil
	default:
		return nil, fmt.Errorf("unsupported fork mode %s", opts.Mode)
	}
}
