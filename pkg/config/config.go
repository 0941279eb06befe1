// Package config 加载并校验监控器配置
package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"mixwatch/pkg/detector"
	"mixwatch/pkg/simulator"
	"mixwatch/pkg/simulator/forkmode"
	"mixwatch/pkg/suspects"
)

// Config 监控器完整配置
type Config struct {
	ChainID uint64 `json:"chain_id" yaml:"chain_id"`
	// RPCURL 建议使用 ws:// 以便订阅新区块
	RPCURL string `json:"rpc_url" yaml:"rpc_url"`

	Tracker    TrackerConfig    `json:"tracker" yaml:"tracker"`
	Mixers     MixerConfig      `json:"mixers" yaml:"mixers"`
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`
	Alerts     AlertConfig      `json:"alerts" yaml:"alerts"`
	API        APIConfig        `json:"api" yaml:"api"`

	tokens  []simulator.TokenCheck
	mixers  []common.Address
	event   abi.Event
	forkMod forkmode.ExecutionMode
}

// TrackerConfig 可疑地址集合
type TrackerConfig struct {
	Capacity int `json:"capacity" yaml:"capacity"`
}

// MixerConfig 混币合约与提现事件
type MixerConfig struct {
	// Addresses 为空时使用内置的链默认值
	Addresses       []string `json:"addresses" yaml:"addresses"`
	WithdrawalEvent string   `json:"withdrawal_event" yaml:"withdrawal_event"`
}

// TokenConfig 需要检查余额变化的资产，Address 为空表示原生资产
type TokenConfig struct {
	Address   string `json:"address" yaml:"address"`
	Threshold string `json:"threshold" yaml:"threshold"`
	Decimals  *uint8 `json:"decimals,omitempty" yaml:"decimals,omitempty"`
}

// SimulationConfig 攻击模拟
type SimulationConfig struct {
	Enabled   *bool         `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Mode      string        `json:"mode" yaml:"mode"`
	AnvilURL  string        `json:"anvil_url" yaml:"anvil_url"`
	Upstream  string        `json:"upstream_url" yaml:"upstream_url"`
	Multicall bool          `json:"multicall" yaml:"multicall"`
	MaxProbes int           `json:"max_probes" yaml:"max_probes"`
	Tokens    []TokenConfig `json:"tokens" yaml:"tokens"`
}

// KafkaConfig Kafka 告警输出
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// AlertConfig 告警去重与输出
type AlertConfig struct {
	ThrottleSeconds int          `json:"throttle_seconds" yaml:"throttle_seconds"`
	HistorySize     int          `json:"history_size" yaml:"history_size"`
	WebhookURL      string       `json:"webhook_url" yaml:"webhook_url"`
	Kafka           *KafkaConfig `json:"kafka,omitempty" yaml:"kafka,omitempty"`
	PostgresDSN     string       `json:"postgres_dsn" yaml:"postgres_dsn"`
}

// APIConfig HTTP 接口
type APIConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

const (
	defaultThrottle    = 5 * time.Minute
	defaultHistorySize = 1000
)

// SimulationEnabled 未配置时默认开启
func (c *Config) SimulationEnabled() bool {
	return c.Simulation.Enabled == nil || *c.Simulation.Enabled
}

// Throttle 告警去重窗口
func (c *Config) Throttle() time.Duration {
	if c.Alerts.ThrottleSeconds <= 0 {
		return defaultThrottle
	}
	return time.Duration(c.Alerts.ThrottleSeconds) * time.Second
}

// HistorySize 内存中保留的告警数量
func (c *Config) HistorySize() int {
	if c.Alerts.HistorySize <= 0 {
		return defaultHistorySize
	}
	return c.Alerts.HistorySize
}

// Validate 填充默认值并把配置转换为运行时类型
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}
	defaults, hasDefaults := ChainDefaultsFor(c.ChainID)

	if c.Tracker.Capacity == 0 {
		c.Tracker.Capacity = suspects.DefaultCapacity
	}
	if c.Tracker.Capacity < 0 {
		return fmt.Errorf("tracker.capacity must be positive, got %d", c.Tracker.Capacity)
	}

	mixers := c.Mixers.Addresses
	if len(mixers) == 0 && hasDefaults {
		mixers = defaults.Mixers
	}
	if len(mixers) == 0 {
		return fmt.Errorf("no mixer addresses configured for chain %d", c.ChainID)
	}
	c.mixers = c.mixers[:0]
	for _, m := range mixers {
		if !common.IsHexAddress(m) {
			return fmt.Errorf("invalid mixer address %q", m)
		}
		c.mixers = append(c.mixers, common.HexToAddress(m))
	}

	sig := c.Mixers.WithdrawalEvent
	if sig == "" {
		sig = detector.DefaultWithdrawalSignature
	}
	event, err := detector.ParseEventSignature(sig)
	if err != nil {
		return fmt.Errorf("invalid withdrawal_event: %w", err)
	}
	if !hasArg(event, "to") {
		return fmt.Errorf("withdrawal_event must have an address parameter named 'to'")
	}
	c.event = event

	tokens := c.Simulation.Tokens
	if len(tokens) == 0 && hasDefaults {
		tokens = defaults.Tokens
	}
	if c.SimulationEnabled() && len(tokens) == 0 {
		return fmt.Errorf("no simulation tokens configured for chain %d", c.ChainID)
	}
	c.tokens = c.tokens[:0]
	for _, t := range tokens {
		decimals := uint8(simulator.DefaultDecimals)
		if t.Decimals != nil {
			decimals = *t.Decimals
		}
		check, err := simulator.NewTokenCheck(t.Address, t.Threshold, decimals)
		if err != nil {
			return err
		}
		if check.Threshold.Sign() <= 0 {
			return fmt.Errorf("threshold for %s must be positive", check.Label())
		}
		c.tokens = append(c.tokens, check)
	}

	if c.Simulation.MaxProbes < 0 {
		return fmt.Errorf("simulation.max_probes must not be negative")
	}
	mode, err := forkmode.ParseMode(c.Simulation.Mode)
	if err != nil {
		return err
	}
	if mode == forkmode.ModeAnvil && c.Simulation.AnvilURL == "" {
		return fmt.Errorf("simulation.anvil_url is required in anvil mode")
	}
	c.forkMod = mode
	if c.Simulation.Upstream == "" {
		c.Simulation.Upstream = c.RPCURL
	}

	if c.Alerts.Kafka != nil && (len(c.Alerts.Kafka.Brokers) == 0 || c.Alerts.Kafka.Topic == "") {
		return fmt.Errorf("alerts.kafka needs brokers and topic")
	}
	return nil
}

func hasArg(event abi.Event, name string) bool {
	for _, in := range event.Inputs {
		if in.Name == name && in.Type.T == abi.AddressTy {
			return true
		}
	}
	return false
}

// TokenChecks Validate 之后可用
func (c *Config) TokenChecks() []simulator.TokenCheck { return c.tokens }

// MixerAddresses Validate 之后可用
func (c *Config) MixerAddresses() []common.Address { return c.mixers }

// WithdrawalEvent Validate 之后可用
func (c *Config) WithdrawalEvent() abi.Event { return c.event }

// ForkMode Validate 之后可用
func (c *Config) ForkMode() forkmode.ExecutionMode { return c.forkMod }
