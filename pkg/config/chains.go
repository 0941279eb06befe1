package config

import "sync"

// ChainDefaults 某条链的内置默认值
type ChainDefaults struct {
	Name   string
	Mixers []string
	Tokens []TokenConfig
}

var (
	chainMu       sync.RWMutex
	chainDefaults = map[uint64]ChainDefaults{}
)

// RegisterChain 注册链的默认混币合约与检查资产，重复注册会覆盖
func RegisterChain(chainID uint64, defaults ChainDefaults) {
	if chainID == 0 {
		return
	}
	chainMu.Lock()
	defer chainMu.Unlock()
	chainDefaults[chainID] = defaults
}

// ChainDefaultsFor 返回链的默认值
func ChainDefaultsFor(chainID uint64) (ChainDefaults, bool) {
	chainMu.RLock()
	defer chainMu.RUnlock()
	d, ok := chainDefaults[chainID]
	return d, ok
}

func init() {
	RegisterChain(1, ChainDefaults{
		Name: "ethereum",
		Mixers: []string{
			"0x12D66f87A04A9E220743712cE6d9bB1B5616B8Fc", // 0.1 ETH
			"0x47CE0C6eD5B0Ce3d3A51fdb1C52DC66a7c3c2936", // 1 ETH
			"0x910Cbd523D972eb0a6f4cAe4618aD62622b39DbF", // 10 ETH
			"0xA160cdAB225685dA1d56aa342Ad8841c3b53f291", // 100 ETH
		},
		Tokens: []TokenConfig{
			{Address: "", Threshold: "100"},
			{Address: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", Threshold: "100"}, // WETH
		},
	})
	RegisterChain(56, ChainDefaults{
		Name: "bsc",
		Mixers: []string{
			"0x84443CFd09A48AF6eF360C6976C5392aC5023a1F", // 0.1 BNB
			"0xd47438C816c9E7f2E2888E060936a499Af9582b3", // 1 BNB
			"0x330bdFADE01eE9bF63C209Ee33102DD334618e0a", // 10 BNB
			"0x1E34A77868E19A6647b1f2F47B51ed72dEDE95DD", // 100 BNB
		},
		Tokens: []TokenConfig{
			{Address: "", Threshold: "100"},
		},
	})
}
