package simulator

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"
)

// Selector 4 字节函数选择器
type Selector [4]byte

// Hex 返回 0x 前缀的十六进制形式
func (s Selector) Hex() string {
	return hexutil.Encode(s[:])
}

// dispatcherLen 函数分发片段长度:
// DUP1 PUSH4 <selector> EQ PUSH2 <dest> JUMPI
const dispatcherLen = 11

// ScanSelectors 从运行时字节码中提取函数分发表里的选择器
// 从左到右线性扫描，匹配后跳过整个片段，结果按出现顺序返回（可能包含重复）
func ScanSelectors(code []byte) []Selector {
	var selectors []Selector
	for i := 0; i+dispatcherLen <= len(code); {
		if matchDispatcher(code[i : i+dispatcherLen]) {
			var sel Selector
			copy(sel[:], code[i+2:i+6])
			selectors = append(selectors, sel)
			i += dispatcherLen
			continue
		}
		i++
	}
	return selectors
}

func matchDispatcher(b []byte) bool {
	return b[0] == byte(vm.DUP1) &&
		b[1] == byte(vm.PUSH4) &&
		b[6] == byte(vm.EQ) &&
		b[7] == byte(vm.PUSH2) &&
		b[10] == byte(vm.JUMPI)
}

// ScanSelectorsHex 接受十六进制字节码（可带 0x 前缀）
func ScanSelectorsHex(code string) ([]Selector, error) {
	code = strings.TrimSpace(code)
	if !strings.HasPrefix(code, "0x") && !strings.HasPrefix(code, "0X") {
		code = "0x" + code
	}
	if code == "0x" || code == "0X" {
		return nil, nil
	}
	raw, err := hexutil.Decode(strings.ToLower(code[:2]) + code[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid bytecode hex: %w", err)
	}
	return ScanSelectors(raw), nil
}

// DistinctSelectors 去重并保留首次出现顺序
func DistinctSelectors(selectors []Selector) []Selector {
	seen := make(map[Selector]struct{}, len(selectors))
	out := make([]Selector, 0, len(selectors))
	for _, s := range selectors {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
