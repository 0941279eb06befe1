package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// FlexibleUint64 兼容多种节点返回格式的 uint64
// anvil/ganache/geth 对 receipt 中 status、gasUsed、blockNumber 的编码并不统一:
// - JSON 数字: 1
// - 十六进制字符串: "0x1"
// - 十进制字符串: "1"
type FlexibleUint64 struct {
	value uint64
}

// NewFlexibleUint64 创建一个新的 FlexibleUint64
func NewFlexibleUint64(val uint64) FlexibleUint64 {
	return FlexibleUint64{value: val}
}

// Uint64 返回 uint64 值
func (f FlexibleUint64) Uint64() uint64 {
	return f.value
}

// UnmarshalJSON 实现 json.Unmarshaler 接口
func (f *FlexibleUint64) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		f.value = 0
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		val, err := strconv.ParseUint(num.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric quantity %s: %w", num, err)
		}
		f.value = val
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("quantity is neither number nor string: %w", err)
	}
	val, err := parseQuantity(str)
	if err != nil {
		return err
	}
	f.value = val
	return nil
}

func parseQuantity(str string) (uint64, error) {
	str = strings.TrimSpace(str)
	if str == "" || str == "0x" || str == "0X" {
		return 0, nil
	}

	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		// 使用 big.Int 以便给出超范围的明确错误
		n, ok := new(big.Int).SetString(str[2:], 16)
		if !ok {
			return 0, fmt.Errorf("invalid hex quantity: %s", str)
		}
		if !n.IsUint64() {
			return 0, fmt.Errorf("hex quantity overflows uint64: %s", str)
		}
		return n.Uint64(), nil
	}

	val, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal quantity %s: %w", str, err)
	}
	return val, nil
}

// MarshalJSON 序列化为十六进制字符串 (与以太坊 JSON-RPC 一致)
func (f FlexibleUint64) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"0x%x\"", f.value)), nil
}

// String 返回十六进制字符串表示
func (f FlexibleUint64) String() string {
	return fmt.Sprintf("0x%x", f.value)
}
