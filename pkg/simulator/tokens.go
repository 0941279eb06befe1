package simulator

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultDecimals 未配置精度时使用的小数位数
const DefaultDecimals = 18

// NativeLabel 原生资产在告警元数据中的名称
const NativeLabel = "native"

// TokenCheck 需要监控余额变化的资产
// Asset 为 nil 表示原生资产
type TokenCheck struct {
	Asset     *common.Address
	Threshold *big.Int // 最小单位
}

// Label 返回告警中使用的资产名称
func (t TokenCheck) Label() string {
	if t.Asset == nil {
		return NativeLabel
	}
	return strings.ToLower(t.Asset.Hex())
}

// NewTokenCheck 由人类可读的阈值与精度构建 TokenCheck
// asset 为空字符串表示原生资产
func NewTokenCheck(asset, threshold string, decimals uint8) (TokenCheck, error) {
	var check TokenCheck
	asset = strings.TrimSpace(asset)
	if asset != "" {
		if !common.IsHexAddress(asset) {
			return check, fmt.Errorf("invalid token address %q", asset)
		}
		addr := common.HexToAddress(asset)
		check.Asset = &addr
	}

	value, err := ParseUnits(threshold, decimals)
	if err != nil {
		return check, fmt.Errorf("invalid threshold for %s: %w", check.Label(), err)
	}
	check.Threshold = value
	return check, nil
}

// ParseUnits 把十进制数值字符串按 decimals 转换为最小单位
// 例如 ParseUnits("1.5", 18) = 1500000000000000000
func ParseUnits(value string, decimals uint8) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(value, "-") {
		return nil, fmt.Errorf("negative amount %q", value)
	}

	whole, frac, hasFrac := strings.Cut(value, ".")
	if hasFrac && len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", value, decimals)
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if whole == "" {
		whole = "0"
	}

	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	for _, c := range digits {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid amount %q", value)
		}
	}

	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return out, nil
}
