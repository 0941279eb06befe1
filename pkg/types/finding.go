package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity 告警严重程度，按 Info < Low < Medium < High < Critical 排序
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = []string{"Info", "Low", "Medium", "High", "Critical"}

// String 返回严重程度名称
func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "Unknown"
	}
	return severityNames[s]
}

// MarshalJSON 序列化为名称
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON 从名称解析（忽略大小写）
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range severityNames {
		if strings.EqualFold(n, name) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", name)
}

// FindingType 告警类别
type FindingType int

const (
	FindingTypeInfo FindingType = iota
	FindingTypeSuspicious
	FindingTypeExploit
)

var findingTypeNames = []string{"Info", "Suspicious", "Exploit"}

// String 返回类别名称
func (t FindingType) String() string {
	if t < 0 || int(t) >= len(findingTypeNames) {
		return "Unknown"
	}
	return findingTypeNames[t]
}

// MarshalJSON 序列化为名称
func (t FindingType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON 从名称解析（忽略大小写）
func (t *FindingType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range findingTypeNames {
		if strings.EqualFold(n, name) {
			*t = FindingType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown finding type %q", name)
}

// Finding 流水线的输出单元
// Metadata 中的地址与数值均为字符串，大整数使用十进制表示避免精度丢失
type Finding struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	AlertID     string            `json:"alertId"`
	Severity    Severity          `json:"severity"`
	Type        FindingType       `json:"type"`
	Metadata    map[string]string `json:"metadata"`
}

// NewFinding 构造 Finding，metadata 会被复制
func NewFinding(name, description, alertID string, severity Severity, typ FindingType, metadata map[string]string) Finding {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return Finding{
		Name:        name,
		Description: description,
		AlertID:     alertID,
		Severity:    severity,
		Type:        typ,
		Metadata:    md,
	}
}

// Subject 返回用于限流/分组的主体地址
func (f Finding) Subject() string {
	for _, key := range []string{"attackerContract", "suspiciousContract", "suspectedAccount", "suspectedSender", "attacker"} {
		if v, ok := f.Metadata[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

// Origin 告警来源交易
type Origin struct {
	ChainID     uint64 `json:"chainId"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"txHash"`
}
