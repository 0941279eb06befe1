package simulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScanSelectors 测试函数分发表选择器提取
func TestScanSelectors(t *testing.T) {
	code := dispatcher(sel1, sel2, sel3)
	got := ScanSelectors(code)
	assert.Equal(t, []Selector{sel1, sel2, sel3}, got)
	// 重复扫描结果一致
	assert.Equal(t, got, ScanSelectors(code))
}

func TestScanSelectorsNoMatch(t *testing.T) {
	assert.Empty(t, ScanSelectors(nil))
	assert.Empty(t, ScanSelectors([]byte{0x60, 0x80, 0x60, 0x40, 0x52}))
	// 片段被截断
	full := dispatcher(sel1)
	assert.Empty(t, ScanSelectors(full[6:16]))
}

func TestScanSelectorsNonOverlapping(t *testing.T) {
	// 连续片段，第一个片段的跳转目标字节与片段开头相同
	code := []byte{
		0x80, 0x63, 0xde, 0xad, 0xbe, 0xef, 0x14, 0x61, 0x80, 0x63, 0x57,
		0x80, 0x63, 0x01, 0x02, 0x03, 0x04, 0x14, 0x61, 0x00, 0x10, 0x57,
	}
	assert.Equal(t, []Selector{{0xde, 0xad, 0xbe, 0xef}, {0x01, 0x02, 0x03, 0x04}}, ScanSelectors(code))

	// 重叠位置的候选不会被当成新片段
	overlap := []byte{0x80, 0x63, 0x80, 0x63, 0xaa, 0xbb, 0x14, 0x61, 0x14, 0x61, 0x57, 0xcc, 0x57}
	assert.Equal(t, []Selector{{0x80, 0x63, 0xaa, 0xbb}}, ScanSelectors(overlap))
}

func TestScanSelectorsHex(t *testing.T) {
	sels, err := ScanSelectorsHex("0x608060405234801561001057600080fd5b506004361061002b5760003560e01c80636d4ce63c14610030575b600080fd5b")
	require.NoError(t, err)
	assert.Equal(t, []Selector{{0x6d, 0x4c, 0xe6, 0x3c}}, sels)
	assert.Equal(t, "0x6d4ce63c", sels[0].Hex())

	sels, err = ScanSelectorsHex("0x")
	require.NoError(t, err)
	assert.Empty(t, sels)

	_, err = ScanSelectorsHex("0xzz")
	assert.Error(t, err)
}

func TestDistinctSelectors(t *testing.T) {
	assert.Equal(t, []Selector{sel2, sel1, sel3}, DistinctSelectors([]Selector{sel2, sel1, sel2, sel3, sel1}))
	assert.Empty(t, DistinctSelectors(nil))
}
