package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexibleUint64Formats(t *testing.T) {
	tests := []struct {
		input    string
		expected uint64
	}{
		{`1`, 1},
		{`"0x1"`, 1},
		{`"0x5f5e100"`, 100000000},
		{`"42"`, 42},
		{`""`, 0},
		{`"0x"`, 0},
		{`null`, 0},
	}

	for _, tt := range tests {
		var f FlexibleUint64
		require.NoError(t, json.Unmarshal([]byte(tt.input), &f), "input %s", tt.input)
		assert.Equal(t, tt.expected, f.Uint64(), "input %s", tt.input)
	}
}

func TestFlexibleUint64Rejects(t *testing.T) {
	for _, input := range []string{`"0xzz"`, `"0x10000000000000000"`, `"abc"`, `true`} {
		var f FlexibleUint64
		assert.Error(t, json.Unmarshal([]byte(input), &f), "input %s", input)
	}
}

func TestFlexibleUint64Marshal(t *testing.T) {
	data, err := json.Marshal(NewFlexibleUint64(255))
	require.NoError(t, err)
	assert.Equal(t, `"0xff"`, string(data))
}

func TestSeverityOrderingAndJSON(t *testing.T) {
	assert.True(t, SeverityInfo < SeverityLow)
	assert.True(t, SeverityLow < SeverityMedium)
	assert.True(t, SeverityMedium < SeverityHigh)
	assert.True(t, SeverityHigh < SeverityCritical)

	f := NewFinding("n", "d", "ID", SeverityCritical, FindingTypeExploit, map[string]string{"attacker": "0xabc"})
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"Critical"`)
	assert.Contains(t, string(data), `"type":"Exploit"`)

	var back Finding
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, f, back)
}

func TestNewFindingCopiesMetadata(t *testing.T) {
	md := map[string]string{"suspectedAccount": "0x01"}
	f := NewFinding("n", "d", "ID", SeverityLow, FindingTypeInfo, md)
	md["suspectedAccount"] = "0x02"
	assert.Equal(t, "0x01", f.Metadata["suspectedAccount"])
	assert.Equal(t, "0x01", f.Subject())
}
