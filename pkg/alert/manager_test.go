package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixwatch/pkg/types"
)

type recordingSink struct {
	mu      sync.Mutex
	name    string
	err     error
	records []Record
	closed  bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func finding(alertID, subject string) types.Finding {
	return types.NewFinding("n", "d", alertID, types.SeverityMedium, types.FindingTypeSuspicious,
		map[string]string{"suspiciousContract": subject})
}

var origin = types.Origin{ChainID: 1, BlockNumber: 10, TxHash: "0xabc"}

// TestManagerThrottle 测试同一主体在窗口内只发送一次
func TestManagerThrottle(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	m := NewManager(time.Minute, 10, sink)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	m.Publish(ctx, origin, []types.Finding{finding("A", "0x1"), finding("A", "0x1"), finding("A", "0x2"), finding("B", "0x1")})
	assert.Len(t, sink.records, 3)

	now = now.Add(59 * time.Second)
	m.Publish(ctx, origin, []types.Finding{finding("A", "0x1")})
	assert.Len(t, sink.records, 3)

	now = now.Add(time.Second)
	m.Publish(ctx, origin, []types.Finding{finding("A", "0x1")})
	assert.Len(t, sink.records, 4)

	stats := m.Statistics()
	assert.Equal(t, 4, stats.TotalAlerts)
	assert.Equal(t, 2, stats.Throttled)
	assert.Equal(t, map[string]int{"A": 3, "B": 1}, stats.AlertsByID)
	assert.Equal(t, now, stats.LastAlertTime)

	rec := sink.records[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, origin, rec.Origin)
}

func TestManagerHistoryBounded(t *testing.T) {
	m := NewManager(0, 3)
	for _, s := range []string{"0x1", "0x2", "0x3", "0x4", "0x5"} {
		m.Publish(context.Background(), origin, []types.Finding{finding("A", s)})
	}

	all := m.History(0)
	require.Len(t, all, 3)
	assert.Equal(t, "0x3", all[0].Finding.Subject())
	assert.Equal(t, "0x5", all[2].Finding.Subject())

	last := m.History(1)
	require.Len(t, last, 1)
	assert.Equal(t, "0x5", last[0].Finding.Subject())
}

func TestManagerSinkFailureDoesNotStopOthers(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("down")}
	good := &recordingSink{name: "good"}
	m := NewManager(0, 10, bad)
	m.AddSink(good)

	m.Publish(context.Background(), origin, []types.Finding{finding("A", "0x1"), finding("A", "0x2")})
	assert.Len(t, good.records, 2)
	assert.Equal(t, map[string]int{"bad": 2}, m.Statistics().SinkFailures)

	require.NoError(t, m.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}
