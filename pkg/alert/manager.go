// Package alert 对告警去重、记录并分发到各个输出
package alert

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"mixwatch/pkg/types"
)

// Record 告警记录
type Record struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Origin    types.Origin  `json:"origin"`
	Finding   types.Finding `json:"finding"`
}

// Sink 告警输出
type Sink interface {
	Name() string
	Send(ctx context.Context, record Record) error
	Close() error
}

// Statistics 告警统计
type Statistics struct {
	TotalAlerts   int            `json:"totalAlerts"`
	Throttled     int            `json:"throttled"`
	AlertsByID    map[string]int `json:"alertsById"`
	SinkFailures  map[string]int `json:"sinkFailures"`
	LastAlertTime time.Time      `json:"lastAlertTime"`
}

// Manager 告警管理器
// 同一 (AlertID, 主体地址) 在限流窗口内只发送一次
type Manager struct {
	mu          sync.Mutex
	sinks       []Sink
	throttle    time.Duration
	lastSent    map[string]time.Time
	history     []Record
	historySize int
	stats       Statistics
	now         func() time.Time
}

// NewManager 创建告警管理器，throttle 为 0 时不限流
func NewManager(throttle time.Duration, historySize int, sinks ...Sink) *Manager {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Manager{
		sinks:       sinks,
		throttle:    throttle,
		lastSent:    make(map[string]time.Time),
		historySize: historySize,
		stats: Statistics{
			AlertsByID:   make(map[string]int),
			SinkFailures: make(map[string]int),
		},
		now: time.Now,
	}
}

// AddSink 追加输出
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Publish 发送告警，输出失败只记录日志
func (m *Manager) Publish(ctx context.Context, origin types.Origin, findings []types.Finding) {
	for _, f := range findings {
		record, ok := m.admit(origin, f)
		if !ok {
			continue
		}
		for _, s := range m.sinkList() {
			if err := s.Send(ctx, record); err != nil {
				log.Printf("[Alert] %s sink failed for %s: %v", s.Name(), f.AlertID, err)
				m.mu.Lock()
				m.stats.SinkFailures[s.Name()]++
				m.mu.Unlock()
			}
		}
	}
}

func (m *Manager) sinkList() []Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sink(nil), m.sinks...)
}

// admit 限流检查并记录历史
func (m *Manager) admit(origin types.Origin, f types.Finding) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := f.AlertID + ":" + f.Subject()
	if m.throttle > 0 {
		if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.throttle {
			log.Printf("[Alert] Alert throttled for %s", key)
			m.stats.Throttled++
			return Record{}, false
		}
		m.lastSent[key] = now
		if len(m.lastSent) > 4*m.historySize {
			m.pruneLocked(now)
		}
	}

	record := Record{ID: uuid.NewString(), Timestamp: now, Origin: origin, Finding: f}
	m.history = append(m.history, record)
	if len(m.history) > m.historySize {
		m.history = append([]Record(nil), m.history[len(m.history)-m.historySize:]...)
	}

	m.stats.TotalAlerts++
	m.stats.AlertsByID[f.AlertID]++
	m.stats.LastAlertTime = now
	return record, true
}

func (m *Manager) pruneLocked(now time.Time) {
	for k, t := range m.lastSent {
		if now.Sub(t) >= m.throttle {
			delete(m.lastSent, k)
		}
	}
}

// History 返回最近 limit 条记录，按时间先后排列，limit <= 0 返回全部
func (m *Manager) History(limit int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if limit > 0 && limit < len(m.history) {
		start = len(m.history) - limit
	}
	return append([]Record(nil), m.history[start:]...)
}

// Statistics 获取告警统计
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.stats
	out.AlertsByID = make(map[string]int, len(m.stats.AlertsByID))
	for k, v := range m.stats.AlertsByID {
		out.AlertsByID[k] = v
	}
	out.SinkFailures = make(map[string]int, len(m.stats.SinkFailures))
	for k, v := range m.stats.SinkFailures {
		out.SinkFailures[k] = v
	}
	return out
}

// Close 关闭所有输出
func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.sinkList() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
