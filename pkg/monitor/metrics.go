package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mixwatch/pkg/detector"
)

// Metrics 监控器的 Prometheus 指标
type Metrics struct {
	BlocksProcessed       prometheus.Counter
	TransactionsProcessed prometheus.Counter
	BlockErrors           prometheus.Counter
	Findings              *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	SuspectsTracked       prometheus.Gauge
	LastBlock             prometheus.Gauge
}

// NewMetrics 创建指标并注册到 reg，reg 为 nil 时不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixwatch_blocks_processed_total",
			Help: "Total number of blocks processed",
		}),
		TransactionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixwatch_transactions_processed_total",
			Help: "Total number of transactions run through the detection pipeline",
		}),
		BlockErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mixwatch_block_errors_total",
			Help: "Total number of blocks that could not be fetched or processed",
		}),
		Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mixwatch_findings_total",
			Help: "Total number of findings emitted per alert id",
		}, []string{"alert_id"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mixwatch_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 15, 60},
		}, []string{"stage"}),
		SuspectsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mixwatch_suspects_tracked",
			Help: "Number of mixer-funded addresses currently tracked",
		}),
		LastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mixwatch_last_block",
			Help: "Number of the last processed block",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BlocksProcessed,
			m.TransactionsProcessed,
			m.BlockErrors,
			m.Findings,
			m.StageDuration,
			m.SuspectsTracked,
			m.LastBlock,
		)
	}
	return m
}

// StageObserver 记录每个阶段的耗时与告警数
func (m *Metrics) StageObserver() detector.StageObserver {
	return func(stage string, elapsed time.Duration, result detector.StageResult) {
		m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
		for _, f := range result.Findings {
			m.Findings.WithLabelValues(f.AlertID).Inc()
		}
	}
}
