package detector

import (
	"context"
	"log"
	"runtime/debug"
	"time"

	"mixwatch/pkg/types"
)

// StageObserver 每个阶段执行完成后的回调，可用于指标统计
type StageObserver func(stage string, elapsed time.Duration, result StageResult)

type pipelineEntry struct {
	stage Stage
	gated bool
}

// Pipeline 按顺序执行检测阶段并合并告警
type Pipeline struct {
	entries  []pipelineEntry
	observer StageObserver
}

// NewPipeline 创建空流水线
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// NewDefaultPipeline 组装默认顺序: funding → creation → simulation(仅在 creation 触发后执行)
func NewDefaultPipeline(funding, creation, simulation Stage) *Pipeline {
	return NewPipeline().Use(funding).Use(creation).UseGated(simulation)
}

// Use 追加一个无条件执行的阶段
func (p *Pipeline) Use(stage Stage) *Pipeline {
	p.entries = append(p.entries, pipelineEntry{stage: stage})
	return p
}

// UseGated 追加一个仅在上一阶段 Trigger 为 true 时执行的阶段
func (p *Pipeline) UseGated(stage Stage) *Pipeline {
	p.entries = append(p.entries, pipelineEntry{stage: stage, gated: true})
	return p
}

// WithObserver 设置阶段观察者
func (p *Pipeline) WithObserver(observer StageObserver) *Pipeline {
	p.observer = observer
	return p
}

// Stages 返回阶段名称列表
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		names = append(names, e.stage.Name())
	}
	return names
}

// Process 处理一笔交易，返回所有阶段的告警（按阶段顺序）
// 单个阶段 panic 会被恢复并记录，不影响其他阶段
func (p *Pipeline) Process(ctx context.Context, ev TransactionEvent) []types.Finding {
	var findings []types.Finding
	prevTriggered := false

	for _, entry := range p.entries {
		if entry.gated && !prevTriggered {
			prevTriggered = false
			continue
		}

		start := time.Now()
		result := p.runStage(ctx, entry.stage, ev)
		if p.observer != nil {
			p.observer(entry.stage.Name(), time.Since(start), result)
		}

		findings = append(findings, result.Findings...)
		prevTriggered = result.Trigger
	}

	return findings
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, ev TransactionEvent) (result StageResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pipeline] stage %s panicked on tx %s: %v\n%s", stage.Name(), ev.Hash().Hex(), r, debug.Stack())
			result = StageResult{}
		}
	}()
	return stage.Handle(ctx, ev)
}
