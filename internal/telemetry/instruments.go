package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/discernus/discernus"

// Instruments 通过 OTLP 导出的流水线指标。与 Prometheus 采集器并存，
// 未初始化 SDK 时写入全局 noop meter。所有方法对 nil 安全。
type Instruments struct {
	// 计数器
	stageTotal  metric.Int64Counter
	llmRequests metric.Int64Counter
	llmTokens   metric.Int64Counter

	// 直方图
	stageDuration metric.Float64Histogram
	llmDuration   metric.Float64Histogram
}

// NewInstruments 在 mp 上创建指标，mp 为 nil 时使用全局 MeterProvider
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	i := &Instruments{}
	var err error

	// 阶段计数
	i.stageTotal, err = meter.Int64Counter("discernus.stage.total",
		metric.WithDescription("Pipeline stage executions by outcome"),
		metric.WithUnit("{stage}"))
	if err != nil {
		return nil, err
	}

	// 阶段耗时
	i.stageDuration, err = meter.Float64Histogram("discernus.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 60, 300, 900, 1800))
	if err != nil {
		return nil, err
	}

	i.llmRequests, err = meter.Int64Counter("discernus.llm.request.total",
		metric.WithDescription("LLM completion requests"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	i.llmTokens, err = meter.Int64Counter("discernus.llm.token.total",
		metric.WithDescription("Tokens consumed by LLM completions"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	i.llmDuration, err = meter.Float64Histogram("discernus.llm.request.duration",
		metric.WithDescription("LLM completion duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60))
	if err != nil {
		return nil, err
	}

	return i, nil
}

// MustInstruments 同 NewInstruments(nil)，失败时返回 nil（nil 可安全使用）
func MustInstruments() *Instruments {
	i, err := NewInstruments(nil)
	if err != nil {
		return nil
	}
	return i
}

// RecordStage 记录一次阶段执行
func (i *Instruments) RecordStage(ctx context.Context, stage, outcome string, d time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	)
	i.stageTotal.Add(ctx, 1, attrs)
	i.stageDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordLLMRequest 记录一次 LLM 调用及其 token 用量
func (i *Instruments) RecordLLMRequest(ctx context.Context, provider, model, status string, d time.Duration, promptTokens, completionTokens int) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", status),
	)
	i.llmRequests.Add(ctx, 1, attrs)
	i.llmDuration.Record(ctx, d.Seconds(), attrs)

	if promptTokens > 0 {
		i.llmTokens.Add(ctx, int64(promptTokens), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("kind", "prompt"),
		))
	}
	if completionTokens > 0 {
		i.llmTokens.Add(ctx, int64(completionTokens), metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("kind", "completion"),
		))
	}
}
