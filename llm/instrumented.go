package llm

import (
	"context"
	"time"

	"github.com/discernus/discernus/internal/metrics"
	"github.com/discernus/discernus/internal/telemetry"
)

// instrumentedProvider 为 Completion 调用记录请求量、耗时与 token 用量，
// 同时写入 Prometheus 采集器与 OTel 指标
type instrumentedProvider struct {
	Provider
	collector   *metrics.Collector
	instruments *telemetry.Instruments
}

// Instrument 包装 p，使每次 Completion 都上报到 collector 和全局 MeterProvider。
// collector 可为 nil。
func Instrument(p Provider, collector *metrics.Collector) Provider {
	return InstrumentWith(p, collector, telemetry.MustInstruments())
}

// InstrumentWith 同 Instrument，但使用给定的 OTel 指标
func InstrumentWith(p Provider, collector *metrics.Collector, instruments *telemetry.Instruments) Provider {
	if collector == nil && instruments == nil {
		return p
	}
	return &instrumentedProvider{Provider: p, collector: collector, instruments: instruments}
}

func (p *instrumentedProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := p.Provider.Completion(ctx, req)

	status, model := "success", req.Model
	var prompt, completion int
	if err != nil {
		status = "error"
	} else {
		if resp.Model != "" {
			model = resp.Model
		}
		prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	elapsed := time.Since(start)
	p.collector.RecordLLMRequest(p.Name(), model, status, elapsed, prompt, completion)
	p.instruments.RecordLLMRequest(ctx, p.Name(), model, status, elapsed, prompt, completion)
	return resp, err
}
