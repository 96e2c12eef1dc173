package telemetry

import (
	"context"

	"github.com/parsmind/deepresearch/internal/agent"
	"github.com/parsmind/deepresearch/internal/tools"
)

// InstrumentModel wraps a chat model so every turn reports its token
// usage. A nil telemetry returns the model unchanged.
func InstrumentModel(model agent.ChatModel, t *Telemetry) agent.ChatModel {
	if t == nil {
		return model
	}
	return &instrumentedModel{ChatModel: model, tele: t}
}

type instrumentedModel struct {
	agent.ChatModel
	tele *Telemetry
}

func (m *instrumentedModel) Stream(ctx context.Context, req agent.ChatRequest, onDelta func(string)) (*agent.ChatResult, error) {
	result, err := m.ChatModel.Stream(ctx, req, onDelta)
	if result != nil {
		m.tele.RecordLLMUsage(m.Name(), result.PromptTokens, result.CompletionTokens)
	}
	return result, err
}

// InstrumentTool wraps a tool so every invocation reports its outcome.
func InstrumentTool(tool tools.Tool, t *Telemetry) tools.Tool {
	if t == nil {
		return tool
	}
	return &instrumentedTool{Tool: tool, tele: t}
}

type instrumentedTool struct {
	tools.Tool
	tele *Telemetry
}

func (w *instrumentedTool) Call(ctx context.Context, args map[string]any) (string, error) {
	out, err := w.Tool.Call(ctx, args)
	w.tele.RecordToolCall(w.Name(), err == nil)
	return out, err
}
