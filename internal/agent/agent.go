package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/parsmind/deepresearch/internal/stream"
	"github.com/parsmind/deepresearch/internal/tools"
)

const defaultMaxToolIterations = 10

// TurnResult is the outcome of one agent step: the final assistant text,
// the tool calls executed along the way, and whether the step was cut
// short before the model produced a plain completion.
type TurnResult struct {
	Content           string
	ToolCalls         []stream.ToolCallRecord
	Terminated        bool
	TerminationReason string
}

// ChatAgent runs multi-turn conversations against a streaming model with
// synchronous tool execution inside each step. Each agent owns an
// independent conversational memory; nothing is shared between agents.
type ChatAgent struct {
	name          string
	model         ChatModel
	tools         map[string]tools.Tool
	toolSpecs     []ToolSpec
	memory        []ChatMessage
	maxIterations int
	temperature   float64
	maxTokens     int
	logger        *log.Logger
}

// Option configures a ChatAgent.
type Option func(*ChatAgent)

// WithTools grants the agent invocable tools for its model turns.
func WithTools(ts ...tools.Tool) Option {
	return func(a *ChatAgent) {
		for _, t := range ts {
			a.tools[t.Name()] = t
			a.toolSpecs = append(a.toolSpecs, ToolSpec{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			})
		}
	}
}

// WithMaxIterations bounds the tool-call loop inside one step.
func WithMaxIterations(n int) Option {
	return func(a *ChatAgent) { a.maxIterations = n }
}

// WithHistory seeds the conversational memory, after the system message.
func WithHistory(msgs []ChatMessage) Option {
	return func(a *ChatAgent) { a.memory = append(a.memory, msgs...) }
}

// WithSampling sets temperature and the completion token cap.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(a *ChatAgent) {
		a.temperature = temperature
		a.maxTokens = maxTokens
	}
}

// NewChatAgent builds an agent around a streaming model. A backend that
// does not stream is rejected with NotStreamingError.
func NewChatAgent(name, systemPrompt string, model ChatModel, opts ...Option) (*ChatAgent, error) {
	if !model.Streaming() {
		return nil, &NotStreamingError{Model: model.Name()}
	}
	a := &ChatAgent{
		name:          name,
		model:         model,
		tools:         make(map[string]tools.Tool),
		maxIterations: defaultMaxToolIterations,
		logger:        log.New(os.Stdout, "[AGENT] ", log.LstdFlags),
	}
	if systemPrompt != "" {
		a.memory = append(a.memory, ChatMessage{Role: RoleSystem, Content: systemPrompt})
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// History returns a copy of the conversation so far.
func (a *ChatAgent) History() []ChatMessage {
	out := make([]ChatMessage, len(a.memory))
	copy(out, a.memory)
	return out
}

// Reset drops everything but the system message.
func (a *ChatAgent) Reset() {
	if len(a.memory) > 0 && a.memory[0].Role == RoleSystem {
		a.memory = a.memory[:1]
		return
	}
	a.memory = nil
}

// StreamStep feeds input to the model and drives it until it answers in
// plain text or the tool-iteration bound is hit. Token deltas surface as
// Start/Chunk/End messages on one stream per model turn; each executed
// tool call surfaces as a standalone Complete message carrying its
// record. Tool execution is synchronous within the step.
func (a *ChatAgent) StreamStep(ctx context.Context, emit stream.Emit, input string) (*TurnResult, error) {
	a.memory = append(a.memory, ChatMessage{Role: RoleUser, Content: input})

	var records []stream.ToolCallRecord
	iteration := 0
	for {
		result, err := a.streamModelTurn(ctx, emit)
		if err != nil {
			return nil, err
		}
		iteration++

		if len(result.ToolCalls) == 0 {
			a.memory = append(a.memory, ChatMessage{Role: RoleAssistant, Content: result.Content})
			return &TurnResult{Content: result.Content, ToolCalls: records}, nil
		}

		a.memory = append(a.memory, ChatMessage{
			Role:      RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})
		for _, intent := range result.ToolCalls {
			record, err := a.executeTool(ctx, intent)
			if err != nil {
				return nil, err
			}
			records = append(records, record)
			emit(stream.NewToolCall(record))
			a.memory = append(a.memory, ChatMessage{
				Role:       RoleTool,
				Content:    record.Result,
				ToolCallID: intent.ID,
			})
		}

		if a.maxIterations > 0 && iteration >= a.maxIterations {
			a.logger.Printf("agent %s hit the tool iteration bound (%d), cutting the step short", a.name, a.maxIterations)
			return &TurnResult{
				Content:           result.Content,
				ToolCalls:         records,
				Terminated:        true,
				TerminationReason: "max_tool_iterations",
			}, nil
		}
	}
}

func (a *ChatAgent) streamModelTurn(ctx context.Context, emit stream.Emit) (*ChatResult, error) {
	req := ChatRequest{
		Messages:    a.memory,
		Tools:       a.toolSpecs,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}
	streamID := stream.NewStreamID()
	opened := false
	result, err := a.model.Stream(ctx, req, func(content string) {
		if !opened {
			opened = true
			emit(stream.NewStart(streamID, content))
			return
		}
		emit(stream.NewChunk(streamID, content))
	})
	if err != nil {
		if opened {
			emit(stream.NewError(streamID, 500, err.Error()))
		}
		return nil, fmt.Errorf("agent %s: model turn: %w", a.name, err)
	}
	if opened {
		emit(stream.NewEnd(streamID, ""))
	}
	return result, nil
}

func (a *ChatAgent) executeTool(ctx context.Context, intent ToolCallIntent) (stream.ToolCallRecord, error) {
	var args map[string]any
	if intent.Arguments != "" {
		if err := json.Unmarshal([]byte(intent.Arguments), &args); err != nil {
			return stream.ToolCallRecord{}, &MalformedToolArgsError{
				Tool:      intent.Name,
				CallID:    intent.ID,
				Arguments: intent.Arguments,
				Err:       err,
			}
		}
	}
	tool, ok := a.tools[intent.Name]
	if !ok {
		return stream.ToolCallRecord{}, fmt.Errorf("agent %s: model requested unknown tool %q", a.name, intent.Name)
	}
	a.logger.Printf("agent %s calling tool %s", a.name, intent.Name)
	out, err := tool.Call(ctx, args)
	if err != nil {
		return stream.ToolCallRecord{}, fmt.Errorf("agent %s: tool %s: %w", a.name, intent.Name, err)
	}
	return stream.ToolCallRecord{
		ToolName:  intent.Name,
		Arguments: args,
		CallID:    intent.ID,
		Result:    out,
	}, nil
}
