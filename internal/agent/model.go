package agent

import (
	"context"
	"fmt"
)

// Role labels one side of a chat conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry of a model conversation history.
type ChatMessage struct {
	Role       Role             `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallIntent `json:"tool_calls,omitempty"`
}

// ToolCallIntent is the model's request to invoke one tool. Arguments is
// the raw JSON string exactly as the model produced it; decoding happens
// at execution time so a malformed payload fails as a typed error.
type ToolCallIntent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes one invocable tool to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	Messages    []ChatMessage
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// ChatResult is the aggregated outcome of one streamed model turn.
type ChatResult struct {
	Content          string
	ToolCalls        []ToolCallIntent
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// ChatModel is the backend contract: stream a completion, invoking
// onDelta once per content fragment in production order, and return the
// aggregated result. Implementations must report whether they stream.
type ChatModel interface {
	Name() string
	Streaming() bool
	Stream(ctx context.Context, req ChatRequest, onDelta func(content string)) (*ChatResult, error)
}

// NotStreamingError reports a model configured without streaming support
// being handed to a streaming agent.
type NotStreamingError struct {
	Model string
}

func (e *NotStreamingError) Error() string {
	return fmt.Sprintf("agent: model %s does not support streaming, configure a streaming backend", e.Model)
}

// MalformedToolArgsError reports tool-call arguments that are not valid
// JSON. This is a structural failure of the model output, never retried.
type MalformedToolArgsError struct {
	Tool      string
	CallID    string
	Arguments string
	Err       error
}

func (e *MalformedToolArgsError) Error() string {
	return fmt.Sprintf("agent: tool %s call %s returned invalid json arguments %q: %v", e.Tool, e.CallID, e.Arguments, e.Err)
}

func (e *MalformedToolArgsError) Unwrap() error { return e.Err }
