package stream

import (
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the message kinds of the streaming protocol.
type MessageType string

const (
	TypeStart     MessageType = "start"     // stream initialization
	TypeChunk     MessageType = "chunk"     // data payload chunk
	TypeEnd       MessageType = "end"       // normal termination
	TypeError     MessageType = "error"     // error termination
	TypeComplete  MessageType = "complete"  // regular non-stream response
	TypeHeartbeat MessageType = "heartbeat" // keep-alive ping
	TypeControl   MessageType = "control"   // flow control
)

// Metadata keys recognised by consumers. Unknown keys are ignored.
const (
	MetaExecutePhase       = "agent_execute_phase"
	MetaAdditionType       = "addition_type"
	MetaOrchestrationPhase = "orchestration_phase"
)

// Metadata values for MetaAdditionType.
const AdditionTips = "tips"

// Metadata values for MetaExecutePhase, set by the report coordinator.
const (
	ExecutePhaseReportPlanning = "report_planning"
	ExecutePhaseReportWriting  = "report_writing"
)

// ToolCallRecord captures one executed tool invocation inside a model turn.
type ToolCallRecord struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	CallID    string         `json:"call_id"`
	Result    string         `json:"result,omitempty"`
}

// Message is the unit of the streaming protocol. For any stream id the
// consumer observes Start, zero or more Chunk, then exactly one of End or
// Error; Complete and Heartbeat stand alone. Messages are immutable once
// emitted.
type Message struct {
	StreamID  string            `json:"stream_id"`
	Type      MessageType       `json:"message_type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Payload fields, populated per type.
	Text         string          `json:"payload,omitempty"`
	ToolCall     *ToolCallRecord `json:"tool_call,omitempty"`
	ErrorCode    int             `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	LatencyMS    int             `json:"latency_ms,omitempty"`
}

// NewStreamID returns a fresh opaque stream correlation key.
func NewStreamID() string { return uuid.NewString() }

func newMessage(streamID string, t MessageType) Message {
	return Message{StreamID: streamID, Type: t, Timestamp: time.Now()}
}

// NewStart builds the stream-opening message carrying the first token text.
func NewStart(streamID, text string) Message {
	m := newMessage(streamID, TypeStart)
	m.Text = text
	return m
}

// NewChunk builds an intermediate data chunk.
func NewChunk(streamID, text string) Message {
	m := newMessage(streamID, TypeChunk)
	m.Text = text
	return m
}

// NewEnd builds the normal-termination message.
func NewEnd(streamID, text string) Message {
	m := newMessage(streamID, TypeEnd)
	m.Text = text
	return m
}

// NewError builds the error-termination message.
func NewError(streamID string, code int, msg string) Message {
	m := newMessage(streamID, TypeError)
	m.ErrorCode = code
	m.ErrorMessage = msg
	return m
}

// NewComplete builds a standalone complete response message.
func NewComplete(streamID, text string) Message {
	m := newMessage(streamID, TypeComplete)
	m.Text = text
	return m
}

// NewToolCall builds a complete message carrying one tool invocation record.
func NewToolCall(rec ToolCallRecord) Message {
	m := newMessage(NewStreamID(), TypeComplete)
	m.ToolCall = &rec
	return m
}

// NewControl builds a flow-control message. It carries no payload; the
// signal lives in its metadata.
func NewControl(streamID string) Message {
	return newMessage(streamID, TypeControl)
}

// NewHeartbeat builds a keep-alive message.
func NewHeartbeat(streamID string, latencyMS int) Message {
	m := newMessage(streamID, TypeHeartbeat)
	m.LatencyMS = latencyMS
	return m
}

// WithMeta returns a copy of the message with one metadata entry added.
func (m Message) WithMeta(key, value string) Message {
	meta := make(map[string]string, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta[key] = value
	m.Metadata = meta
	return m
}

// Meta reads a metadata entry, returning "" when absent.
func (m Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}
