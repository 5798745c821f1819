// Package protocol defines the wire message taxonomy shared by every agent
// and the orchestrator, and the validator that is the only seam permitted to
// read field-level structure out of the opaque variant payloads.
package protocol

import "encoding/json"

// Version is the exact protocol version every envelope must carry.
// Comparison against it is an equality check, not a SemVer range match.
const Version = "1.0.0"

// MessageType enumerates the known envelope discriminators.
type MessageType string

const (
	TypeHeartbeat    MessageType = "HEARTBEAT"
	TypeStatusUpdate MessageType = "STATUS_UPDATE"
	TypeError        MessageType = "ERROR"
	TypeTaskAssign   MessageType = "TASK_ASSIGN"
	TypeTaskComplete MessageType = "TASK_COMPLETE"
	TypeTaskFail     MessageType = "TASK_FAIL"
	TypeTaskProgress MessageType = "TASK_PROGRESS"
	TypeToolRequest  MessageType = "TOOL_REQUEST"
	TypeToolResponse MessageType = "TOOL_RESPONSE"
	TypeToolError    MessageType = "TOOL_ERROR"
	TypeA2AMessage   MessageType = "A2A_MESSAGE"
	TypeA2AStateSync MessageType = "A2A_STATE_SYNC"
)

// knownTypes backs the "type in known set" invariant (spec §3).
var knownTypes = map[MessageType]bool{
	TypeHeartbeat:    true,
	TypeStatusUpdate: true,
	TypeError:        true,
	TypeTaskAssign:   true,
	TypeTaskComplete: true,
	TypeTaskFail:     true,
	TypeTaskProgress: true,
	TypeToolRequest:  true,
	TypeToolResponse: true,
	TypeToolError:    true,
	TypeA2AMessage:   true,
	TypeA2AStateSync: true,
}

// ErrorCode is the stable taxonomy returned in ERROR frames and wrapped errors.
type ErrorCode string

const (
	ErrInternalError        ErrorCode = "INTERNAL_ERROR"
	ErrTimeout               ErrorCode = "TIMEOUT"
	ErrInvalidMessage        ErrorCode = "INVALID_MESSAGE"
	ErrVersionMismatch       ErrorCode = "VERSION_MISMATCH"
	ErrAgentNotFound         ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentBusy             ErrorCode = "AGENT_BUSY"
	ErrAgentError            ErrorCode = "AGENT_ERROR"
	ErrTaskNotFound          ErrorCode = "TASK_NOT_FOUND"
	ErrTaskTimeout           ErrorCode = "TASK_TIMEOUT"
	ErrTaskFailed            ErrorCode = "TASK_FAILED"
	ErrToolNotFound          ErrorCode = "TOOL_NOT_FOUND"
	ErrToolError             ErrorCode = "TOOL_ERROR"
	ErrToolTimeout           ErrorCode = "TOOL_TIMEOUT"
	ErrA2AConnectionError    ErrorCode = "A2A_CONNECTION_ERROR"
	ErrA2ASyncError          ErrorCode = "A2A_SYNC_ERROR"
	ErrMessageHandlingError  ErrorCode = "MESSAGE_HANDLING_ERROR"
	ErrMessageConversionErr  ErrorCode = "MESSAGE_CONVERSION_ERROR"
	ErrRoutingError          ErrorCode = "ROUTING_ERROR"
	ErrNoAgentsFound         ErrorCode = "NO_AGENTS_FOUND"
	ErrQueueFull             ErrorCode = "QUEUE_FULL"
)

// Envelope holds the fields every message carries, regardless of variant.
type Envelope struct {
	Type          MessageType `json:"type"`
	Timestamp     int64       `json:"timestamp"`
	Sender        string      `json:"sender"`
	Receiver      string      `json:"receiver"`
	CorrelationID string      `json:"correlationId"`
	Version       string      `json:"version"`
}

// Message is a validated envelope plus its variant-specific fields, kept
// opaque (spec §9: "dynamic any payloads... opaque... at the core").
// The validator is the only code that reads into Fields by key.
type Message struct {
	Envelope
	Fields map[string]any
}

// Field returns a variant field, or nil if absent.
func (m *Message) Field(name string) (any, bool) {
	v, ok := m.Fields[name]
	return v, ok
}

var envelopeKeys = []string{"type", "timestamp", "sender", "receiver", "correlationId", "version"}

// MarshalJSON flattens the envelope and variant Fields into one JSON object,
// the wire shape spec §3 describes.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+6)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["type"] = m.Type
	out["timestamp"] = m.Timestamp
	out["sender"] = m.Sender
	out["receiver"] = m.Receiver
	out["correlationId"] = m.CorrelationID
	out["version"] = m.Version
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON: it does not re-run Validate,
// so callers that need validated input should go through Validate instead.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, k := range envelopeKeys {
		delete(fields, k)
	}
	m.Envelope = env
	m.Fields = fields
	return nil
}

// ValidationError reports why validate() rejected a raw message.
type ValidationError struct {
	Code    ErrorCode
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalidMessage(msg string) *ValidationError {
	return &ValidationError{Code: ErrInvalidMessage, Message: msg}
}
