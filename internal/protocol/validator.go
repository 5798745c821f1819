package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validate decodes and checks a raw message per spec §4.1, in order:
// envelope shape, version equality, per-field type checks, then a
// per-variant presence check dispatched on Type. Errors short-circuit.
func Validate(raw []byte) (*Message, *ValidationError) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, invalidMessage("Invalid message format: malformed JSON")
	}
	if err := checkShape(doc); err != nil {
		return nil, invalidMessage(fmt.Sprintf("Invalid message envelope: %s", err))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, invalidMessage("Invalid message envelope: malformed envelope fields")
	}
	if !knownTypes[env.Type] {
		return nil, invalidMessage(fmt.Sprintf("Invalid message type: %q", env.Type))
	}
	if env.Version != Version {
		return nil, &ValidationError{
			Code:    ErrVersionMismatch,
			Message: fmt.Sprintf("Protocol version mismatch: expected %s, got %q", Version, env.Version),
		}
	}
	if strings.TrimSpace(env.Sender) == "" {
		return nil, invalidMessage("Invalid message: sender must be a non-empty string")
	}
	if strings.TrimSpace(env.Receiver) == "" {
		return nil, invalidMessage("Invalid message: receiver must be a non-empty string")
	}
	if strings.TrimSpace(env.CorrelationID) == "" {
		return nil, invalidMessage("Invalid message: correlationId must be a non-empty string")
	}
	if !validTimestamp(env.Timestamp) {
		return nil, invalidMessage("Invalid message: timestamp must be a finite positive integer")
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, invalidMessage("Invalid message format: malformed JSON")
	}
	for _, k := range []string{"type", "timestamp", "sender", "receiver", "correlationId", "version"} {
		delete(fields, k)
	}

	msg := &Message{Envelope: env, Fields: fields}
	if verr := validateVariant(msg); verr != nil {
		return nil, verr
	}
	return msg, nil
}

func validTimestamp(ts int64) bool {
	return ts > 0 && !math.IsInf(float64(ts), 0) && !math.IsNaN(float64(ts))
}

// validateVariant dispatches on Type to the per-variant required-field check
// (spec §3's variant table). Any missing/misshapen field yields
// INVALID_MESSAGE with variant-specific text.
func validateVariant(m *Message) *ValidationError {
	switch m.Type {
	case TypeHeartbeat:
		return requireFields(m, "Invalid heartbeat message", stringField("status"), numericField("lastHealthCheck"))
	case TypeStatusUpdate:
		return requireFields(m, "Invalid status update message", stringField("status"))
	case TypeError:
		return requireFields(m, "Invalid error message", stringField("error"), stringField("code"))
	case TypeTaskAssign:
		return requireFields(m, "Invalid task assign message",
			stringField("taskId"), stringField("taskType"), presentField("parameters"),
			numericField("priority"), numericField("timeout"))
	case TypeTaskComplete:
		return requireFields(m, "Invalid task complete message",
			stringField("taskId"), presentField("result"), numericField("duration"))
	case TypeTaskFail:
		return requireFields(m, "Invalid task fail message",
			stringField("taskId"), stringField("error"), stringField("code"))
	case TypeTaskProgress:
		return requireFields(m, "Invalid task progress message",
			stringField("taskId"), numericField("progress"), stringField("status"))
	case TypeToolRequest:
		return requireFields(m, "Invalid tool request message",
			stringField("toolId"), stringField("version"), presentField("parameters"), numericField("timeout"))
	case TypeToolResponse:
		return requireFields(m, "Invalid tool response message",
			stringField("toolId"), presentField("result"), numericField("duration"))
	case TypeToolError:
		return requireFields(m, "Invalid tool error message",
			stringField("toolId"), stringField("error"), stringField("code"))
	case TypeA2AMessage:
		return requireFields(m, "Invalid A2A message", presentField("content"), presentField("metadata"))
	case TypeA2AStateSync:
		return requireFields(m, "Invalid A2A state sync message", presentField("state"), numericField("stateTimestamp"))
	default:
		return invalidMessage(fmt.Sprintf("Invalid message type: %q", m.Type))
	}
}

type fieldCheck func(fields map[string]any) bool

func presentField(name string) fieldCheck {
	return func(fields map[string]any) bool {
		v, ok := fields[name]
		return ok && v != nil
	}
}

func stringField(name string) fieldCheck {
	return func(fields map[string]any) bool {
		v, ok := fields[name]
		if !ok {
			return false
		}
		s, ok := v.(string)
		return ok && s != ""
	}
}

func numericField(name string) fieldCheck {
	return func(fields map[string]any) bool {
		v, ok := fields[name]
		if !ok {
			return false
		}
		switch v.(type) {
		case json.Number, float64, int, int64:
			return true
		default:
			return false
		}
	}
}

func requireFields(m *Message, errText string, checks ...fieldCheck) *ValidationError {
	for _, check := range checks {
		if !check(m.Fields) {
			return invalidMessage(errText)
		}
	}
	return nil
}
