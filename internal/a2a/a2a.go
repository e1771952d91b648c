// Package a2a implements the agent-to-agent task protocol surface honored by
// the runtime: the task state machine and validation of protocol values.
package a2a

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/oxide/internal/errs"
)

// TaskState is a task's protocol state.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateCompleted     TaskState = "completed"
	StateFailed        TaskState = "failed"
	StateCanceled      TaskState = "canceled"
	StateRejected      TaskState = "rejected"
	StateInputRequired TaskState = "input-required"
	StateAuthRequired  TaskState = "auth-required"
)

// allowedTransitions is the protocol's transition graph. Terminal states
// admit no transition except same-state.
var allowedTransitions = map[TaskState][]TaskState{
	StateSubmitted:     {StateWorking, StateRejected, StateCanceled, StateFailed, StateAuthRequired},
	StateWorking:       {StateCompleted, StateFailed, StateCanceled, StateInputRequired, StateAuthRequired},
	StateInputRequired: {StateWorking, StateCanceled, StateFailed},
	StateAuthRequired:  {StateWorking, StateCanceled, StateFailed},
}

// ValidateTransition checks a task state transition against the protocol
// graph. Same-state transitions are idempotent and always allowed.
func ValidateTransition(from, to TaskState) error {
	if from == to {
		return nil
	}
	for _, allowed := range allowedTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return errs.Validation("Invalid task state transition from %s to %s", from, to)
}

// IsTerminalState reports whether a state admits no further transitions.
func IsTerminalState(state TaskState) bool {
	switch state {
	case StateCompleted, StateCanceled, StateRejected, StateFailed:
		return true
	}
	return false
}

// CanRestartTask reports whether a task can be driven again.
func CanRestartTask(state TaskState) bool {
	return !IsTerminalState(state)
}

// JSONRPCRequest is the protocol envelope.
type JSONRPCRequest struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  *json.RawMessage `json:"params,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// ValidateJSONRPCRequest checks the envelope: version "2.0" and a
// category/action method name.
func ValidateJSONRPCRequest(req *JSONRPCRequest) error {
	if req.JSONRPC != "2.0" {
		return errs.Validation("Invalid JSON-RPC version: %s. Expected '2.0'", req.JSONRPC)
	}
	if req.Method == "" {
		return errs.Validation("Method name cannot be empty")
	}
	if !strings.Contains(req.Method, "/") {
		return errs.Validation("Invalid method name format: '%s'. Expected 'category/action'", req.Method)
	}
	return nil
}

// Message is a protocol message made of parts.
type Message struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
}

// Part is one message fragment.
type Part struct {
	Text string           `json:"text,omitempty"`
	Data *json.RawMessage `json:"data,omitempty"`
	File *FilePart        `json:"file,omitempty"`
}

// FilePart carries file content by bytes or URI.
type FilePart struct {
	Bytes []byte `json:"bytes,omitempty"`
	URI   string `json:"uri,omitempty"`
}

// ValidateMessage checks a protocol message: a non-empty id and at least one
// valid part.
func ValidateMessage(msg *Message) error {
	if len(msg.Parts) == 0 {
		return errs.Validation("Message must have at least one part")
	}
	for i := range msg.Parts {
		if err := ValidatePart(&msg.Parts[i]); err != nil {
			return err
		}
	}
	if msg.MessageID == "" {
		return errs.Validation("Message ID cannot be empty")
	}
	return nil
}

// ValidatePart checks one message part.
func ValidatePart(part *Part) error {
	switch {
	case part.File != nil:
		if len(part.File.Bytes) == 0 && part.File.URI == "" {
			return errs.Validation("File part must carry bytes or a URI")
		}
	case part.Data != nil:
		// Data parts are valid as long as they parsed.
	default:
		if part.Text == "" {
			return errs.Validation("Text part cannot be empty")
		}
	}
	return nil
}

// ValidateMIMEType checks type/subtype form: both sides non-empty, exactly
// one slash.
func ValidateMIMEType(mimeType string) error {
	if mimeType == "" {
		return errs.Validation("MIME type cannot be empty")
	}
	if !strings.Contains(mimeType, "/") {
		return errs.Validation("Invalid MIME type format: '%s'. Expected 'type/subtype'", mimeType)
	}
	parts := strings.Split(mimeType, "/")
	if len(parts) != 2 {
		return errs.Validation("Invalid MIME type format: '%s'. Expected 'type/subtype'", mimeType)
	}
	if parts[0] == "" || parts[1] == "" {
		return errs.Validation("Invalid MIME type format: '%s'. Type and subtype cannot be empty", mimeType)
	}
	return nil
}
