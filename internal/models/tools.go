// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
)

// RunState is the status of one reasoning run on the remote service.
type RunState string

const (
	RunStateQueued         RunState = "queued"
	RunStateInProgress     RunState = "in_progress"
	RunStateRequiresAction RunState = "requires_action"
	RunStateCompleted      RunState = "completed"
	RunStateFailed         RunState = "failed"
	RunStateCancelled      RunState = "cancelled"
	RunStateExpired        RunState = "expired"
	RunStateUnknown        RunState = "unknown"
)

// IsTerminal reports whether the run will not change state anymore without
// further input.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled, RunStateExpired:
		return true
	default:
		return false
	}
}

// ToolCall is one function call requested by a run.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolOutput answers one ToolCall.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// RunStatus is a snapshot of a run as observed by a poll.
type RunStatus struct {
	ID        string     `json:"id"`
	State     RunState   `json:"state"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// ToolSpec describes a function the reasoning service may call.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolResult is the structured payload returned to the reasoning service.
// Error results keep the run alive rather than failing it.
type ToolResult struct {
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// Tool result statuses.
const (
	ToolStatusOK       = "ok"
	ToolStatusNotFound = "not_found"
	ToolStatusInvalid  = "invalid_arguments"
	ToolStatusUnknown  = "unknown_tool"
	ToolStatusError    = "error"
)

// JSON renders the result for submission. It never fails for the types used here.
func (r ToolResult) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"status":"error","error":"unserializable tool result"}`
	}
	return string(b)
}
