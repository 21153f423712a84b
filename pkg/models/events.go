package models

import "encoding/json"

// TurnEventType discriminates the events emitted during a turn.
type TurnEventType string

const (
	EventIteration  TurnEventType = "iteration"
	EventContent    TurnEventType = "content"
	EventToolCall   TurnEventType = "tool_call"
	EventToolResult TurnEventType = "tool_result"
	EventComplete   TurnEventType = "complete"
	EventError      TurnEventType = "error"
)

// TurnEvent is one entry in the stream produced by a turn. The Type field
// selects which of the remaining fields are populated; the zero values of
// the others are omitted from the wire form, so the JSON encoding matches
// the SSE payloads consumed by clients.
type TurnEvent struct {
	Type TurnEventType `json:"type"`

	// iteration
	Current int `json:"current,omitempty"`
	Max     int `json:"max,omitempty"`

	// content
	Content string `json:"content,omitempty"`

	// tool_call and tool_result
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// complete
	FinalResponse string `json:"final_response,omitempty"`
	Iterations    int    `json:"iterations,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// IterationEvent marks the start of iteration current of max.
func IterationEvent(current, max int) TurnEvent {
	return TurnEvent{Type: EventIteration, Current: current, Max: max}
}

// ContentEvent carries one streamed content delta.
func ContentEvent(delta string) TurnEvent {
	return TurnEvent{Type: EventContent, Content: delta}
}

// ToolCallEvent announces a tool invocation requested by the model.
func ToolCallEvent(tool string, arguments json.RawMessage) TurnEvent {
	return TurnEvent{Type: EventToolCall, Tool: tool, Arguments: arguments}
}

// ToolResultEvent reports the outcome of a tool invocation.
func ToolResultEvent(tool string, success bool, result json.RawMessage) TurnEvent {
	return TurnEvent{Type: EventToolResult, Tool: tool, Success: &success, Result: result}
}

// CompleteEvent terminates a successful turn.
func CompleteEvent(finalResponse string, iterations int) TurnEvent {
	return TurnEvent{Type: EventComplete, FinalResponse: finalResponse, Iterations: iterations}
}

// ErrorEvent terminates a failed turn.
func ErrorEvent(message string) TurnEvent {
	return TurnEvent{Type: EventError, Error: message}
}

// Terminal reports whether the event ends the stream.
func (e TurnEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}
