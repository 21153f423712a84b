// Package provider implements the model adapter layer: a uniform
// streaming interface over the OpenAI-compatible, Anthropic, and local
// HTTP chat backends.
package provider

import (
	"context"

	"github.com/pilotd/pilot/pkg/models"
)

// Request is one streaming chat completion request.
type Request struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []models.ToolDescriptor
	Temperature float64
	MaxTokens   int
}

// StreamEvent is one event in a provider's response stream. Exactly one
// variant is populated per event; the stream ends after Done or Err.
type StreamEvent struct {
	// ContentDelta carries a fragment of assistant text.
	ContentDelta string

	// ToolCallBegin starts accumulating a tool call.
	ToolCallBegin *ToolCallBegin

	// ToolCallDelta extends a tool call's argument JSON.
	ToolCallDelta *ToolCallDelta

	// ToolCallEnd marks a tool call's arguments complete.
	ToolCallEnd *ToolCallEnd

	// Done marks the successful end of the stream.
	Done bool

	// Err terminates the stream with a provider failure.
	Err error
}

// ToolCallBegin announces a structured tool call.
type ToolCallBegin struct {
	ID   string
	Name string
}

// ToolCallDelta carries an argument JSON fragment.
type ToolCallDelta struct {
	ID    string
	Delta string
}

// ToolCallEnd closes a tool call.
type ToolCallEnd struct {
	ID string
}

// Adapter is a streaming model backend.
//
// Implementations must be safe for concurrent use; turns on distinct
// sessions stream through the same adapter in parallel.
type Adapter interface {
	// Name returns the provider identifier ("openai", "anthropic", "local").
	Name() string

	// ChatStream sends the request and returns the provider's event
	// stream. The channel is closed after a Done or Err event.
	ChatStream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}
