package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pilotd/pilot/pkg/models"
)

// OpenAIAdapter streams chat completions from the OpenAI API or any
// server exposing the same wire format (a custom base URL selects the
// backend).
type OpenAIAdapter struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIAdapter creates an adapter from provider settings.
func NewOpenAIAdapter(settings models.ProviderSettings) (*OpenAIAdapter, error) {
	if settings.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if settings.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	cfg := openai.DefaultConfig(settings.APIKey)
	if base := strings.TrimSpace(settings.BaseURL); base != "" {
		cfg.BaseURL = strings.TrimRight(base, "/")
	}

	return &OpenAIAdapter{
		client:      openai.NewClientWithConfig(cfg),
		model:       settings.Model,
		temperature: settings.Temperature,
		maxTokens:   settings.MaxTokens,
	}, nil
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string { return "openai" }

// ChatStream sends a streaming chat completion request.
func (a *OpenAIAdapter) ChatStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}

	model := req.Model
	if model == "" {
		model = a.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.System, req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if a.maxTokens > 0 {
		chatReq.MaxTokens = a.maxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	} else if a.temperature > 0 {
		chatReq.Temperature = float32(a.temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	events := make(chan StreamEvent)
	go a.processStream(ctx, stream, events)
	return events, nil
}

// processStream converts OpenAI chunks into provider events. Tool call
// fragments arrive keyed by index: the first fragment carries ID and
// name, later fragments extend the argument JSON.
func (a *OpenAIAdapter) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	// index -> call ID, for routing argument deltas.
	openCalls := make(map[int]string)
	order := []int{}

	endOpenCalls := func() {
		for _, idx := range order {
			events <- StreamEvent{ToolCallEnd: &ToolCallEnd{ID: openCalls[idx]}}
		}
		openCalls = make(map[int]string)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			events <- StreamEvent{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				endOpenCalls()
				events <- StreamEvent{Done: true}
				return
			}
			events <- StreamEvent{Err: fmt.Errorf("openai stream: %w", err)}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			events <- StreamEvent{ContentDelta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}

			if _, open := openCalls[index]; !open && tc.ID != "" {
				openCalls[index] = tc.ID
				order = append(order, index)
				events <- StreamEvent{ToolCallBegin: &ToolCallBegin{ID: tc.ID, Name: tc.Function.Name}}
			}
			if tc.Function.Arguments != "" {
				if id, open := openCalls[index]; open {
					events <- StreamEvent{ToolCallDelta: &ToolCallDelta{ID: id, Delta: tc.Function.Arguments}}
				}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			endOpenCalls()
		}
	}
}

// convertOpenAIMessages maps internal messages to the chat-completions
// wire format. The system instruction leads; tool replies become "tool"
// role messages referencing their call ID.
func convertOpenAIMessages(system string, messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			converted := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, converted)

		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    string(msg.Result),
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

// convertOpenAITools maps tool descriptors to function definitions. A
// descriptor with an unparsable schema degrades to an empty object schema
// so the other tools keep working.
func convertOpenAITools(tools []models.ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
