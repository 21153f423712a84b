package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/pilotd/pilot/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter streams messages from the Anthropic API.
type AnthropicAdapter struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewAnthropicAdapter creates an adapter from provider settings.
func NewAnthropicAdapter(settings models.ProviderSettings) (*AnthropicAdapter, error) {
	if settings.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if settings.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	options := []option.RequestOption{option.WithAPIKey(settings.APIKey)}
	if base := strings.TrimSpace(settings.BaseURL); base != "" {
		options = append(options, option.WithBaseURL(base))
	}

	return &AnthropicAdapter{
		client:      anthropic.NewClient(options...),
		model:       settings.Model,
		temperature: settings.Temperature,
		maxTokens:   settings.MaxTokens,
	}, nil
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// ChatStream sends a streaming messages request.
func (a *AnthropicAdapter) ChatStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	} else if a.temperature > 0 {
		params.Temperature = anthropic.Float(a.temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := a.client.Messages.NewStreaming(ctx, params)

	events := make(chan StreamEvent)
	go a.processStream(stream, events)
	return events, nil
}

// processStream converts Anthropic SSE events into provider events.
// Tool-use content blocks map to Begin at block start, argument deltas to
// input_json_delta, and End at block stop.
func (a *AnthropicAdapter) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	defer close(events)

	var currentToolID string

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolID = toolUse.ID
				events <- StreamEvent{ToolCallBegin: &ToolCallBegin{ID: toolUse.ID, Name: toolUse.Name}}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- StreamEvent{ContentDelta: delta.Text}
				}
			case "input_json_delta":
				if currentToolID != "" && delta.PartialJSON != "" {
					events <- StreamEvent{ToolCallDelta: &ToolCallDelta{ID: currentToolID, Delta: delta.PartialJSON}}
				}
			}

		case "content_block_stop":
			if currentToolID != "" {
				events <- StreamEvent{ToolCallEnd: &ToolCallEnd{ID: currentToolID}}
				currentToolID = ""
			}

		case "message_stop":
			events <- StreamEvent{Done: true}
			return

		case "error":
			events <- StreamEvent{Err: errors.New("anthropic stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Err: fmt.Errorf("anthropic stream: %w", err)}
		return
	}
	events <- StreamEvent{Done: true}
}

// convertAnthropicMessages maps internal messages to Anthropic message
// params. Tool replies become tool_result blocks inside user messages;
// the system instruction is carried separately in the request params.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(
				msg.ToolCallID,
				string(msg.Result),
				msg.IsError,
			))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("tool call %s: invalid arguments: %w", tc.ID, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

// convertAnthropicTools maps tool descriptors to Anthropic tool params.
func convertAnthropicTools(tools []models.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}
