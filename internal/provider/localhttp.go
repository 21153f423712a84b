package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pilotd/pilot/pkg/models"
)

// LocalAdapter streams chat completions from a self-hosted service
// exposing an Ollama-style /api/chat endpoint with newline-delimited JSON
// chunks. The API key is optional for local deployments.
type LocalAdapter struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
}

// NewLocalAdapter creates an adapter from provider settings.
func NewLocalAdapter(settings models.ProviderSettings) (*LocalAdapter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(settings.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if settings.Model == "" {
		return nil, errors.New("local: model is required")
	}

	return &LocalAdapter{
		client:      &http.Client{Timeout: 2 * time.Minute},
		baseURL:     baseURL,
		apiKey:      settings.APIKey,
		model:       settings.Model,
		temperature: settings.Temperature,
		maxTokens:   settings.MaxTokens,
	}, nil
}

// Name returns the provider identifier.
func (a *LocalAdapter) Name() string { return "local" }

type localChatRequest struct {
	Model    string             `json:"model"`
	Stream   bool               `json:"stream"`
	Messages []localChatMessage `json:"messages"`
	Tools    []localTool        `json:"tools,omitempty"`
	Options  map[string]any     `json:"options,omitempty"`
}

type localChatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []localToolCall `json:"tool_calls,omitempty"`
}

type localTool struct {
	Type     string        `json:"type"`
	Function localFunction `json:"function"`
}

type localFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type localToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type localChatChunk struct {
	Message localChatMessage `json:"message"`
	Done    bool             `json:"done"`
	Error   string           `json:"error,omitempty"`
}

// ChatStream sends a streaming chat request.
func (a *LocalAdapter) ChatStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}

	model := req.Model
	if model == "" {
		model = a.model
	}

	payload := localChatRequest{
		Model:    model,
		Stream:   true,
		Messages: convertLocalMessages(req.System, req.Messages),
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, localTool{
			Type: "function",
			Function: localFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	} else if a.maxTokens > 0 {
		options["num_predict"] = a.maxTokens
	}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	} else if a.temperature > 0 {
		options["temperature"] = a.temperature
	}
	if len(options) > 0 {
		payload.Options = options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("local: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("local: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	events := make(chan StreamEvent)
	go a.processStream(ctx, resp.Body, events)
	return events, nil
}

// processStream scans NDJSON chunks. Content arrives as deltas; tool
// calls arrive whole, so each one is emitted as a Begin/Delta/End triple.
func (a *LocalAdapter) processStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			events <- StreamEvent{Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk localChatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			events <- StreamEvent{Err: fmt.Errorf("local: decode chunk: %w", err)}
			return
		}
		if chunk.Error != "" {
			events <- StreamEvent{Err: errors.New("local: " + chunk.Error)}
			return
		}

		if chunk.Message.Content != "" {
			events <- StreamEvent{ContentDelta: chunk.Message.Content}
		}

		for _, tc := range chunk.Message.ToolCalls {
			id := uuid.NewString()
			args := tc.Function.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			events <- StreamEvent{ToolCallBegin: &ToolCallBegin{ID: id, Name: tc.Function.Name}}
			events <- StreamEvent{ToolCallDelta: &ToolCallDelta{ID: id, Delta: string(args)}}
			events <- StreamEvent{ToolCallEnd: &ToolCallEnd{ID: id}}
		}

		if chunk.Done {
			events <- StreamEvent{Done: true}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		events <- StreamEvent{Err: fmt.Errorf("local stream: %w", err)}
		return
	}
	events <- StreamEvent{Err: errors.New("local: stream ended without done")}
}

func convertLocalMessages(system string, messages []models.Message) []localChatMessage {
	out := make([]localChatMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, localChatMessage{Role: "system", Content: system})
	}
	for _, msg := range messages {
		converted := localChatMessage{Role: string(msg.Role), Content: msg.Content}
		if msg.Role == models.RoleTool {
			converted.Content = string(msg.Result)
		}
		for _, tc := range msg.ToolCalls {
			var call localToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			converted.ToolCalls = append(converted.ToolCalls, call)
		}
		out = append(out, converted)
	}
	return out
}
