// Package engine implements the self-driven iteration loop: it alternates
// between model calls and tool executions until the model answers without
// tool calls or the iteration bound is reached, emitting a stream of turn
// events along the way.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/internal/mcp"
	"github.com/pilotd/pilot/internal/observability"
	"github.com/pilotd/pilot/internal/provider"
	"github.com/pilotd/pilot/internal/session"
	"github.com/pilotd/pilot/pkg/models"
)

// eventBufferSize decouples the loop from slow consumers.
const eventBufferSize = 64

// ToolSource is the slice of pool behavior the engine uses.
type ToolSource interface {
	ListTools() []models.ToolDescriptor
	Call(ctx context.Context, qualifiedName string, arguments json.RawMessage) (*mcp.ToolCallResult, error)
}

// TurnLock serializes turns on a session.
type TurnLock interface {
	TryBeginTurn() bool
	EndTurn()
}

// Turn bundles everything one turn runs against.
type Turn struct {
	SessionID     string
	Context       *session.Context
	Tools         ToolSource
	Adapter       provider.Adapter
	Lock          TurnLock
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
}

// FromLive builds a Turn from an initialized session.
func FromLive(live *session.Live) *Turn {
	return &Turn{
		SessionID:     live.Session.ID,
		Context:       live.Context,
		Tools:         live.Pool,
		Adapter:       live.Adapter,
		Lock:          live,
		Model:         live.Session.Settings.Model,
		Temperature:   live.Session.Settings.Temperature,
		MaxTokens:     live.Session.Settings.MaxTokens,
		MaxIterations: live.MaxIterations(),
	}
}

// Config configures the engine.
type Config struct {
	// DefaultMaxIterations bounds turns that specify no limit.
	DefaultMaxIterations int

	// MaxConcurrentTurns bounds turns across all sessions.
	MaxConcurrentTurns int
}

// Engine drives turns. One engine serves every session; per-session
// serialization is the Turn's lock, cross-session parallelism is bounded
// by the global turn budget.
type Engine struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	config  Config

	turnSlots chan struct{}
}

// New creates an engine. metrics may be nil.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = 10
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = runtime.NumCPU() * 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:    logger.With("component", "engine"),
		metrics:   metrics,
		config:    cfg,
		turnSlots: make(chan struct{}, cfg.MaxConcurrentTurns),
	}
}

// Run executes one turn and returns its event stream. The stream is
// finite and terminates with exactly one Complete or Error event.
//
// Run fails fast (before any context mutation) with Busy when a turn is
// already active on the session, and with InvalidInput for an empty user
// message.
func (e *Engine) Run(ctx context.Context, turn *Turn, userInput string, maxIterations int) (<-chan models.TurnEvent, error) {
	if turn == nil || turn.Adapter == nil || turn.Context == nil {
		return nil, fault.New(fault.Internal, "turn is not initialized")
	}
	if strings.TrimSpace(userInput) == "" {
		return nil, fault.New(fault.InvalidInput, "message is required")
	}

	limit := turn.MaxIterations
	if limit <= 0 {
		limit = e.config.DefaultMaxIterations
	}
	if maxIterations > 0 && maxIterations < limit {
		limit = maxIterations
	}

	if turn.Lock != nil && !turn.Lock.TryBeginTurn() {
		e.countTurn("busy")
		return nil, fault.New(fault.Busy, "a turn is already running on session %s", turn.SessionID)
	}

	events := make(chan models.TurnEvent, eventBufferSize)
	go func() {
		defer close(events)
		if turn.Lock != nil {
			defer turn.Lock.EndTurn()
		}

		select {
		case e.turnSlots <- struct{}{}:
			defer func() { <-e.turnSlots }()
		case <-ctx.Done():
			events <- models.ErrorEvent("cancelled")
			e.countTurn("error")
			return
		}

		e.runTurn(ctx, turn, userInput, limit, events)
	}()
	return events, nil
}

// runTurn is the loop body. Every exit path emits exactly one terminal
// event before returning.
func (e *Engine) runTurn(ctx context.Context, turn *Turn, userInput string, limit int, events chan<- models.TurnEvent) {
	logger := e.logger.With("session", turn.SessionID)

	turn.Context.Append(models.Message{Role: models.RoleUser, Content: userInput})

	iterations := 0
	defer func() {
		if e.metrics != nil {
			e.metrics.TurnIterations.Observe(float64(iterations))
		}
	}()

	for i := 1; i <= limit; i++ {
		iterations = i
		if err := ctx.Err(); err != nil {
			events <- models.ErrorEvent("cancelled")
			e.countTurn("error")
			return
		}

		events <- models.IterationEvent(i, limit)

		system, messages, err := turn.Context.AssemblePrompt(ctx)
		if err != nil {
			events <- models.ErrorEvent(fmt.Sprintf("assemble context: %v", err))
			e.countTurn("error")
			return
		}

		var tools []models.ToolDescriptor
		if turn.Tools != nil {
			tools = turn.Tools.ListTools()
		}

		content, toolCalls, err := e.streamModel(ctx, turn, system, messages, tools, events)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				events <- models.ErrorEvent("cancelled")
			} else {
				logger.Error("model call failed", "iteration", i, "error", err)
				events <- models.ErrorEvent(err.Error())
			}
			e.countTurn("error")
			return
		}

		turn.Context.Append(models.Message{
			Role:      models.RoleAssistant,
			Content:   content,
			ToolCalls: toolCalls,
		})

		if len(toolCalls) == 0 {
			events <- models.CompleteEvent(content, i)
			e.countTurn("complete")
			return
		}

		// Every announced tool call gets a matching result, even under
		// cancellation: a cancelled context fails the call fast and the
		// error lands in the Tool message.
		for _, call := range toolCalls {
			e.executeTool(ctx, turn, call, events)
		}
		if err := ctx.Err(); err != nil {
			events <- models.ErrorEvent("cancelled")
			e.countTurn("error")
			return
		}
	}

	// Bound reached with tool calls still pending: the last assistant
	// content stands as the final response.
	events <- models.CompleteEvent(turn.Context.LastAssistantContent(), limit)
	e.countTurn("complete")
}

// streamModel runs one model call, relaying content deltas and
// accumulating tool calls. A ToolCall event is emitted as each call's
// argument stream completes.
func (e *Engine) streamModel(ctx context.Context, turn *Turn, system string, messages []models.Message, tools []models.ToolDescriptor, events chan<- models.TurnEvent) (string, []models.ToolCall, error) {
	req := &provider.Request{
		Model:       turn.Model,
		System:      system,
		Messages:    messages,
		Tools:       tools,
		Temperature: turn.Temperature,
		MaxTokens:   turn.MaxTokens,
	}

	start := time.Now()
	stream, err := turn.Adapter.ChatStream(ctx, req)
	if err != nil {
		e.observeModelCall(turn, start, "error")
		return "", nil, fault.Wrap(fault.ProviderError, err, "model call")
	}

	var content strings.Builder
	type pendingCall struct {
		name string
		args strings.Builder
	}
	pending := make(map[string]*pendingCall)
	var completed []models.ToolCall
	done := false

	for event := range stream {
		switch {
		case event.Err != nil:
			e.observeModelCall(turn, start, "error")
			if errors.Is(event.Err, context.Canceled) {
				return "", nil, event.Err
			}
			return "", nil, fault.Wrap(fault.ProviderError, event.Err, "model stream")

		case event.ContentDelta != "":
			content.WriteString(event.ContentDelta)
			events <- models.ContentEvent(event.ContentDelta)

		case event.ToolCallBegin != nil:
			pending[event.ToolCallBegin.ID] = &pendingCall{name: event.ToolCallBegin.Name}

		case event.ToolCallDelta != nil:
			if p, ok := pending[event.ToolCallDelta.ID]; ok {
				p.args.WriteString(event.ToolCallDelta.Delta)
			}

		case event.ToolCallEnd != nil:
			p, ok := pending[event.ToolCallEnd.ID]
			if !ok {
				continue
			}
			delete(pending, event.ToolCallEnd.ID)

			args := json.RawMessage(p.args.String())
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			call := models.ToolCall{ID: event.ToolCallEnd.ID, Name: p.name, Arguments: args}
			completed = append(completed, call)
			events <- models.ToolCallEvent(call.Name, call.Arguments)

		case event.Done:
			done = true
		}
	}

	if !done {
		e.observeModelCall(turn, start, "error")
		return "", nil, fault.New(fault.ProviderError, "model stream ended unexpectedly")
	}

	e.observeModelCall(turn, start, "success")
	return content.String(), completed, nil
}

// executeTool dispatches one tool call, emits its ToolResult event, and
// appends the Tool message. Tool failures never abort the turn; the error
// is recorded for the model to recover from.
func (e *Engine) executeTool(ctx context.Context, turn *Turn, call models.ToolCall, events chan<- models.TurnEvent) {
	start := time.Now()

	var resultJSON json.RawMessage
	var ok bool

	if turn.Tools == nil {
		ok = false
		resultJSON = encodeResultText(fmt.Sprintf("no tool servers available for %s", call.Name))
	} else {
		result, err := turn.Tools.Call(ctx, call.Name, call.Arguments)
		switch {
		case err != nil:
			resultJSON = encodeResultText(err.Error())
		case result.IsError:
			resultJSON = encodeResultText(result.Text())
		default:
			ok = true
			resultJSON = encodeResultText(result.Text())
		}
	}

	if e.metrics != nil {
		server, toolName, split := models.SplitToolName(call.Name)
		if !split {
			server, toolName = "", call.Name
		}
		status := "error"
		if ok {
			status = "success"
		}
		e.metrics.ToolCallCounter.WithLabelValues(server, toolName, status).Inc()
		e.metrics.ToolCallDuration.WithLabelValues(server).Observe(time.Since(start).Seconds())
	}

	events <- models.ToolResultEvent(call.Name, ok, resultJSON)
	turn.Context.Append(models.Message{
		Role:       models.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     resultJSON,
		IsError:    !ok,
	})
}

// encodeResultText represents tool output as JSON: raw when the text is
// already valid JSON, a JSON string otherwise.
func encodeResultText(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	encoded, err := json.Marshal(text)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return encoded
}

func (e *Engine) countTurn(outcome string) {
	if e.metrics != nil {
		e.metrics.TurnCounter.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) observeModelCall(turn *Turn, start time.Time, status string) {
	if e.metrics == nil {
		return
	}
	name := "unknown"
	if turn.Adapter != nil {
		name = turn.Adapter.Name()
	}
	e.metrics.LLMRequestDuration.WithLabelValues(name, turn.Model).Observe(time.Since(start).Seconds())
	e.metrics.LLMRequestCounter.WithLabelValues(name, turn.Model, status).Inc()
}
