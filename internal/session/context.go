// Package session implements the session manager: per-conversation
// configuration, message history, memory, and the live runtime state
// (tool pool + model adapter) behind each session.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pilotd/pilot/internal/memory"
	"github.com/pilotd/pilot/pkg/models"
)

const (
	defaultMaxMessages       = 200
	defaultMaxContextLength  = 50
	defaultMemoryContextSize = 5
)

// Context is a session's ordered message history plus its memory hookup.
// The system instruction, when present, is always the first message and is
// never dropped by truncation.
type Context struct {
	mu sync.Mutex

	messages          []models.Message
	maxMessages       int
	maxContextLength  int
	memoryEnabled     bool
	memoryContextSize int
	store             *memory.Store

	createdAt time.Time
	updatedAt time.Time
}

// NewContext creates a context for the given agent settings. A non-empty
// system instruction is seeded as the first message.
func NewContext(agent models.AgentSettings, store *memory.Store) *Context {
	maxMessages := agent.MaxMessages
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	maxContextLength := agent.MaxContextLength
	if maxContextLength <= 0 {
		maxContextLength = defaultMaxContextLength
	}
	memoryContextSize := agent.MemoryContextSize
	if memoryContextSize <= 0 {
		memoryContextSize = defaultMemoryContextSize
	}

	now := time.Now().UTC()
	c := &Context{
		maxMessages:       maxMessages,
		maxContextLength:  maxContextLength,
		memoryEnabled:     agent.MemoryEnabled && store != nil,
		memoryContextSize: memoryContextSize,
		store:             store,
		createdAt:         now,
		updatedAt:         now,
	}
	if agent.SystemInstruction != "" {
		c.messages = append(c.messages, models.Message{
			Role:    models.RoleSystem,
			Content: agent.SystemInstruction,
		})
	}
	return c
}

// Append adds a message, dropping the oldest non-system message when the
// cap is exceeded.
func (c *Context) Append(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Timestamp.IsZero() && msg.Role != models.RoleSystem {
		msg.Timestamp = time.Now().UTC()
	}
	c.messages = append(c.messages, msg)
	c.updatedAt = time.Now().UTC()

	for len(c.messages) > c.maxMessages {
		dropped := false
		for i, m := range c.messages {
			if m.Role != models.RoleSystem {
				c.messages = append(c.messages[:i], c.messages[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			return
		}
	}
}

// Snapshot returns an ordered copy of the history.
func (c *Context) Snapshot() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.messages...)
}

// Len returns the current message count.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// ClearHistory resets the history, optionally keeping the system
// instruction.
func (c *Context) ClearHistory(keepSystem bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var kept []models.Message
	if keepSystem {
		for _, m := range c.messages {
			if m.Role == models.RoleSystem {
				kept = append(kept, m)
				break
			}
		}
	}
	c.messages = kept
	c.updatedAt = time.Now().UTC()
}

// LastAssistantContent returns the content of the most recent assistant
// message.
func (c *Context) LastAssistantContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == models.RoleAssistant {
			return c.messages[i].Content
		}
	}
	return ""
}

// AssemblePrompt builds the model prompt: the system instruction (with up
// to memoryContextSize relevant memories appended when memory is enabled)
// plus the most recent non-system messages, bounded by maxContextLength
// while keeping tool replies attached to the assistant message that
// requested them.
func (c *Context) AssemblePrompt(ctx context.Context) (string, []models.Message, error) {
	c.mu.Lock()
	var system string
	var rest []models.Message
	for _, m := range c.messages {
		if m.Role == models.RoleSystem && system == "" {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	limit := c.maxContextLength
	memoryEnabled := c.memoryEnabled
	memorySize := c.memoryContextSize
	store := c.store
	c.mu.Unlock()

	if len(rest) > limit {
		start := len(rest) - limit
		// Never let the window open on a tool reply split from its
		// call: walk back to the owning assistant message.
		for start > 0 && rest[start].Role == models.RoleTool {
			start--
		}
		rest = rest[start:]
	}

	if memoryEnabled && store != nil {
		if query := lastUserContent(rest); query != "" {
			results, err := store.Search(ctx, memory.Query{Text: query, Limit: memorySize})
			if err == nil && len(results) > 0 {
				system += "\n\nRelevant memories:"
				for _, r := range results {
					system += "\n- " + r.Record.Content
				}
			}
		}
	}

	return system, rest, nil
}

func lastUserContent(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
