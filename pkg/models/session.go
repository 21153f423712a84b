package models

import (
	"fmt"
	"strings"
	"time"
)

// LaunchKind selects how a tool server is hosted.
type LaunchKind string

const (
	// LaunchSubprocess runs the server as a child process speaking MCP
	// over stdin/stdout.
	LaunchSubprocess LaunchKind = "subprocess"

	// LaunchInProcess instantiates the server inside the runtime via a
	// registered factory.
	LaunchInProcess LaunchKind = "in-process"
)

// ToolServerSpec describes one tool server attached to a session.
type ToolServerSpec struct {
	Name   string     `json:"name"`
	Launch LaunchKind `json:"launch"`

	// Subprocess options.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// In-process options.
	FactoryID string `json:"factory_id,omitempty"`
}

// Validate checks the spec for the selected launch kind.
func (s *ToolServerSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("tool server name is required")
	}
	switch s.Launch {
	case LaunchSubprocess, "":
		if s.Command == "" {
			return fmt.Errorf("tool server %s: command is required", s.Name)
		}
	case LaunchInProcess:
		if s.FactoryID == "" {
			return fmt.Errorf("tool server %s: factory_id is required", s.Name)
		}
	default:
		return fmt.Errorf("tool server %s: unknown launch kind %q", s.Name, s.Launch)
	}
	return nil
}

// ProviderSettings configures the model backend for a session.
//
// APIKey is never persisted; CredentialsEnv names an environment variable
// the runtime reads at initialization time instead.
type ProviderSettings struct {
	APIKey         string  `json:"-"`
	CredentialsEnv string  `json:"credentials_env,omitempty"`
	BaseURL        string  `json:"base_url,omitempty"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
}

// AgentSettings configures the iteration engine for a session.
type AgentSettings struct {
	SystemInstruction string `json:"system_instruction,omitempty"`
	MaxIterations     int    `json:"max_iterations,omitempty"`
	MaxMessages       int    `json:"max_messages,omitempty"`
	MaxContextLength  int    `json:"max_context_length,omitempty"`
	MemoryEnabled     bool   `json:"memory_enabled,omitempty"`
	MemoryContextSize int    `json:"memory_context_size,omitempty"`
}

// SessionSpec is the caller-supplied description of a new session.
type SessionSpec struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name,omitempty"`
	Description string            `json:"description,omitempty"`
	Provider    string            `json:"provider"`
	Settings    ProviderSettings  `json:"settings"`
	Agent       AgentSettings     `json:"agent,omitempty"`
	ToolServers []ToolServerSpec  `json:"tool_servers,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks required fields and nested tool server specs.
func (s *SessionSpec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(s.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	for i := range s.ToolServers {
		if err := s.ToolServers[i].Validate(); err != nil {
			return fmt.Errorf("tool_servers[%d]: %w", i, err)
		}
	}
	return nil
}

// Session is the persisted configuration of a conversation, as written to
// session_config.json. Timestamps are server-assigned.
type Session struct {
	SessionSpec

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionUpdate carries the mutable subset of session fields. Nil fields
// are left unchanged; ID and provider selection are immutable.
type SessionUpdate struct {
	DisplayName *string           `json:"display_name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
