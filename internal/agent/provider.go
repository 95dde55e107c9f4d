// Package agent runs a chat model in a loop against the vault tools.
package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/tools"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Provider types.
const (
	ProviderNone      = "none"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one transcript entry.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ChatRequest is what a provider receives each turn.
type ChatRequest struct {
	System    string
	Messages  []Message
	Tools     []tools.Definition
	MaxTokens int
}

// Usage counts tokens for one response.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ChatResponse is one model reply.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// ChatProvider is a chat-completion backend with function calling.
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}

// ProviderConfig selects and configures a chat provider.
type ProviderConfig struct {
	Type    string
	Model   string
	APIKey  string
	BaseURL string
}

// NewChatProvider builds the configured provider. An empty or "none" type
// returns nil, nil.
func NewChatProvider(cfg ProviderConfig) (ChatProvider, error) {
	switch strings.ToLower(cfg.Type) {
	case "", ProviderNone:
		return nil, nil
	case ProviderOpenAI:
		return NewOpenAI(cfg), nil
	case ProviderAnthropic:
		return NewAnthropic(cfg), nil
	default:
		return nil, apperr.Validation("unsupported chat provider %q", cfg.Type)
	}
}
