package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/tools"
)

// DefaultMaxTurns bounds the number of model calls in one run.
const DefaultMaxTurns = 10

const defaultSystemPrompt = `You are an assistant working inside a Markdown notes vault.
Use the tools to look things up before answering. Paths are relative to the vault root.
When you change a note, say which note you changed.`

// ToolRunner executes a named tool with raw JSON arguments.
type ToolRunner interface {
	Run(ctx context.Context, name string, raw json.RawMessage) (string, error)
}

// Config tunes an Agent.
type Config struct {
	MaxTurns     int
	MaxTokens    int
	SystemPrompt string
	Retry        apperr.RetryPolicy
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() Config {
	return Config{
		MaxTurns:     DefaultMaxTurns,
		SystemPrompt: defaultSystemPrompt,
		Retry:        apperr.DefaultRetryPolicy(),
	}
}

// Result is the outcome of a completed run.
type Result struct {
	RunID      string     `json:"run_id"`
	Answer     string     `json:"answer"`
	Turns      int        `json:"turns"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage"`
	Transcript []Message  `json:"-"`
}

// Agent drives a ChatProvider through tool calls until it answers.
type Agent struct {
	provider ChatProvider
	tools    ToolRunner
	catalog  []tools.Definition
	cfg      Config
	log      *slog.Logger
}

// New creates an Agent.
func New(provider ChatProvider, runner ToolRunner, cfg Config, logger *slog.Logger) (*Agent, error) {
	if provider == nil {
		return nil, apperr.Validation("agent: no chat provider configured")
	}
	if runner == nil {
		return nil, apperr.Validation("agent: no tool runner configured")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = apperr.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		provider: provider,
		tools:    runner,
		catalog:  tools.Catalogue(),
		cfg:      cfg,
		log:      logger.With(slog.String("component", "agent"), slog.String("provider", provider.Name())),
	}, nil
}

// Run answers prompt. Each turn sends the transcript and the tool
// catalogue; every requested tool call is executed and its output, or its
// error, is appended as a tool message. The run ends on the first reply
// without tool calls, or fails with ErrTurnLimitExceeded.
func (a *Agent) Run(ctx context.Context, prompt string) (*Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, apperr.Validation("prompt is required")
	}

	res := &Result{RunID: uuid.NewString()}
	log := a.log.With(slog.String("run_id", res.RunID))
	log.Info("agent: run started")
	started := time.Now()

	transcript := []Message{{Role: RoleUser, Content: prompt}}
	for turn := 1; turn <= a.cfg.MaxTurns; turn++ {
		res.Turns = turn
		resp, err := a.chat(ctx, transcript)
		if err != nil {
			log.Error("agent: provider failed", slog.Int("turn", turn), slog.String("error", err.Error()))
			return nil, fmt.Errorf("agent: run %s: %w", res.RunID, err)
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens

		calls := make([]ToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			if tc.ID == "" {
				tc.ID = "call_" + uuid.NewString()
			}
			calls[i] = tc
		}
		transcript = append(transcript, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: calls})

		if len(calls) == 0 {
			res.Answer = resp.Content
			res.Transcript = transcript
			log.Info("agent: run finished",
				slog.Int("turns", turn),
				slog.Int("tool_calls", len(res.ToolCalls)),
				slog.Duration("took", time.Since(started)),
			)
			return res, nil
		}

		for _, tc := range calls {
			transcript = append(transcript, a.execute(ctx, log, tc))
		}
		res.ToolCalls = append(res.ToolCalls, calls...)
	}

	log.Warn("agent: turn limit reached", slog.Int("max_turns", a.cfg.MaxTurns))
	return nil, fmt.Errorf("agent: run %s: %w", res.RunID, apperr.ErrTurnLimitExceeded)
}

func (a *Agent) chat(ctx context.Context, transcript []Message) (*ChatResponse, error) {
	req := ChatRequest{
		System:    a.cfg.SystemPrompt,
		Messages:  transcript,
		Tools:     a.catalog,
		MaxTokens: a.cfg.MaxTokens,
	}
	var resp *ChatResponse
	err := apperr.Retry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		var err error
		resp, err = a.provider.Chat(ctx, req)
		return err
	})
	return resp, err
}

func (a *Agent) execute(ctx context.Context, log *slog.Logger, tc ToolCall) Message {
	out, err := a.tools.Run(ctx, tc.Name, tc.Arguments)
	if err != nil {
		log.Debug("agent: tool error returned to model", slog.String("tool", tc.Name), slog.String("error", err.Error()))
		return Message{Role: RoleTool, ToolCallID: tc.ID, Content: "error: " + err.Error(), IsError: true}
	}
	return Message{Role: RoleTool, ToolCallID: tc.ID, Content: out}
}
