// Package embedding turns text into vectors through a pluggable provider,
// with batching, an in-flight cap, retries and a query cache on top.
package embedding

import (
	"context"
	"strings"

	"github.com/starford/ansuz/internal/apperr"
)

// Provider is the external embedding capability.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Name identifies the backend ("openai", "gemini", "static").
	Name() string
	// Model is the model tag stored next to every vector.
	Model() string
}

// Provider types accepted by NewProvider.
const (
	TypeNone   = "none"
	TypeOpenAI = "openai"
	TypeGemini = "gemini"
	TypeStatic = "static"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Type       string
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
}

// NewProvider builds the provider named by cfg.Type. TypeNone (or an empty
// type) returns a nil provider and no error.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeNone:
		return nil, nil
	case TypeOpenAI:
		return NewOpenAI(cfg), nil
	case TypeGemini:
		return NewGemini(ctx, cfg)
	case TypeStatic:
		return NewStatic(cfg.Dimensions), nil
	default:
		return nil, apperr.Validation("unknown embedding provider %q", cfg.Type)
	}
}
