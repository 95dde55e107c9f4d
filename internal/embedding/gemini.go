package embedding

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/starford/ansuz/internal/apperr"
)

const defaultGeminiModel = "gemini-embedding-001"

// Gemini embeds through the Gemini API.
type Gemini struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, cfg ProviderConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, apperr.Validation("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{client: client, model: model, dimensions: cfg.Dimensions}, nil
}

func (p *Gemini) Name() string  { return TypeGemini }
func (p *Gemini) Model() string { return p.model }

func (p *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	cfg := &genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"}
	if p.dimensions > 0 {
		d := int32(p.dimensions)
		cfg.OutputDimensionality = &d
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, apperr.Classify(TypeGemini, apiErr.Code, err)
		}
		return nil, apperr.Classify(TypeGemini, 0, err)
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil {
			continue
		}
		out[i] = e.Values
	}
	return out, nil
}
