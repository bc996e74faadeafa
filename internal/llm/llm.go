// Package llm wraps the OpenAI-compatible chat and embedding APIs behind the
// pipeline's generation contracts. The provider, key, and models are runtime
// settings so operators can repoint the system without a redeploy.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"

	"newsbrief/internal/ingest"
	"newsbrief/internal/telemetry"
)

// Runtime setting keys.
const (
	SettingAnalysisMode = "article_analysis_mode"
	SettingProvider     = "llm_provider"
	SettingAPIKey       = "llm_api_key"
	SettingBaseURL      = "llm_base_url"
	SettingModel        = "llm_model"
)

// Options selects the provider endpoint and models for one client.
type Options struct {
	Provider   string
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
}

// ResolveOptions layers runtime settings over the configured defaults. An
// explicit base URL setting wins over the provider's well-known endpoint.
func ResolveOptions(ctx context.Context, settings ingest.SettingsStore, defaults Options) Options {
	opts := Options{
		Provider:   settings.Get(ctx, SettingProvider, defaults.Provider),
		APIKey:     settings.Get(ctx, SettingAPIKey, defaults.APIKey),
		Model:      settings.Get(ctx, SettingModel, defaults.Model),
		EmbedModel: defaults.EmbedModel,
	}
	opts.BaseURL = settings.Get(ctx, SettingBaseURL, baseURLForProvider(opts.Provider, defaults.BaseURL))
	return opts
}

func baseURLForProvider(provider, fallback string) string {
	switch strings.ToLower(provider) {
	case "google":
		return "https://generativelanguage.googleapis.com/v1beta/openai/"
	case "glm":
		return "https://api.z.ai/api/paas/v4/"
	default:
		return fallback
	}
}

// Client issues deterministic completions and embedding calls.
type Client struct {
	api        openai.Client
	model      string
	embedModel string
	logger     *zap.Logger
}

// NewClient builds a client for the resolved options.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm api key is not configured")
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.EmbedModel == "" {
		opts.EmbedModel = "text-embedding-3-small"
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Client{
		api:        openai.NewClient(reqOpts...),
		model:      opts.Model,
		embedModel: opts.EmbedModel,
		logger:     logger,
	}, nil
}

// Generate runs one chat completion at temperature zero.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	response, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		telemetry.ObserveLLMRequest("generate", "error")
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		telemetry.ObserveLLMRequest("generate", "empty")
		return "", fmt.Errorf("chat completion returned no choices")
	}
	telemetry.ObserveLLMRequest("generate", "ok")
	return response.Choices[0].Message.Content, nil
}

// Embed converts texts into vectors, preserving input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	response, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		telemetry.ObserveLLMRequest("embed", "error")
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	if len(response.Data) != len(texts) {
		telemetry.ObserveLLMRequest("embed", "mismatch")
		return nil, fmt.Errorf("embeddings returned %d vectors for %d inputs", len(response.Data), len(texts))
	}

	vectors := make([][]float32, len(response.Data))
	for i, item := range response.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	telemetry.ObserveLLMRequest("embed", "ok")
	return vectors, nil
}

// StripFences removes a surrounding markdown code fence from a model reply.
// Models regularly wrap JSON answers in ```json blocks even when told not to.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	} else {
		trimmed = strings.TrimPrefix(trimmed, "```")
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
