package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"newsbrief/internal/ingest"
)

// Dynamic resolves provider settings on every call, so operators can repoint
// the model, key, or endpoint through the settings store without a restart.
type Dynamic struct {
	settings ingest.SettingsStore
	defaults Options
	logger   *zap.Logger
}

// NewDynamic builds a settings-backed generator and embedder.
func NewDynamic(settings ingest.SettingsStore, defaults Options, logger *zap.Logger) *Dynamic {
	return &Dynamic{settings: settings, defaults: defaults, logger: logger}
}

func (d *Dynamic) client(ctx context.Context) (*Client, error) {
	opts := ResolveOptions(ctx, d.settings, d.defaults)
	client, err := NewClient(opts, d.logger)
	if err != nil {
		return nil, fmt.Errorf("build llm client: %w", err)
	}
	return client, nil
}

// Generate resolves the current provider and runs one completion.
func (d *Dynamic) Generate(ctx context.Context, prompt string) (string, error) {
	client, err := d.client(ctx)
	if err != nil {
		return "", err
	}
	return client.Generate(ctx, prompt)
}

// Embed resolves the current provider and embeds texts.
func (d *Dynamic) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	client, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Embed(ctx, texts)
}
