// Package llm builds the chat model used by chat commands.
package llm

import (
	"context"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/grovetools/paramhub/config"
	"github.com/grovetools/paramhub/errors"
)

// NewChatModel creates an OpenAI-compatible chat model. Local servers such as
// Ollama accept any API key; a placeholder is sent when none is configured.
func NewChatModel(ctx context.Context, cfg config.LLMConfig) (*openai.ChatModel, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "ollama"
	}

	modelConfig := &openai.ChatModelConfig{
		APIKey:  apiKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.RequestTimeout(),
	}
	if cfg.Temperature != nil {
		temperature := float32(*cfg.Temperature)
		modelConfig.Temperature = &temperature
	}

	model, err := openai.NewChatModel(ctx, modelConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to create chat model").
			WithDetail("base_url", cfg.BaseURL).
			WithDetail("model", cfg.Model)
	}
	return model, nil
}
