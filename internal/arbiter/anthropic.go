package arbiter

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"roomdj/internal/core"
)

const (
	anthropicTemperature  = 0.3
	anthropicMaxTokens    = 1000
	anthropicDefaultModel = "claude-3-haiku-20240307"
)

type AnthropicClient struct {
	cfg    core.ArbiterConfig
	logger *zap.Logger
	client *anthropic.Client
}

func NewAnthropicClient(cfg core.ArbiterConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicClient{cfg: cfg, logger: logger, client: &client}, nil
}

func (a *AnthropicClient) Decide(ctx context.Context, req core.ArbitrationRequest) (*core.ArbitrationResult, error) {
	input, err := buildPlacementInput(req)
	if err != nil {
		return nil, err
	}

	model := a.cfg.Model
	if model == "" {
		model = anthropicDefaultModel
	}

	a.logger.Debug("Calling Anthropic for placement",
		zap.String("candidate", req.Candidate.ID),
		zap.String("model", model))

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		System: []anthropic.TextBlockParam{{
			Type: "text",
			Text: placementSystemPrompt,
		}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(input)),
		},
		Temperature: anthropic.Float(anthropicTemperature),
	})
	if err != nil {
		return nil, fmt.Errorf("Anthropic API call failed: %w", err)
	}

	if len(message.Content) == 0 {
		return nil, fmt.Errorf("no response from Anthropic")
	}

	return parsePlacementResponse(message.Content[0].Text)
}
