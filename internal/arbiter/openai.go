package arbiter

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"roomdj/internal/core"
)

const (
	openAITemperature  = 0.1
	openAIMaxTokens    = 1000
	openAIDefaultModel = "gpt-4o-mini"
)

type OpenAIClient struct {
	cfg    core.ArbiterConfig
	logger *zap.Logger
	client *openai.Client
}

func NewOpenAIClient(cfg core.ArbiterConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)

	return &OpenAIClient{cfg: cfg, logger: logger, client: &client}, nil
}

func (o *OpenAIClient) Decide(ctx context.Context, req core.ArbitrationRequest) (*core.ArbitrationResult, error) {
	input, err := buildPlacementInput(req)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("Calling OpenAI for placement",
		zap.String("candidate", req.Candidate.ID),
		zap.String("model", o.cfg.Model))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(placementSystemPrompt),
			openai.UserMessage(input),
		},
		Model:       o.getModel(),
		Temperature: openai.Float(openAITemperature),
		MaxTokens:   openai.Int(openAIMaxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	return parsePlacementResponse(resp.Choices[0].Message.Content)
}

func (o *OpenAIClient) getModel() shared.ChatModel {
	if o.cfg.Model != "" {
		return o.cfg.Model
	}
	return openAIDefaultModel
}
