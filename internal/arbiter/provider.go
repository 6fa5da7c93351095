// Package arbiter asks an LLM where a candidate track belongs in the queue.
// Its answers are advice: the queue engine validates every ordering
// instruction and the session falls back to tail-append when the arbiter
// fails or talks nonsense.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"roomdj/internal/core"
)

// Client is one LLM backend. Implementations return the raw ordering
// instruction without validating it against the queue.
type Client interface {
	Decide(ctx context.Context, req core.ArbitrationRequest) (*core.ArbitrationResult, error)
}

// Provider wraps a Client with the configured per-call timeout. It
// implements core.PlacementArbiter.
type Provider struct {
	cfg    core.ArbiterConfig
	logger *zap.Logger
	client Client
}

// NewProvider builds the configured arbiter, or nil when arbitration is
// disabled. A nil arbiter means every request appends at the tail.
func NewProvider(cfg core.ArbiterConfig, logger *zap.Logger) (*Provider, error) {
	var client Client
	var err error

	switch cfg.Provider {
	case "openai":
		client, err = NewOpenAIClient(cfg, logger)
	case "anthropic":
		client, err = NewAnthropicClient(cfg, logger)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported arbiter provider: %s", cfg.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s arbiter: %w", cfg.Provider, err)
	}

	return &Provider{cfg: cfg, logger: logger.Named("arbiter"), client: client}, nil
}

func (p *Provider) Decide(ctx context.Context, req core.ArbitrationRequest) (*core.ArbitrationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	result, err := p.client.Decide(ctx, req)
	if err != nil {
		p.logger.Warn("Arbiter call failed",
			zap.String("provider", p.cfg.Provider),
			zap.Error(err))
		return nil, err
	}

	p.logger.Debug("Arbiter decision received",
		zap.String("provider", p.cfg.Provider),
		zap.Int("queueLength", len(req.Queue)),
		zap.Strings("order", result.Order))

	return result, nil
}

const placementSystemPrompt = `You are a DJ assistant placing one new track into a shared listening queue.

You receive the current queue in play order (each entry has an id, title, artist and vote count), optional theme keywords for the session, and one candidate track to place.

Respond with a JSON object in this exact format:
{
  "order": ["track-id", "track-id", ...]
}

Rules:
1. "order" must list every queued track id exactly once, plus the candidate id exactly once
2. Do not invent, drop or repeat ids
3. Prefer keeping high-vote tracks near the front
4. Use the theme keywords and artist/title affinity to find a musically coherent slot for the candidate
5. Respond with the JSON object only, no prose`

type placementInput struct {
	Queue     []core.TrackSummary `json:"queue"`
	Theme     []string            `json:"theme_keywords,omitempty"`
	Candidate core.TrackSummary   `json:"candidate"`
}

// buildPlacementInput serializes the request for the model.
func buildPlacementInput(req core.ArbitrationRequest) (string, error) {
	input := placementInput{
		Queue: req.Queue,
		Theme: req.ThemeKeywords,
		Candidate: core.TrackSummary{
			ID:     req.Candidate.ID,
			Title:  req.Candidate.Title,
			Artist: req.Candidate.Artist,
		},
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode placement input: %w", err)
	}
	return string(data), nil
}

type placementResponse struct {
	Order []string `json:"order"`
}

// parsePlacementResponse decodes the model's answer. Models sometimes wrap
// JSON in a markdown fence; strip it before decoding.
func parsePlacementResponse(content string) (*core.ArbitrationResult, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}

	var response placementResponse
	if err := json.Unmarshal([]byte(content), &response); err != nil {
		return nil, fmt.Errorf("failed to parse placement response: %w", err)
	}
	if len(response.Order) == 0 {
		return nil, fmt.Errorf("placement response carried no order")
	}

	return &core.ArbitrationResult{Order: response.Order}, nil
}
