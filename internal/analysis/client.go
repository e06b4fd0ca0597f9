package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/llm"
)

// usageRecorder is the subset of usage.Counter that Client requires.
type usageRecorder interface {
	Record(ctx context.Context, inputTokens, outputTokens int64) (domain.TokenUsage, error)
}

type Client struct {
	generator llm.Generator
	usage     usageRecorder
	logger    *slog.Logger
}

func NewClient(generator llm.Generator, usage usageRecorder, logger *slog.Logger) *Client {
	return &Client{generator: generator, usage: usage, logger: logger}
}

// Analyze sends one schema-bound request and returns the decoded result. It
// does not retry. When the backend reports token usage the priced usage is
// attached to the result and added to the usage counter.
func (c *Client) Analyze(ctx context.Context, req Request) (*domain.AnalysisResult, error) {
	if req.Text == "" && len(req.Image) == 0 {
		return nil, errors.New("analysis requires text or an image")
	}

	start := time.Now()
	resp, err := c.generator.Generate(ctx, llm.GenerateRequest{
		System:     systemInstruction,
		Prompt:     BuildPrompt(req),
		Image:      req.Image,
		ImageMIME:  req.ImageMIME,
		Schema:     Schema(),
		SchemaName: SchemaName,
	})
	if err != nil {
		if errors.Is(err, llm.ErrNoStructuredOutput) {
			return nil, ErrEmptyResponse
		}
		return nil, fmt.Errorf("failed to generate analysis: %w", err)
	}

	result, err := Parse(resp.Text)
	if err != nil {
		return nil, err
	}

	if resp.Usage != nil {
		u, err := c.usage.Record(ctx, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		if err != nil {
			c.logger.Error("failed to record usage", "error", err)
		}
		result.Usage = &u
	}

	c.logger.Info("analysis complete",
		"recipe_name", result.RecipeName,
		"ingredients", len(result.Ingredients),
		"grounded", req.Grounding != "",
		"elapsed", time.Since(start),
	)
	return result, nil
}
