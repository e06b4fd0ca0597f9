package claude

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/liushuangls/go-anthropic/v2"

	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/llm"
)

const toolDescription = "Record the structured result. Always call this tool exactly once."

type Client struct {
	api       *anthropic.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

type Options struct {
	Model     string
	MaxTokens int
	// BaseURL overrides the API endpoint; requests go to BaseURL + "/messages".
	BaseURL string
	Timeout time.Duration
}

func New(apiKey string, opts Options, logger *slog.Logger) *Client {
	clientOpts := []anthropic.ClientOption{
		anthropic.WithHTTPClient(&http.Client{Timeout: opts.Timeout}),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, anthropic.WithBaseURL(opts.BaseURL))
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		api:       anthropic.NewClient(apiKey, clientOpts...),
		model:     opts.Model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Generate forces a single tool call whose input schema is the requested
// response schema, so the tool input is the structured result.
func (c *Client) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	var content []anthropic.MessageContent
	if len(req.Image) > 0 {
		content = append(content, anthropic.NewImageMessageContent(anthropic.MessageContentSource{
			Type:      "base64",
			MediaType: llm.NormaliseMIME(req.ImageMIME),
			Data:      base64.StdEncoding.EncodeToString(req.Image),
		}))
	}
	content = append(content, anthropic.NewTextMessageContent(req.Prompt))

	toolName := req.SchemaName
	if toolName == "" {
		toolName = "record_result"
	}

	mreq := anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		System:    req.System,
		MaxTokens: c.maxTokens,
		Messages:  []anthropic.Message{{Role: anthropic.RoleUser, Content: content}},
	}
	if len(req.Schema) > 0 {
		mreq.Tools = []anthropic.ToolDefinition{{
			Name:        toolName,
			Description: toolDescription,
			InputSchema: req.Schema,
		}}
		mreq.ToolChoice = &anthropic.ToolChoice{Type: "tool", Name: toolName}
	}

	start := time.Now()
	resp, err := c.api.CreateMessages(ctx, mreq)
	if err != nil {
		return nil, fmt.Errorf("failed to call claude: %w", err)
	}
	c.logger.Debug("claude generate complete",
		"model", c.model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"elapsed", time.Since(start),
	)

	out := &llm.GenerateResponse{
		Usage: &llm.Usage{
			InputTokens:  int64(resp.Usage.InputTokens),
			OutputTokens: int64(resp.Usage.OutputTokens),
		},
	}

	var text string
	for _, blk := range resp.Content {
		switch blk.Type {
		case "tool_use":
			if blk.MessageContentToolUse != nil && blk.MessageContentToolUse.Name == toolName {
				out.Text = string(blk.MessageContentToolUse.Input)
				return out, nil
			}
		case "text":
			if text == "" {
				text = blk.GetText()
			}
		}
	}

	if len(req.Schema) > 0 && text == "" {
		return out, llm.ErrNoStructuredOutput
	}
	out.Text = llm.ExtractJSON(text)
	return out, nil
}

// StreamChat implements llm.Chatter using the streaming Messages API.
func (c *Client) StreamChat(ctx context.Context, system string, turns []domain.ChatTurn) (<-chan llm.Chunk, error) {
	messages := make([]anthropic.Message, 0, len(turns))
	for _, t := range turns {
		role := anthropic.RoleUser
		if t.Role == domain.RoleModel {
			role = anthropic.RoleAssistant
		}
		messages = append(messages, anthropic.Message{
			Role:    role,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(t.Text)},
		})
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("chat requires at least one turn")
	}

	ch := make(chan llm.Chunk, 16)

	send := func(chunk llm.Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)

		resp, err := c.api.CreateMessagesStream(ctx, anthropic.MessagesStreamRequest{
			MessagesRequest: anthropic.MessagesRequest{
				Model:     anthropic.Model(c.model),
				System:    system,
				MaxTokens: c.maxTokens,
				Messages:  messages,
			},
			OnContentBlockDelta: func(data anthropic.MessagesEventContentBlockDeltaData) {
				if text := data.Delta.GetText(); text != "" {
					send(llm.Chunk{Text: text})
				}
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(llm.Chunk{Err: fmt.Errorf("claude stream failed: %w", err)})
			return
		}

		send(llm.Chunk{Usage: &llm.Usage{
			InputTokens:  int64(resp.Usage.InputTokens),
			OutputTokens: int64(resp.Usage.OutputTokens),
		}})
	}()

	return ch, nil
}
