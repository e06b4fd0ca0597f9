package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/llm"
)

type Client struct {
	host   string
	model  string
	client *http.Client
	logger *slog.Logger
}

func New(host, model string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		host:   host,
		model:  model,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type generateRequest struct {
	Model  string          `json:"model"`
	Prompt string          `json:"prompt"`
	System string          `json:"system,omitempty"`
	Images []string        `json:"images,omitempty"`
	Format json.RawMessage `json:"format,omitempty"`
	Stream bool            `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// counts are reported on the final object of every response.
type counts struct {
	PromptEvalCount int64 `json:"prompt_eval_count"`
	EvalCount       int64 `json:"eval_count"`
}

func (c counts) usage() *llm.Usage {
	return &llm.Usage{InputTokens: c.PromptEvalCount, OutputTokens: c.EvalCount}
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, bytes.TrimSpace(errBody))
	}
	return resp, nil
}

// Generate passes the schema as the structured output format.
func (c *Client) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	body := generateRequest{
		Model:  c.model,
		Prompt: req.Prompt,
		System: req.System,
		Format: req.Schema,
		Stream: false,
	}
	if len(req.Image) > 0 {
		body.Images = []string{base64.StdEncoding.EncodeToString(req.Image)}
	}

	resp, err := c.post(ctx, "/api/generate", body)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("failed to close ollama response body", "error", err)
		}
	}()

	var respBody struct {
		Response string `json:"response"`
		counts
	}
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &llm.GenerateResponse{
		Text:  llm.ExtractJSON(respBody.Response),
		Usage: respBody.usage(),
	}, nil
}

// StreamChat reads the newline-delimited JSON stream of /api/chat.
func (c *Client) StreamChat(ctx context.Context, system string, turns []domain.ChatTurn) (<-chan llm.Chunk, error) {
	messages := make([]chatMessage, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	for _, t := range turns {
		role := "user"
		if t.Role == domain.RoleModel {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: t.Text})
	}

	resp, err := c.post(ctx, "/api/chat", chatRequest{Model: c.model, Messages: messages, Stream: true})
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 16)

	go func() {
		defer close(ch)
		defer func() {
			if err := resp.Body.Close(); err != nil {
				c.logger.Error("failed to close ollama stream body", "error", err)
			}
		}()

		send := func(chunk llm.Chunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var event struct {
				Message chatMessage `json:"message"`
				Done    bool        `json:"done"`
				Error   string      `json:"error"`
				counts
			}
			if err := json.Unmarshal(line, &event); err != nil {
				send(llm.Chunk{Err: fmt.Errorf("failed to decode ollama stream: %w", err)})
				return
			}
			if event.Error != "" {
				send(llm.Chunk{Err: fmt.Errorf("ollama stream failed: %s", event.Error)})
				return
			}
			if event.Message.Content != "" {
				if !send(llm.Chunk{Text: event.Message.Content}) {
					return
				}
			}
			if event.Done {
				send(llm.Chunk{Usage: event.usage()})
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(llm.Chunk{Err: fmt.Errorf("read ollama stream: %w", err)})
			return
		}
		if ctx.Err() == nil {
			send(llm.Chunk{Err: fmt.Errorf("ollama stream ended before completion")})
		}
	}()

	return ch, nil
}
