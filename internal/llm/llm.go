package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vbonduro/nutrilens/internal/domain"
)

// ErrNoStructuredOutput is returned when a backend answers a schema-bound
// request without producing the structured payload.
var ErrNoStructuredOutput = errors.New("model returned no structured output")

// Usage is the token accounting reported by a backend for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type GenerateRequest struct {
	System    string
	Prompt    string
	Image     []byte
	ImageMIME string
	// Schema is a JSON Schema document the response must conform to.
	Schema     json.RawMessage
	SchemaName string
}

type GenerateResponse struct {
	// Text is the raw JSON document produced for the schema.
	Text  string
	Usage *Usage
}

// Generator produces one schema-bound response per call.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// Chatter streams a free-text reply to a conversation.
type Chatter interface {
	// StreamChat sends Chunks on the returned channel as the model produces
	// text. The channel is closed when the stream ends or ctx is cancelled.
	// A mid-stream failure is delivered as a Chunk with Err set; the final
	// Chunk of a successful stream carries Usage when the backend reports it.
	StreamChat(ctx context.Context, system string, turns []domain.ChatTurn) (<-chan Chunk, error)
}

// Backend is implemented by every adapter.
type Backend interface {
	Generator
	Chatter
}

type Chunk struct {
	Text  string
	Usage *Usage
	Err   error
}
