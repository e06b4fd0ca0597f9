package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/llm"
)

var (
	ErrTurnInFlight    = errors.New("a reply is already streaming in this session")
	ErrSessionNotFound = errors.New("chat session not found")
	ErrEmptyMessage    = errors.New("message must not be empty")
)

// FallbackMessage replaces the model's turn when its reply fails mid-stream.
const FallbackMessage = "Sorry, I couldn't complete that reply. Please try sending your message again."

const guidance = `You are a nutrition coach discussing the analysis below with the user.
Be concise and evidence-based. Stay on topic: glycemic impact, nutrition, ingredient swaps, portion sizes and cooking methods for this dish.
If the user asks about something unrelated, steer back to the dish. Do not give medical diagnoses.

Analysis (JSON):
`

// Event is one step of a streamed reply. Text events arrive in order and
// concatenate to the full reply. The last event has Done set and carries the
// priced usage when the backend reported it. A failed reply delivers a single
// event with Err set and Text holding FallbackMessage before Done.
type Event struct {
	Text  string
	Usage *domain.TokenUsage
	Err   error
	Done  bool
}

// usageRecorder is the subset of usage.Counter that sessions require.
type usageRecorder interface {
	Record(ctx context.Context, inputTokens, outputTokens int64) (domain.TokenUsage, error)
}

// Service owns the in-memory registry of chat sessions. Sessions are never
// persisted.
type Service struct {
	chatter llm.Chatter
	usage   usageRecorder
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewService(chatter llm.Chatter, usage usageRecorder, logger *slog.Logger) *Service {
	return &Service{
		chatter:  chatter,
		usage:    usage,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open starts a session seeded with result.
func (s *Service) Open(result *domain.AnalysisResult) (*Session, error) {
	if result == nil {
		return nil, errors.New("chat requires an analysis result")
	}
	system, err := SystemInstruction(result)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:         uuid.NewString(),
		RecipeName: result.RecipeName,
		CreatedAt:  time.Now(),
		system:     system,
		chatter:    s.chatter,
		usage:      s.usage,
		logger:     s.logger,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Info("chat session opened", "session_id", sess.ID, "recipe_name", result.RecipeName)
	return sess, nil
}

func (s *Service) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) Close(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SystemInstruction embeds the full result as JSON after the guidance.
func SystemInstruction(result *domain.AnalysisResult) (string, error) {
	seed := *result
	seed.Usage = nil
	data, err := json.MarshalIndent(seed, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode analysis for chat: %w", err)
	}
	return guidance + string(data), nil
}

type Session struct {
	ID         string
	RecipeName string
	CreatedAt  time.Time

	system  string
	chatter llm.Chatter
	usage   usageRecorder
	logger  *slog.Logger

	inFlight atomic.Bool

	mu    sync.Mutex
	turns []domain.ChatTurn
}

func (s *Session) System() string {
	return s.system
}

// Turns returns a copy of the completed turns.
func (s *Session) Turns() []domain.ChatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatTurn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Send streams the model's reply to message. Only one reply may stream at a
// time; a concurrent call fails with ErrTurnInFlight. The turn pair is
// recorded once the stream completes or fails. Cancelling ctx aborts the
// request and records neither turn.
func (s *Session) Send(ctx context.Context, message string) (<-chan Event, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrTurnInFlight
	}

	s.mu.Lock()
	turns := make([]domain.ChatTurn, len(s.turns), len(s.turns)+1)
	copy(turns, s.turns)
	s.mu.Unlock()
	turns = append(turns, domain.ChatTurn{Role: domain.RoleUser, Text: message})

	chunks, err := s.chatter.StreamChat(ctx, s.system, turns)
	if err != nil {
		if errors.Is(err, llm.ErrMissingAPIKey) || ctx.Err() != nil {
			s.inFlight.Store(false)
			return nil, err
		}
		s.logger.Error("chat stream failed to start", "session_id", s.ID, "error", err)
		chunks = failed(err)
	}

	out := make(chan Event, 16)
	go s.relay(ctx, message, chunks, out)
	return out, nil
}

func failed(err error) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Err: err}
	close(ch)
	return ch
}

func (s *Session) relay(ctx context.Context, message string, chunks <-chan llm.Chunk, out chan<- Event) {
	defer close(out)
	defer s.inFlight.Store(false)

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var reply strings.Builder
	var reported *llm.Usage
	var streamErr error

loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("chat reply abandoned", "session_id", s.ID)
			return
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
				break loop
			}
			if chunk.Usage != nil {
				reported = chunk.Usage
			}
			if chunk.Text != "" {
				reply.WriteString(chunk.Text)
				if !emit(Event{Text: chunk.Text}) {
					return
				}
			}
		}
	}
	if ctx.Err() != nil {
		return
	}

	if streamErr != nil {
		s.logger.Error("chat stream failed", "session_id", s.ID, "error", streamErr)
		s.record(message, FallbackMessage)
		if emit(Event{Text: FallbackMessage, Err: streamErr}) {
			emit(Event{Done: true})
		}
		return
	}

	s.record(message, reply.String())

	done := Event{Done: true}
	if reported != nil {
		u, err := s.usage.Record(ctx, reported.InputTokens, reported.OutputTokens)
		if err != nil {
			s.logger.Error("failed to record chat usage", "session_id", s.ID, "error", err)
		}
		done.Usage = &u
	}
	emit(done)
}

func (s *Session) record(message, reply string) {
	s.mu.Lock()
	s.turns = append(s.turns,
		domain.ChatTurn{Role: domain.RoleUser, Text: message},
		domain.ChatTurn{Role: domain.RoleModel, Text: reply},
	)
	s.mu.Unlock()
}
