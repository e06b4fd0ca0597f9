package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vbonduro/nutrilens/internal/analysis"
	"github.com/vbonduro/nutrilens/internal/chat"
	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/history"
	"github.com/vbonduro/nutrilens/internal/photostore"
	"github.com/vbonduro/nutrilens/internal/refdata"
)

var (
	ErrEmptyInput       = errors.New("a recipe description or a photo is required")
	ErrUnsupportedImage = errors.New("unsupported image format")
)

// historyCache is the subset of history.Cache that NutritionService requires.
type historyCache interface {
	Lookup(ctx context.Context, text string, image []byte) (*domain.AnalysisResult, bool, error)
	Store(ctx context.Context, text string, image []byte, mimeType string, result *domain.AnalysisResult) (string, bool, error)
	Get(ctx context.Context, hash string) (*domain.HistoryEntry, error)
	List(ctx context.Context) ([]*domain.HistoryEntry, error)
	Image(ctx context.Context, hash string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, hash string) error
	Clear(ctx context.Context) (int, error)
}

// referenceLoader is the subset of refdata.Loader that NutritionService requires.
type referenceLoader interface {
	Load(ctx context.Context) (*refdata.Dataset, error)
	Reload(ctx context.Context) (*refdata.Dataset, error)
	Report() refdata.Report
}

type contextAssembler interface {
	Assemble(input string) string
}

type resultAnalyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*domain.AnalysisResult, error)
}

type chatSessions interface {
	Open(result *domain.AnalysisResult) (*chat.Session, error)
	Get(id string) (*chat.Session, error)
	Close(id string)
}

type usageCounter interface {
	Totals() domain.UsageTotals
	Reset(ctx context.Context) error
}

// credentials is the subset of llm.Provider that NutritionService requires.
type credentials interface {
	Ready(ctx context.Context) (bool, error)
	RequiresKey() bool
	SetAPIKey(ctx context.Context, key string) error
}

type NutritionService struct {
	history   historyCache
	refdata   referenceLoader
	assembler contextAssembler
	analyzer  resultAnalyzer
	chat      chatSessions
	usage     usageCounter
	creds     credentials
	logger    *slog.Logger
}

func NewNutritionService(
	history historyCache,
	refdata referenceLoader,
	assembler contextAssembler,
	analyzer resultAnalyzer,
	chat chatSessions,
	usage usageCounter,
	creds credentials,
	logger *slog.Logger,
) *NutritionService {
	return &NutritionService{
		history:   history,
		refdata:   refdata,
		assembler: assembler,
		analyzer:  analyzer,
		chat:      chat,
		usage:     usage,
		creds:     creds,
		logger:    logger,
	}
}

type AnalyzeInput struct {
	Text  string
	Image []byte
}

type AnalyzeOutput struct {
	Hash   string                 `json:"hash"`
	Cached bool                   `json:"cached"`
	Result *domain.AnalysisResult `json:"result"`
}

// Analyze returns the cached result for an identical earlier input, or runs
// grounding and analysis and caches the outcome. Reference data that failed
// to load degrades grounding to nothing rather than failing the request.
func (s *NutritionService) Analyze(ctx context.Context, in AnalyzeInput) (*AnalyzeOutput, error) {
	text := history.NormalizeText(in.Text)
	if text == "" && len(in.Image) == 0 {
		return nil, ErrEmptyInput
	}

	var mimeType string
	if len(in.Image) > 0 {
		var ok bool
		if mimeType, ok = photostore.DetectMIME(in.Image); !ok {
			return nil, ErrUnsupportedImage
		}
	}

	hash := history.Hash(text, in.Image)
	cached, found, err := s.history.Lookup(ctx, text, in.Image)
	if err != nil {
		s.logger.Error("history lookup failed", "hash", hash, "error", err)
	} else if found {
		s.logger.Info("analysis served from history", "hash", hash)
		return &AnalyzeOutput{Hash: hash, Cached: true, Result: cached}, nil
	}

	s.logger.Info("analysis started", "hash", hash, "text_bytes", len(text), "image_bytes", len(in.Image))

	if _, err := s.refdata.Load(ctx); err != nil {
		s.logger.Warn("reference data unavailable, continuing without grounding", "error", err)
	}
	grounding := s.assembler.Assemble(text)

	result, err := s.analyzer.Analyze(ctx, analysis.Request{
		Text:      text,
		Image:     in.Image,
		ImageMIME: mimeType,
		Grounding: grounding,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze: %w", err)
	}

	if _, _, err := s.history.Store(ctx, text, in.Image, mimeType, result); err != nil {
		s.logger.Error("failed to store analysis in history", "hash", hash, "error", err)
	}
	return &AnalyzeOutput{Hash: hash, Result: result}, nil
}

func (s *NutritionService) ListHistory(ctx context.Context) ([]*domain.HistoryEntry, error) {
	return s.history.List(ctx)
}

func (s *NutritionService) GetHistory(ctx context.Context, hash string) (*domain.HistoryEntry, error) {
	return s.history.Get(ctx, hash)
}

func (s *NutritionService) HistoryImage(ctx context.Context, hash string) (io.ReadCloser, string, error) {
	return s.history.Image(ctx, hash)
}

func (s *NutritionService) DeleteHistory(ctx context.Context, hash string) error {
	return s.history.Delete(ctx, hash)
}

func (s *NutritionService) ClearHistory(ctx context.Context) (int, error) {
	return s.history.Clear(ctx)
}

// OpenChat starts a chat session seeded with the stored analysis for hash.
func (s *NutritionService) OpenChat(ctx context.Context, hash string) (*chat.Session, error) {
	entry, err := s.history.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return s.chat.Open(entry.Result)
}

func (s *NutritionService) ChatSession(id string) (*chat.Session, error) {
	return s.chat.Get(id)
}

func (s *NutritionService) CloseChat(id string) {
	s.chat.Close(id)
}

func (s *NutritionService) Usage() domain.UsageTotals {
	return s.usage.Totals()
}

func (s *NutritionService) ResetUsage(ctx context.Context) error {
	return s.usage.Reset(ctx)
}

func (s *NutritionService) ReferenceReport() refdata.Report {
	return s.refdata.Report()
}

func (s *NutritionService) ReloadReference(ctx context.Context) (refdata.Report, error) {
	_, err := s.refdata.Reload(ctx)
	return s.refdata.Report(), err
}

// CredentialReady reports whether analysis can run without asking for a key.
func (s *NutritionService) CredentialReady(ctx context.Context) (bool, error) {
	return s.creds.Ready(ctx)
}

func (s *NutritionService) RequiresAPIKey() bool {
	return s.creds.RequiresKey()
}

func (s *NutritionService) SetAPIKey(ctx context.Context, key string) error {
	if err := s.creds.SetAPIKey(ctx, key); err != nil {
		return fmt.Errorf("failed to set API key: %w", err)
	}
	s.logger.Info("api key updated")
	return nil
}
