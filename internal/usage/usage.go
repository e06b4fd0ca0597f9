package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/store"
)

// Tariff prices tokens in USD per million.
type Tariff struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

func (t Tariff) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1e6*t.InputPerMillion + float64(outputTokens)/1e6*t.OutputPerMillion
}

// settingsRepository is the subset of store.SettingsStore that Counter requires.
type settingsRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Counter accumulates token usage and cost across all analysis and chat
// calls. Every update is persisted before it returns.
type Counter struct {
	tariff   Tariff
	settings settingsRepository
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	totals domain.UsageTotals
}

// NewCounter restores the persisted totals. A nil settings repository keeps
// the counter in memory only.
func NewCounter(ctx context.Context, settings settingsRepository, tariff Tariff, logger *slog.Logger) (*Counter, error) {
	c := &Counter{tariff: tariff, settings: settings, logger: logger, now: time.Now}
	if settings == nil {
		return c, nil
	}

	raw, ok, err := settings.Get(ctx, store.KeyUsage)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage totals: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &c.totals); err != nil {
			// A corrupt record is not worth refusing to start over.
			logger.Warn("discarding unreadable usage totals", "error", err)
			c.totals = domain.UsageTotals{}
		}
	}
	return c, nil
}

func (c *Counter) Tariff() Tariff {
	return c.tariff
}

// Record prices one call, adds it to the totals and returns the per-call
// usage.
func (c *Counter) Record(ctx context.Context, inputTokens, outputTokens int64) (domain.TokenUsage, error) {
	u := domain.TokenUsage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         c.tariff.Cost(inputTokens, outputTokens),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totals.InputTokens += inputTokens
	c.totals.OutputTokens += outputTokens
	c.totals.Cost += u.Cost
	c.totals.Requests++
	c.totals.UpdatedAt = c.now().UTC()

	if err := c.persist(ctx); err != nil {
		return u, err
	}
	c.logger.Debug("usage recorded",
		"input_tokens", inputTokens,
		"output_tokens", outputTokens,
		"cost", u.Cost,
		"total_cost", c.totals.Cost,
	)
	return u, nil
}

func (c *Counter) Totals() domain.UsageTotals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

func (c *Counter) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals = domain.UsageTotals{UpdatedAt: c.now().UTC()}
	if err := c.persist(ctx); err != nil {
		return err
	}
	c.logger.Info("usage totals reset")
	return nil
}

// persist must be called with mu held.
func (c *Counter) persist(ctx context.Context) error {
	if c.settings == nil {
		return nil
	}
	data, err := json.Marshal(c.totals)
	if err != nil {
		return fmt.Errorf("failed to marshal usage totals: %w", err)
	}
	if err := c.settings.Set(ctx, store.KeyUsage, string(data)); err != nil {
		return fmt.Errorf("failed to persist usage totals: %w", err)
	}
	return nil
}
