package refdata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

const (
	DatasetGI        = "glycemic-index"
	DatasetNutrients = "usda-nutrients"
)

// Dataset holds the loaded reference tables. It is immutable once published
// by the Loader.
type Dataset struct {
	GI        []GIRecord
	Nutrients []NutrientRecord
}

func (d *Dataset) Empty() bool {
	return d == nil || (len(d.GI) == 0 && len(d.Nutrients) == 0)
}

type Report struct {
	Status   Status                `json:"status"`
	Error    string                `json:"error,omitempty"`
	Progress map[string]Progress   `json:"progress"`
	Stats    map[string]ParseStats `json:"stats"`
}

// Loader loads both reference datasets once per process. Concurrent callers
// of Load share a single in-flight load.
type Loader struct {
	giSource       string
	nutrientSource string
	client         *http.Client
	logger         *slog.Logger
	observer       ProgressFunc

	group singleflight.Group

	mu       sync.RWMutex
	status   Status
	lastErr  string
	data     *Dataset
	progress map[string]Progress
	stats    map[string]ParseStats
}

// NewLoader creates a loader for the given sources. An empty source disables
// that dataset.
func NewLoader(giSource, nutrientSource string, client *http.Client, logger *slog.Logger) *Loader {
	if client == nil {
		client = &http.Client{}
	}
	return &Loader{
		giSource:       giSource,
		nutrientSource: nutrientSource,
		client:         client,
		logger:         logger,
		status:         StatusIdle,
		progress:       make(map[string]Progress),
		stats:          make(map[string]ParseStats),
	}
}

// OnProgress registers fn to observe byte-level progress of every dataset.
// It must be called before Load.
func (l *Loader) OnProgress(fn ProgressFunc) {
	l.observer = fn
}

// Data returns the loaded dataset, or nil before a load has finished.
func (l *Loader) Data() *Dataset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data
}

func (l *Loader) Report() Report {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r := Report{
		Status:   l.status,
		Error:    l.lastErr,
		Progress: make(map[string]Progress, len(l.progress)),
		Stats:    make(map[string]ParseStats, len(l.stats)),
	}
	for k, v := range l.progress {
		r.Progress[k] = v
	}
	for k, v := range l.stats {
		r.Stats[k] = v
	}
	return r
}

// Load loads the datasets unless a previous load already finished, in which
// case it returns the earlier outcome without refetching. A failed load is not
// retried; call Reload for that. ctx only bounds how long this caller waits.
func (l *Loader) Load(ctx context.Context) (*Dataset, error) {
	l.mu.RLock()
	status, data, lastErr := l.status, l.data, l.lastErr
	l.mu.RUnlock()

	switch status {
	case StatusReady:
		return data, nil
	case StatusError:
		return data, errors.New(lastErr)
	}
	return l.shared(ctx, false)
}

// Reload discards the current tables and loads them again.
func (l *Loader) Reload(ctx context.Context) (*Dataset, error) {
	return l.shared(ctx, true)
}

func (l *Loader) shared(ctx context.Context, force bool) (*Dataset, error) {
	ch := l.group.DoChan("load", func() (any, error) {
		// A load may have finished between the caller's status check and
		// joining the group.
		if !force {
			l.mu.RLock()
			status, data, lastErr := l.status, l.data, l.lastErr
			l.mu.RUnlock()
			switch status {
			case StatusReady:
				return data, nil
			case StatusError:
				return data, errors.New(lastErr)
			}
		}
		return l.load(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		data, _ := res.Val.(*Dataset)
		return data, res.Err
	}
}

func (l *Loader) load(ctx context.Context) (*Dataset, error) {
	l.setStatus(StatusLoading, "")
	l.logger.Info("reference data load started", "gi_source", l.giSource, "nutrient_source", l.nutrientSource)

	data := &Dataset{}
	var giErr, nutrientErr error
	var g errgroup.Group

	if l.giSource != "" {
		g.Go(func() error {
			giErr = l.loadGI(ctx, data)
			return nil
		})
	}
	if l.nutrientSource != "" {
		g.Go(func() error {
			nutrientErr = l.loadNutrients(ctx, data)
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(giErr, nutrientErr)

	l.mu.Lock()
	l.data = data
	if err != nil {
		l.status = StatusError
		l.lastErr = err.Error()
	} else {
		l.status = StatusReady
		l.lastErr = ""
	}
	l.mu.Unlock()

	if err != nil {
		l.logger.Error("reference data load failed", "error", err, "gi_records", len(data.GI), "nutrient_records", len(data.Nutrients))
		return data, err
	}
	l.logger.Info("reference data load complete", "gi_records", len(data.GI), "nutrient_records", len(data.Nutrients))
	return data, nil
}

// loadGI and loadNutrients write disjoint fields of data.
func (l *Loader) loadGI(ctx context.Context, data *Dataset) error {
	raw, err := Fetch(ctx, l.client, DatasetGI, l.giSource, l.track)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", DatasetGI, err)
	}
	table, stats, err := ParseCSV(DatasetGI, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", DatasetGI, err)
	}
	records, skipped := GIRecords(table)
	stats.Skipped += skipped
	stats.Rows = len(records)
	l.setStats(DatasetGI, stats)
	if stats.Skipped > 0 {
		l.logger.Debug("skipped malformed rows", "dataset", DatasetGI, "skipped", stats.Skipped)
	}
	data.GI = records
	return nil
}

func (l *Loader) loadNutrients(ctx context.Context, data *Dataset) error {
	raw, err := Fetch(ctx, l.client, DatasetNutrients, l.nutrientSource, l.track)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", DatasetNutrients, err)
	}
	records, stats, err := ParseNutrientJSON(raw)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", DatasetNutrients, err)
	}
	l.setStats(DatasetNutrients, stats)
	if stats.Skipped > 0 {
		l.logger.Debug("skipped malformed records", "dataset", DatasetNutrients, "skipped", stats.Skipped)
	}
	data.Nutrients = records
	return nil
}

func (l *Loader) track(p Progress) {
	l.mu.Lock()
	l.progress[p.Dataset] = p
	l.mu.Unlock()
	if l.observer != nil {
		l.observer(p)
	}
}

func (l *Loader) setStatus(s Status, msg string) {
	l.mu.Lock()
	l.status = s
	l.lastErr = msg
	l.mu.Unlock()
}

func (l *Loader) setStats(dataset string, s ParseStats) {
	l.mu.Lock()
	l.stats[dataset] = s
	l.mu.Unlock()
}
