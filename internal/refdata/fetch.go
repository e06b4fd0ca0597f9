package refdata

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Progress describes how much of a dataset has been read. When the size of
// the source is unknown, Indeterminate is set and Fraction stays 0 until the
// read completes.
type Progress struct {
	Dataset       string  `json:"dataset"`
	Loaded        int64   `json:"loaded"`
	Total         int64   `json:"total"`
	Fraction      float64 `json:"fraction"`
	Indeterminate bool    `json:"indeterminate"`
	Done          bool    `json:"done"`
}

type ProgressFunc func(Progress)

// Fetch reads source, which is either an http(s) URL or a local path, and
// reports progress while reading.
func Fetch(ctx context.Context, client *http.Client, dataset, source string, onProgress ProgressFunc) ([]byte, error) {
	body, total, err := open(ctx, client, source)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := body.Close(); err != nil {
			slog.Error("failed to close dataset source", "dataset", dataset, "error", err)
		}
	}()

	pr := &progressReader{r: body, progress: Progress{Dataset: dataset, Total: total, Indeterminate: total <= 0}, fn: onProgress}
	data, err := io.ReadAll(pr)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dataset, err)
	}

	pr.progress.Fraction = 1
	pr.progress.Indeterminate = false
	pr.progress.Done = true
	if pr.progress.Total <= 0 {
		pr.progress.Total = pr.progress.Loaded
	}
	pr.emit()
	return data, nil
}

func open(ctx context.Context, client *http.Client, source string) (io.ReadCloser, int64, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to fetch %s: %w", source, err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, 0, fmt.Errorf("fetch %s returned status %d", source, resp.StatusCode)
		}
		return resp.Body, resp.ContentLength, nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", source, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", source, err)
	}
	return f, info.Size(), nil
}

type progressReader struct {
	r        io.Reader
	progress Progress
	fn       ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.progress.Loaded += int64(n)
		if p.progress.Total > 0 {
			p.progress.Fraction = min(float64(p.progress.Loaded)/float64(p.progress.Total), 1)
		}
		p.emit()
	}
	return n, err
}

func (p *progressReader) emit() {
	if p.fn != nil {
		p.fn(p.progress)
	}
}
