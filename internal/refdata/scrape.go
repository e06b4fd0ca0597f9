package refdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultScrapeURL is the public search page of the University of Sydney
// glycemic index database.
const DefaultScrapeURL = "https://glycemicindex.com/gi-search/"

const scrapeTableSelector = "table#tablepress-1"

// ErrNoRows is returned when the scraped table has a header but no data.
var ErrNoRows = errors.New("scraped table has no data rows")

// Scrape downloads the glycemic index search table from url and writes it to
// w as CSV, header first. Rows are padded or truncated to the header width.
// It returns the number of data rows written. Nothing is written to w unless
// the table has at least one data row.
func Scrape(ctx context.Context, client *http.Client, url string, w io.Writer, logger *slog.Logger) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	// The site serves a challenge page to browser-like agents.
	req.Header.Set("User-Agent", "curl/7.81.0")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close scrape response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch %s returned status %d", url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to parse html: %w", err)
	}

	table := doc.Find(scrapeTableSelector)
	if table.Length() == 0 {
		return 0, fmt.Errorf("table %s not found (page has %d other tables)", scrapeTableSelector, doc.Find("table").Length())
	}

	var header []string
	table.Find("thead th").Each(func(_ int, th *goquery.Selection) {
		header = append(header, strings.TrimSpace(th.Text()))
	})
	if len(header) == 0 {
		return 0, fmt.Errorf("table %s has no header", scrapeTableSelector)
	}
	logger.Info("scrape found columns", "columns", header)

	var rows [][]string
	table.Find("tbody tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() == 0 {
			return
		}
		row := make([]string, len(header))
		cells.EachWithBreak(func(i int, td *goquery.Selection) bool {
			if i >= len(header) {
				return false
			}
			row[i] = strings.TrimSpace(td.Text())
			return true
		})
		rows = append(rows, row)
	})
	if len(rows) == 0 {
		return 0, ErrNoRows
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write csv header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return 0, fmt.Errorf("failed to write csv rows: %w", err)
	}

	logger.Info("scrape complete", "rows", len(rows))
	return len(rows), nil
}
