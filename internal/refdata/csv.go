package refdata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Row maps column names to cell values. Cells that parse as numbers are
// float64, everything else is a trimmed string.
type Row map[string]any

type Table struct {
	Name    string
	Columns []string
	Rows    []Row
}

// ParseStats counts what a parse kept and dropped.
type ParseStats struct {
	Rows    int `json:"rows"`
	Skipped int `json:"skipped"`
}

// ParseCSV reads a header row followed by data rows. Blank rows and rows the
// CSV reader rejects are skipped; short or long rows are padded or truncated
// to the header width.
func ParseCSV(name string, r io.Reader) (*Table, ParseStats, error) {
	var stats ParseStats

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	var header []string
	for header == nil {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil, stats, fmt.Errorf("%s: missing header row", name)
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			stats.Skipped++
			continue
		}
		if err != nil {
			return nil, stats, fmt.Errorf("failed to read %s header: %w", name, err)
		}
		if blank(rec) {
			continue
		}
		header = make([]string, len(rec))
		for i, h := range rec {
			header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		}
	}

	table := &Table{Name: name, Columns: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			stats.Skipped++
			continue
		}
		if err != nil {
			return nil, stats, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if blank(rec) {
			stats.Skipped++
			continue
		}

		row := make(Row, len(header))
		for i, col := range header {
			if col == "" {
				continue
			}
			cell := ""
			if i < len(rec) {
				cell = rec[i]
			}
			row[col] = coerce(cell)
		}
		table.Rows = append(table.Rows, row)
	}

	stats.Rows = len(table.Rows)
	return table, stats, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func coerce(cell string) any {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return ""
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}

// String returns the cell under the first present column as text.
func (r Row) String(columns ...string) string {
	for _, c := range columns {
		switch v := r[c].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// Number returns the numeric cell under the first present column.
func (r Row) Number(columns ...string) (float64, bool) {
	for _, c := range columns {
		if v, ok := r[c].(float64); ok {
			return v, true
		}
	}
	return 0, false
}
