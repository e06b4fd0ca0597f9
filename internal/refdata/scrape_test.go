package refdata

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/nutrilens/internal/logging"
)

const giSearchPage = `<html><body>
<table id="tablepress-1">
  <thead><tr><th>Food Name</th><th>GI</th><th>Product Category</th><th>GL</th></tr></thead>
  <tbody>
    <tr><td>White Rice</td><td>73</td><td>Grain</td><td>21</td></tr>
    <tr><td>Apple</td><td>36</td></tr>
    <tr></tr>
    <tr><td>Bread</td><td>70</td><td>Bakery</td><td>10</td><td>stray</td></tr>
  </tbody>
</table>
</body></html>`

func TestScrape(t *testing.T) {
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(giSearchPage))
	}))
	defer srv.Close()

	var out bytes.Buffer
	n, err := Scrape(context.Background(), srv.Client(), srv.URL, &out, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "curl/7.81.0", agent)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"Food Name,GI,Product Category,GL",
		"White Rice,73,Grain,21",
		"Apple,36,,",
		"Bread,70,Bakery,10",
	}, lines)

	table, _, err := ParseCSV("gi", &out)
	require.NoError(t, err)
	records, _ := GIRecords(table)
	require.Len(t, records, 3)
	assert.Equal(t, 73.0, records[0].GI)
}

func TestScrapeMissingTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><table id="other"></table></html>`))
	}))
	defer srv.Close()

	_, err := Scrape(context.Background(), srv.Client(), srv.URL, &bytes.Buffer{}, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 other tables")
}

func TestScrapeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Scrape(context.Background(), srv.Client(), srv.URL, &bytes.Buffer{}, logging.Discard())
	assert.Error(t, err)
}

func TestScrapeEmptyTableWritesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<table id="tablepress-1"><thead><tr><th>Food Name</th><th>GI</th></tr></thead><tbody><tr></tr></tbody></table>`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	n, err := Scrape(context.Background(), srv.Client(), srv.URL, &out, logging.Discard())
	assert.ErrorIs(t, err, ErrNoRows)
	assert.Zero(t, n)
	assert.Zero(t, out.Len())
}
