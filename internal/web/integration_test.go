package web_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/nutrilens/internal/analysis"
	"github.com/vbonduro/nutrilens/internal/chat"
	"github.com/vbonduro/nutrilens/internal/db"
	"github.com/vbonduro/nutrilens/internal/domain"
	"github.com/vbonduro/nutrilens/internal/grounding"
	"github.com/vbonduro/nutrilens/internal/history"
	"github.com/vbonduro/nutrilens/internal/llm"
	"github.com/vbonduro/nutrilens/internal/logging"
	"github.com/vbonduro/nutrilens/internal/photostore/local"
	"github.com/vbonduro/nutrilens/internal/refdata"
	"github.com/vbonduro/nutrilens/internal/service"
	"github.com/vbonduro/nutrilens/internal/store"
	"github.com/vbonduro/nutrilens/internal/usage"
	"github.com/vbonduro/nutrilens/internal/web"
)

// minimalJPEG is 512 bytes with the JPEG magic bytes header followed by zeros.
var minimalJPEG = func() []byte {
	b := make([]byte, 512)
	b[0] = 0xFF
	b[1] = 0xD8
	b[2] = 0xFF
	b[3] = 0xE0
	return b
}()

const (
	giCSV    = "Food Name,GI,Product Category,GL\nWhite Rice,73,Grain,21\nApple,36,Fruit,5\n"
	usdaJSON = `[{"description": "Egg, whole, raw", "foodNutrients": [{"nutrient": {"name": "Protein", "unitName": "g"}, "amount": 12.6}]}]`
)

// recordingBackend captures prompts and replays a canned analysis and a
// canned chat reply. When hold is set, StreamChat signals started and waits
// for release before replying. Generate waits for delay before answering.
type recordingBackend struct {
	mu       sync.Mutex
	prompts  []string
	genErr   error
	analysis string
	delay    time.Duration

	hold    bool
	started chan struct{}
	release chan struct{}
}

func (b *recordingBackend) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	b.mu.Lock()
	b.prompts = append(b.prompts, req.Prompt)
	b.mu.Unlock()
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.genErr != nil {
		return nil, b.genErr
	}
	return &llm.GenerateResponse{Text: b.analysis, Usage: &llm.Usage{InputTokens: 1000, OutputTokens: 200}}, nil
}

func (b *recordingBackend) StreamChat(ctx context.Context, _ string, _ []domain.ChatTurn) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 3)
	go func() {
		defer close(ch)
		if b.hold {
			b.started <- struct{}{}
			select {
			case <-b.release:
			case <-ctx.Done():
				return
			}
		}
		ch <- llm.Chunk{Text: "Try brown "}
		ch <- llm.Chunk{Text: "rice."}
		ch <- llm.Chunk{Usage: &llm.Usage{InputTokens: 42, OutputTokens: 8}}
	}()
	return ch, nil
}

func (b *recordingBackend) Prompts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

// newTestServer wires the real stack around backend. When apiKey is empty
// the provider starts without a credential.
func newTestServer(t *testing.T, backend *recordingBackend, apiKey string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newTestHandler(t, backend, apiKey))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHandler(t *testing.T, backend *recordingBackend, apiKey string) http.Handler {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()
	dir := t.TempDir()

	if backend.analysis == "" {
		data, err := os.ReadFile(filepath.Join("..", "analysis", "testdata", "fried_rice.json"))
		require.NoError(t, err)
		backend.analysis = string(data)
	}

	database, err := db.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	giPath := filepath.Join(dir, "gi.csv")
	usdaPath := filepath.Join(dir, "usda.json")
	require.NoError(t, os.WriteFile(giPath, []byte(giCSV), 0o600))
	require.NoError(t, os.WriteFile(usdaPath, []byte(usdaJSON), 0o600))

	photos, err := local.NewLocalPhotoStore(filepath.Join(dir, "photos"))
	require.NoError(t, err)

	settings := store.NewSettingsStore(database)
	counter, err := usage.NewCounter(ctx, settings, usage.Tariff{InputPerMillion: 0.5, OutputPerMillion: 3}, logger)
	require.NoError(t, err)

	provider := llm.NewProvider(func(string) llm.Backend { return backend }, true, apiKey, settings)
	loader := refdata.NewLoader(giPath, usdaPath, nil, logger)

	svc := service.NewNutritionService(
		history.New(store.NewHistoryStore(database), photos, logger),
		loader,
		grounding.New(loader, 0.4),
		analysis.NewClient(provider, counter, logger),
		chat.NewService(provider, counter, logger),
		counter,
		provider,
		logger,
	)
	return web.NewServer(svc, logger)
}

func buildAnalyzeBody(t *testing.T, text string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("text", text))
	if image != nil {
		fw, err := w.CreateFormFile("image", "dish.jpg")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

type analyzeResponse struct {
	Hash   string                `json:"hash"`
	Cached bool                  `json:"cached"`
	Result domain.AnalysisResult `json:"result"`
}

func analyze(t *testing.T, srv *httptest.Server, text string, image []byte) (*http.Response, analyzeResponse) {
	t.Helper()
	body, contentType := buildAnalyzeBody(t, text, image)
	resp, err := http.Post(srv.URL+"/api/analyze", contentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var out analyzeResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func doRequest(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestIntegration_AnalyzeCachesAndGrounds(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	backend := &recordingBackend{}
	srv := newTestServer(t, backend, "sk-test")

	resp, first := analyze(t, srv, "white rice, egg", minimalJPEG)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, first.Cached)
	assert.Equal(t, "Egg Fried Rice", first.Result.RecipeName)
	require.NotNil(t, first.Result.Usage)
	assert.Equal(t, int64(1000), first.Result.Usage.InputTokens)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	prompts := backend.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "White Rice: GI=73")
	assert.Contains(t, prompts[0], "Egg, whole, raw")

	resp, second := analyze(t, srv, "  white rice, egg\r\n", minimalJPEG)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Len(t, backend.Prompts(), 1, "cached input must not reach the model")

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	require.Len(t, items, 1)
	assert.Equal(t, first.Hash, items[0]["hash"])
	assert.Equal(t, true, items[0]["has_image"])

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/history/"+first.Hash+"/image", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	img, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, minimalJPEG, img)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/usage", nil)
	var totals domain.UsageTotals
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&totals))
	assert.Equal(t, int64(1), totals.Requests)
	assert.InDelta(t, 0.0011, totals.Cost, 1e-9)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/refdata", nil)
	var report refdata.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, refdata.StatusReady, report.Status)
}

func TestIntegration_AnalyzeErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	backend := &recordingBackend{genErr: errors.New("upstream exploded")}
	srv := newTestServer(t, backend, "sk-test")

	resp, _ := analyze(t, srv, "   ", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = analyze(t, srv, "", []byte("%PDF-1.4 not a photo"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = analyze(t, srv, "lentil soup", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "analysis failed, please try again", body["error"])

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/history", nil)
	var items []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	assert.Empty(t, items, "failed analyses are not cached")
}

func TestIntegration_APIKeyGate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	srv := newTestServer(t, &recordingBackend{}, "")

	resp, _ := analyze(t, srv, "porridge", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "api_key_required", body["code"])

	resp = doRequest(t, http.MethodPut, srv.URL+"/api/settings/api-key", strings.NewReader(`{"api_key": "  "}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodPut, srv.URL+"/api/settings/api-key", strings.NewReader(`{"api_key": "sk-new"}`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/settings", nil)
	var settings map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&settings))
	assert.True(t, settings["requires_api_key"])
	assert.True(t, settings["ready"])

	resp, _ = analyze(t, srv, "porridge", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIntegration_HistoryDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	srv := newTestServer(t, &recordingBackend{}, "sk-test")
	_, a := analyze(t, srv, "porridge", nil)
	_, _ = analyze(t, srv, "toast", nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/history/"+a.Hash+"/image", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "text-only entries have no image")

	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/history/"+a.Hash, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/history/"+a.Hash, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = doRequest(t, http.MethodGet, srv.URL+"/api/history/"+a.Hash, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cleared map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cleared))
	assert.Equal(t, 1, cleared["deleted"])
}

func openChat(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	_, out := analyze(t, srv, "egg fried rice", nil)
	require.NotEmpty(t, out.Hash)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/chat", strings.NewReader(`{"hash": "`+out.Hash+`"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess struct {
		ID         string `json:"id"`
		RecipeName string `json:"recipe_name"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	assert.Equal(t, "Egg Fried Rice", sess.RecipeName)
	return sess.ID
}

// readSSE returns the data payloads of plain events and of the done event.
func readSSE(t *testing.T, r io.Reader) ([]map[string]any, map[string]any) {
	t.Helper()
	var events []map[string]any
	var done map[string]any
	isDone := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "event: done":
			isDone = true
		case strings.HasPrefix(line, "data: "):
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
			if isDone {
				done = payload
			} else {
				events = append(events, payload)
			}
		}
	}
	require.NoError(t, scanner.Err())
	return events, done
}

func TestIntegration_ChatStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	srv := newTestServer(t, &recordingBackend{}, "sk-test")
	id := openChat(t, srv)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/chat/"+id+"/messages", strings.NewReader(`{"message": "What should I swap?"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events, done := readSSE(t, resp.Body)
	require.Len(t, events, 2)
	assert.Equal(t, "Try brown ", events[0]["text"])
	assert.Equal(t, "rice.", events[1]["text"])
	require.NotNil(t, done)
	usageMap, ok := done["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), usageMap["input_tokens"])

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/chat/"+id, nil)
	var sess struct {
		Turns []struct {
			Role string `json:"role"`
			Text string `json:"text"`
		} `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, "What should I swap?", sess.Turns[0].Text)
	assert.Equal(t, "Try brown rice.", sess.Turns[1].Text)

	resp = doRequest(t, http.MethodPost, srv.URL+"/api/chat/"+id+"/messages", strings.NewReader(`{"message": "  "}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/chat/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = doRequest(t, http.MethodPost, srv.URL+"/api/chat/"+id+"/messages", strings.NewReader(`{"message": "hi"}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIntegration_SlowAnalysisOutlivesWriteTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	backend := &recordingBackend{delay: 300 * time.Millisecond}
	srv := httptest.NewUnstartedServer(newTestHandler(t, backend, "sk-test"))
	srv.Config.WriteTimeout = 50 * time.Millisecond
	srv.Start()
	t.Cleanup(srv.Close)

	resp, out := analyze(t, srv, "fried rice with egg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Egg Fried Rice", out.Result.RecipeName)
}

func TestIntegration_ChatRejectsOverlappingTurns(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	backend := &recordingBackend{hold: true, started: make(chan struct{}, 1), release: make(chan struct{})}
	srv := newTestServer(t, backend, "sk-test")
	id := openChat(t, srv)
	url := srv.URL + "/api/chat/" + id + "/messages"

	firstDone := make(chan string, 1)
	go func() {
		resp, err := http.Post(url, "application/json", strings.NewReader(`{"message": "first"}`))
		if err != nil {
			firstDone <- ""
			return
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		firstDone <- string(body)
	}()

	<-backend.started
	resp := doRequest(t, http.MethodPost, url, strings.NewReader(`{"message": "second"}`))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(backend.release)
	events, done := readSSE(t, strings.NewReader(<-firstDone))
	assert.Len(t, events, 2)
	assert.NotNil(t, done)
}
