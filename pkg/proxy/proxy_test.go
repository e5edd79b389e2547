package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportbot/recall/pkg/cache"
	"github.com/supportbot/recall/pkg/config"
	"github.com/supportbot/recall/pkg/embedding"
	"github.com/supportbot/recall/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// answerUpstream replies with content to every request and counts calls.
func answerUpstream(t *testing.T, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer sk-provider", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			ID:    "chatcmpl-123",
			Model: "gpt-4o-mini",
			Choices: []models.Choice{
				{Index: 0, Message: models.ChatMessage{Role: "assistant", Content: content}, FinishReason: "stop"},
			},
			Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupProxy(t *testing.T, embedder embedding.Embedder, urls ...string) (*Server, *cache.Cache[Answer]) {
	t.Helper()

	cfg := config.Default()
	cfg.Providers = nil
	for i, u := range urls {
		cfg.Providers = append(cfg.Providers, config.ProviderConfig{
			Name: "p" + string(rune('a'+i)), URL: u, APIKey: "sk-provider",
		})
	}

	cc := cache.DefaultConfig()
	cc.Logger = discardLogger()
	if embedder != nil {
		cfg.Embedding.Enabled = true
		cfg.Cache.Semantic = true
		cc.Embedder = embedder
	}
	c := cache.New[Answer](cc)
	t.Cleanup(func() { _ = c.Close() })

	return New(cfg, c, discardLogger()), c
}

func chat(t *testing.T, srv *Server, question string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(models.ChatCompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []models.ChatMessage{{Role: "system", Content: "be brief"}, {Role: "user", Content: question}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestChatCompletionsCachesAnswers(t *testing.T) {
	var calls atomic.Int32
	upstream := answerUpstream(t, "We open at 9am.", &calls)
	srv, c := setupProxy(t, nil, upstream.URL)

	w := chat(t, srv, "When do you open?", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "miss", w.Header().Get(headerCache))

	w = chat(t, srv, "  when do you OPEN?  ", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get(headerCache))
	assert.Equal(t, "1.0000", w.Header().Get(headerSimilarity))

	var resp models.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "We open at 9am.", resp.Content())
	assert.Equal(t, int32(1), calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Greater(t, stats.TokensSaved, 0.0)
}

func TestChatCompletionsSemanticHit(t *testing.T) {
	var calls atomic.Int32
	upstream := answerUpstream(t, "Reset it from the login page.", &calls)

	vectors := map[string][]float32{
		"how do i reset my password?":  {1, 0, 0},
		"how can i reset my password?": {0.99, 0.1, 0},
		"what is the refund policy?":   {0, 0, 1},
	}
	embedder := embedding.Func(func(_ context.Context, text string) ([]float32, error) {
		v, ok := vectors[strings.ToLower(strings.TrimSpace(text))]
		if !ok {
			return nil, errors.New("unknown text")
		}
		return v, nil
	})
	srv, _ := setupProxy(t, embedder, upstream.URL)

	w := chat(t, srv, "How do I reset my password?", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get(headerCache))

	w = chat(t, srv, "How can I reset my password?", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "semantic", w.Header().Get(headerCache))
	assert.Equal(t, int32(1), calls.Load())

	w = chat(t, srv, "What is the refund policy?", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get(headerCache))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNamespaceHeaderPartitionsCache(t *testing.T) {
	var calls atomic.Int32
	upstream := answerUpstream(t, "answer", &calls)
	srv, c := setupProxy(t, nil, upstream.URL)

	chat(t, srv, "hello", map[string]string{headerNamespace: "billing"})
	w := chat(t, srv, "hello", map[string]string{headerNamespace: "shipping"})
	assert.Equal(t, "miss", w.Header().Get(headerCache))
	assert.Equal(t, int32(2), calls.Load())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Namespaces["billing"].Entries)
	assert.Equal(t, 1, stats.Namespaces["shipping"].Entries)

	// Without the header the model name is the namespace.
	chat(t, srv, "hello", nil)
	_, ok := c.Get(context.Background(), "hello", cache.Namespace("gpt-4o-mini"))
	assert.True(t, ok)
}

func TestProviderFallback(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	var calls atomic.Int32
	healthy := answerUpstream(t, "from fallback", &calls)
	srv, _ := setupProxy(t, nil, failing.URL, healthy.URL)

	w := chat(t, srv, "hi", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "from fallback")
	assert.Equal(t, int32(1), calls.Load())
}

func TestAllProvidersFail(t *testing.T) {
	srv, _ := setupProxy(t, nil, "http://127.0.0.1:1")

	w := chat(t, srv, "hi", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "recall_error")
}

func TestNoProvidersConfigured(t *testing.T) {
	srv, _ := setupProxy(t, nil)

	w := chat(t, srv, "hi", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUpstreamErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer upstream.Close()
	srv, c := setupProxy(t, nil, upstream.URL)

	w := chat(t, srv, "hi", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	w = chat(t, srv, "hi", nil)
	assert.Equal(t, "miss", w.Header().Get(headerCache))
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, c.Len())
}

func TestStreamingRequestsBypassCache(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[]}\n\ndata: [DONE]\n\n"))
	}))
	defer upstream.Close()
	srv, c := setupProxy(t, nil, upstream.URL)

	body := `{"model":"gpt-4o-mini","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "bypass", w.Header().Get(headerCache))
		assert.Contains(t, w.Body.String(), "[DONE]")
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, c.Len())
}

func TestInvalidBody(t *testing.T) {
	srv, _ := setupProxy(t, nil, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConcurrentMissesShareUpstreamCall(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			Model:   "gpt-4o-mini",
			Choices: []models.Choice{{Message: models.ChatMessage{Role: "assistant", Content: "shared"}}},
		})
	}))
	defer upstream.Close()
	srv, _ := setupProxy(t, nil, upstream.URL)

	var wg sync.WaitGroup
	codes := make([]int, 5)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = chat(t, srv, "same question", nil).Code
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
}

func TestCacheAdminEndpoints(t *testing.T) {
	var calls atomic.Int32
	upstream := answerUpstream(t, "answer", &calls)
	srv, c := setupProxy(t, nil, upstream.URL)

	chat(t, srv, "one", map[string]string{headerNamespace: "a"})
	chat(t, srv, "two", map[string]string{headerNamespace: "a"})
	chat(t, srv, "three", map[string]string{headerNamespace: "b"})

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cache/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.CacheStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.Entries)
	assert.Equal(t, int64(3), stats.Sets)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/cache/entries?namespace=a&key=one", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/cache/entries?namespace=a&key=one", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/cache/entries?namespace=a", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/cache?namespace=a", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, c.Len())

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/cache", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, c.Len())
}

func TestMetricsEndpoint(t *testing.T) {
	var calls atomic.Int32
	upstream := answerUpstream(t, "answer", &calls)
	srv, _ := setupProxy(t, nil, upstream.URL)

	chat(t, srv, "hi", nil)
	chat(t, srv, "hi", nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `recall_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, body, `recall_cache_lookups_total{result="miss"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestRequestID(t *testing.T) {
	srv, _ := setupProxy(t, nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(headerRequestID), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "req-42")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(headerRequestID))
}

func TestPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-provider", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[]}`))
	}))
	defer upstream.Close()
	srv, _ := setupProxy(t, nil, upstream.URL)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())
}
