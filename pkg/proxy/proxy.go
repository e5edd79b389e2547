package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/supportbot/recall/pkg/cache"
	"github.com/supportbot/recall/pkg/config"
	"github.com/supportbot/recall/pkg/metrics"
	"github.com/supportbot/recall/pkg/models"
)

const (
	headerCache      = "X-Recall-Cache"
	headerSimilarity = "X-Recall-Similarity"
	headerNamespace  = "X-Recall-Namespace"
	headerRequestID  = "X-Request-ID"
)

var errNoProviders = errors.New("no providers configured")

// Answer is a cached chat completion.
type Answer struct {
	Body    []byte `json:"body"`
	Content string `json:"content"`
	Model   string `json:"model"`
}

// String returns the answer text; the cache uses it to estimate tokens saved.
func (a Answer) String() string {
	return a.Content
}

// Server answers chat completions from the answer cache and forwards
// misses to the configured providers.
type Server struct {
	cfg      *config.Config
	cache    *cache.Cache[Answer]
	semantic bool
	flight   singleflight.Group
	client   *http.Client
	log      *slog.Logger
	mux      *http.ServeMux
}

// New creates a proxy Server around c.
func New(cfg *config.Config, c *cache.Cache[Answer], logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		cache:    c,
		semantic: cfg.SemanticEnabled(),
		client:   &http.Client{Timeout: 2 * time.Minute},
		log:      logger.With("component", "proxy"),
		mux:      http.NewServeMux(),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(c), collectors.NewGoCollector())

	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /cache/stats", s.handleStats)
	s.mux.HandleFunc("DELETE /cache", s.handleClear)
	s.mux.HandleFunc("DELETE /cache/entries", s.handleDelete)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("/", s.handlePassthrough)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(headerRequestID)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(headerRequestID, id)
	}
	w.Header().Set(headerRequestID, id)
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the proxy server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("recall proxy listening", "addr", s.cfg.Listen, "semantic", s.semantic)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

func (s *Server) newUpstreamRequest(ctx context.Context, provider config.ProviderConfig, body []byte) (*http.Request, error) {
	target, err := url.Parse(provider.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String()+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
	return req, nil
}

// doUpstreamRequest sends a request to an upstream provider and returns the result.
func (s *Server) doUpstreamRequest(ctx context.Context, provider config.ProviderConfig, body []byte) (*upstreamResult, error) {
	req, err := s.newUpstreamRequest(ctx, provider, body)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{
		statusCode: resp.StatusCode,
		body:       respBody,
		header:     resp.Header,
	}, nil
}

// isRetryable returns true if the error or status code warrants trying the next provider.
func isRetryable(err error, statusCode int) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500
}

// forward tries each provider in order and returns the first usable
// response. A 5xx from the last provider is returned as-is.
func (s *Server) forward(ctx context.Context, body []byte) (*upstreamResult, error) {
	if len(s.cfg.Providers) == 0 {
		return nil, errNoProviders
	}

	var result *upstreamResult
	var lastErr error
	for _, provider := range s.cfg.Providers {
		res, err := s.doUpstreamRequest(ctx, provider, body)
		if err != nil {
			s.log.Warn("upstream failed, trying next", "provider", provider.Name, "error", err)
			lastErr = err
			continue
		}
		result = res
		if isRetryable(nil, res.statusCode) {
			s.log.Warn("upstream returned server error, trying next", "provider", provider.Name, "status", res.statusCode)
			continue
		}
		break
	}

	if result == nil {
		return nil, fmt.Errorf("all upstream providers failed: %w", lastErr)
	}
	return result, nil
}

// namespaceFor picks the cache partition for a request.
func namespaceFor(r *http.Request, req *models.ChatCompletionRequest) string {
	if ns := strings.TrimSpace(r.Header.Get(headerNamespace)); ns != "" {
		return ns
	}
	if req.Model != "" {
		return req.Model
	}
	return cache.DefaultNamespace
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var req models.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	question := req.Question()
	if req.Stream || strings.TrimSpace(question) == "" {
		s.relay(w, r, body)
		return
	}

	ns := namespaceFor(r, &req)
	opts := []cache.Option{cache.Namespace(ns)}
	if s.semantic {
		opts = append(opts, cache.AllowSemantic())
	}

	if hit, ok := s.cache.Lookup(r.Context(), question, opts...); ok {
		label := "hit"
		if hit.Source == models.SourceSemantic {
			label = "semantic"
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerCache, label)
		w.Header().Set(headerSimilarity, strconv.FormatFloat(hit.Similarity, 'f', 4, 64))
		w.Write(hit.Value.Body)
		return
	}

	// Identical concurrent misses share one upstream call. The call is
	// detached from the first caller's cancellation since others wait on it.
	flightKey := ns + "\x00" + strings.ToLower(strings.TrimSpace(question))
	v, err, shared := s.flight.Do(flightKey, func() (any, error) {
		ctx := context.WithoutCancel(r.Context())
		res, err := s.forward(ctx, body)
		if err != nil {
			return nil, err
		}
		s.store(ctx, ns, question, r.Header.Get(headerRequestID), res)
		return res, nil
	})
	if err != nil {
		s.log.Error("upstream request failed", "namespace", ns, "error", err)
		if errors.Is(err, errNoProviders) {
			writeJSONError(w, http.StatusServiceUnavailable, "no providers configured")
			return
		}
		writeJSONError(w, http.StatusBadGateway, "all upstream providers failed")
		return
	}

	result := v.(*upstreamResult)
	if shared {
		s.log.Debug("coalesced upstream request", "namespace", ns)
	}
	if ct := result.header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set(headerCache, "miss")
	w.WriteHeader(result.statusCode)
	w.Write(result.body)
}

// store caches a successful completion under question.
func (s *Server) store(ctx context.Context, ns, question, requestID string, res *upstreamResult) {
	if res.statusCode != http.StatusOK {
		return
	}
	var chatResp models.ChatCompletionResponse
	if err := json.Unmarshal(res.body, &chatResp); err != nil || len(chatResp.Choices) == 0 {
		return
	}

	opts := []cache.Option{
		cache.Namespace(ns),
		cache.Metadata(map[string]any{
			"model":      chatResp.Model,
			"request_id": requestID,
		}),
	}
	if s.semantic {
		opts = append(opts, cache.Embed())
	}
	s.cache.Set(ctx, question, Answer{
		Body:    res.body,
		Content: chatResp.Content(),
		Model:   chatResp.Model,
	}, opts...)
}

// relay forwards requests the cache cannot serve, streaming the upstream
// response back as it arrives.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, body []byte) {
	var resp *http.Response
	for _, provider := range s.cfg.Providers {
		req, err := s.newUpstreamRequest(r.Context(), provider, body)
		if err != nil {
			s.log.Warn("upstream request build failed", "provider", provider.Name, "error", err)
			continue
		}
		res, err := s.client.Do(req)
		if err != nil {
			s.log.Warn("upstream failed, trying next", "provider", provider.Name, "error", err)
			continue
		}
		if res.StatusCode >= 500 {
			res.Body.Close()
			s.log.Warn("upstream returned server error, trying next", "provider", provider.Name, "status", res.StatusCode)
			continue
		}
		resp = res
		break
	}
	if resp == nil {
		writeJSONError(w, http.StatusBadGateway, "all upstream providers failed")
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(headerCache, "bypass")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Warn("streaming relay interrupted", "error", err)
			}
			return
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.cache.Stats())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	namespaces := r.URL.Query()["namespace"]
	s.cache.Clear(namespaces...)
	s.log.Info("cache cleared", "namespaces", namespaces)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}
	if !s.cache.Delete(key, cache.Namespace(q.Get("namespace"))) {
		writeJSONError(w, http.StatusNotFound, "entry not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.Providers) == 0 {
		writeJSONError(w, http.StatusServiceUnavailable, "no providers configured")
		return
	}

	provider := s.cfg.Providers[0]
	target, err := url.Parse(provider.URL)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "invalid provider URL")
		return
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			req.Header.Set("Authorization", "Bearer "+provider.APIKey)
		},
	}
	proxy.ServeHTTP(w, r)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"recall_error","code":%d}}`, message, code)
}
