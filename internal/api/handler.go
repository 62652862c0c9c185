package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raildebug/raildbg/internal/fingerprint"
	"github.com/raildebug/raildbg/internal/ingest"
	"github.com/raildebug/raildbg/internal/ledger"
	"github.com/raildebug/raildbg/internal/memory"
	"github.com/raildebug/raildbg/internal/pipeline"
	"github.com/raildebug/raildbg/internal/router"
	"github.com/raildebug/raildbg/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// Deps holds everything the HTTP API needs. Ingestor may be nil when no
// document index is configured.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Memory     *memory.Memory
	Ingestor   *ingest.Ingestor
	Token      string
	Version    string
	HTTPClient *http.Client
}

// NewHandler returns the HTTP API. Everything under /v1 requires the bearer
// token; an empty token disables auth for local single-user setups.
func NewHandler(deps Deps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps.Version))

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(bearerAuth(deps.Token))
		}
		r.Post("/analyze", handleAnalyze(deps))
		r.Post("/analyze/batch", handleAnalyzeBatch(deps))
		r.Post("/feedback", handleFeedback(deps))
		r.Get("/stats", handleStats(deps))
		r.Post("/ingest", handleIngest(deps))
	})

	return r
}

// bearerAuth guards the /v1 routes. Token comparison is constant-time so a
// shared deployment leaks nothing through response timing.
func bearerAuth(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
		})
	}
}

// AnalyzeRequest is the body of POST /v1/analyze.
type AnalyzeRequest struct {
	Traceback string `json:"traceback"`
	Mode      string `json:"mode"`
	AccountID string `json:"account_id"`
	Plan      string `json:"plan"`
	RepoID    string `json:"repo_id"`
}

func handleAnalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Traceback == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "traceback is required")
			return
		}
		mode, err := router.ParseMode(req.Mode)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		report, err := deps.Pipeline.Analyze(r.Context(), pipeline.Request{
			Traceback: req.Traceback,
			Mode:      mode,
			AccountID: req.AccountID,
			Plan:      req.Plan,
			RepoID:    req.RepoID,
		})
		if err != nil {
			writeAnalyzeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

// BatchRequest is the body of POST /v1/analyze/batch. Log carries the raw
// blob to scan for tracebacks.
type BatchRequest struct {
	Log       string `json:"log"`
	Mode      string `json:"mode"`
	AccountID string `json:"account_id"`
	Plan      string `json:"plan"`
	RepoID    string `json:"repo_id"`
}

func handleAnalyzeBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Log == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "log is required")
			return
		}
		mode, err := router.ParseMode(req.Mode)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		result, err := deps.Pipeline.AnalyzeBatch(r.Context(), req.Log, mode, req.AccountID, req.Plan, req.RepoID)
		if err != nil {
			writeAnalyzeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

// writeAnalyzeError maps pipeline errors onto HTTP status codes.
func writeAnalyzeError(w http.ResponseWriter, err error) {
	var qerr *ledger.QuotaExceededError
	switch {
	case errors.Is(err, fingerprint.ErrInputTooLarge):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%v", err)
	case errors.As(err, &qerr):
		httpError(w, http.StatusTooManyRequests, "quota_exceeded", "%v", qerr)
	default:
		httpError(w, http.StatusBadGateway, "api_error", "analysis failed: %v", err)
	}
}

// FeedbackRequest is the body of POST /v1/feedback.
type FeedbackRequest struct {
	Fingerprint string `json:"fingerprint"`
	Success     *bool  `json:"success"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Fingerprint == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "fingerprint is required")
			return
		}
		if req.Success == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "success is required")
			return
		}

		err := deps.Memory.MarkOutcome(r.Context(), req.Fingerprint, *req.Success)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no analysis recorded for fingerprint %s", req.Fingerprint)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record feedback: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
	}
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	TotalAnalyses   int      `json:"total_analyses"`
	AvgConfidence   float64  `json:"avg_confidence"`
	SuccessfulFixes int      `json:"successful_fixes"`
	SuccessRate     float64  `json:"success_rate"`
	Severities      []string `json:"severities"`
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Memory.Stats(r.Context(), r.URL.Query().Get("repo"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}

		resp := StatsResponse{
			TotalAnalyses:   stats.TotalAnalyses,
			AvgConfidence:   stats.AvgConfidence,
			SuccessfulFixes: stats.SuccessfulFixes,
			SuccessRate:     stats.SuccessRate,
			Severities:      stats.Severities,
		}
		if resp.Severities == nil {
			resp.Severities = []string{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// IngestRequest is the body of POST /v1/ingest. Content carries inline text,
// or base64 bytes when type is pdf; url fetches the document instead.
type IngestRequest struct {
	Title   string `json:"title"`
	Source  string `json:"source"`
	Type    string `json:"type"` // text | html | pdf | url
	Content string `json:"content"`
	URL     string `json:"url"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ingestor == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "no document index configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Source == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source is required")
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}

		var (
			raw         []byte
			contentType = req.Type
		)
		switch {
		case req.Type == "url" && req.URL != "":
			body, fetchedType, err := fetchURL(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			raw, contentType = body, fetchedType
			if req.Title == "" {
				req.Title = req.URL
			}

		case req.Type == "pdf":
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			raw = decoded

		default:
			raw = []byte(req.Content)
		}

		text, err := ingest.ExtractText(raw, contentType)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to extract text: %v", err)
			return
		}

		chunks, err := deps.Ingestor.Ingest(r.Context(), ingest.Document{
			Title:   req.Title,
			Source:  req.Source,
			Content: text,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to index document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "indexed",
			"chunks": chunks,
		})
	}
}

func fetchURL(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid url: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("url returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
