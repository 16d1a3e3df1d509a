// Package rag implements the stateless HTTP client for the retrieval and
// generation backend, plus a sentence-streaming variant used by the
// conversation pipeline.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/metrics"
	"github.com/mohamedhanafy31/E-commerce-Arabic-RAG/internal/text"
)

// QueryRequest is the POST /query body.
type QueryRequest struct {
	Query          string `json:"query"`
	MaxResults     int    `json:"max_results"`
	IncludeHistory bool   `json:"include_history"`
}

// QueryResponse is the backend's answer.
type QueryResponse struct {
	Answer           string           `json:"answer"`
	Sources          []map[string]any `json:"sources"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
	ModelUsed        string           `json:"model_used"`
}

// ClientConfig holds retrieval client settings.
type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	PoolSize     int
	MaxResults   int
	SentenceWait time.Duration
}

// Client is a stateless call/response client. Safe for concurrent use by
// many sessions.
type Client struct {
	cfg    ClientConfig
	client *http.Client
}

// NewClient creates a retrieval client with a pooled transport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.SentenceWait <= 0 {
		cfg.SentenceWait = 100 * time.Millisecond
	}
	return &Client{
		cfg:    cfg,
		client: newPooledHTTPClient(cfg.PoolSize, cfg.Timeout),
	}
}

// Query sends one retrieval request. When history is non-empty it is
// prepended to the query so the backend sees prior turns. Transport errors
// and non-200 responses fail without retry; a failed query surfaces to the
// pipeline as a rag_failed error.
func (c *Client) Query(ctx context.Context, query string, history string) (*QueryResponse, error) {
	start := time.Now()

	enhanced := query
	if history != "" {
		enhanced = history + "\n\nالسؤال الحالي: " + query
	}

	body, err := json.Marshal(QueryRequest{
		Query:          enhanced,
		MaxResults:     c.cfg.MaxResults,
		IncludeHistory: history != "",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rag request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rag request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("rag", "http").Inc()
		return nil, fmt.Errorf("rag request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		metrics.Errors.WithLabelValues("rag", "status").Inc()
		return nil, fmt.Errorf("rag status %d: %s", resp.StatusCode, string(respBody))
	}

	var result QueryResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode rag response: %w", err)
	}

	metrics.StageDuration.WithLabelValues("rag").Observe(time.Since(start).Seconds())
	return &result, nil
}

// StreamSentences performs one Query and yields the answer sentence by
// sentence with a small pacing delay. The sequence is empty when the
// underlying query fails; the error is delivered on the final yield.
func (c *Client) StreamSentences(ctx context.Context, query, history string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.Query(ctx, query, history)
		if err != nil {
			yield("", err)
			return
		}

		for _, sentence := range text.SplitSentences(resp.Answer) {
			if !yield(sentence, nil) {
				return
			}
			select {
			case <-time.After(c.cfg.SentenceWait):
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
	}
}

// Health probes the backend's GET /health endpoint.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("rag health check", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Stats fetches the backend's GET /stats payload.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/stats", nil)
	if err != nil {
		return nil, fmt.Errorf("create rag stats request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rag stats status %d", resp.StatusCode)
	}

	var stats map[string]any
	if err = json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode rag stats: %w", err)
	}
	return stats, nil
}
