package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRAGUnavailable marks the RAG service as unreachable for the selected
// collections. Boundary code maps it to the RAG_UNAVAILABLE error code.
var ErrRAGUnavailable = errors.New("rag service unavailable")

// RAGClient talks to the external RAG indexer/query service.
type RAGClient struct {
	baseURL string
	http    *HTTPClient
	logger  Logger
}

// NewRAGClient creates a new RAG service client
func NewRAGClient(baseURL string, logger Logger) *RAGClient {
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
	}

	return &RAGClient{
		baseURL: baseURL,
		http:    NewHTTPClient(httpClient, logger),
		logger:  logger,
	}
}

// RAGQueryResult is one retrieved chunk.
type RAGQueryResult struct {
	Collection string  `json:"collection"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	SourceRef  string  `json:"source_ref,omitempty"`
}

// Query retrieves chunks for a question across the given collections.
// Transport failures and 5xx responses wrap ErrRAGUnavailable.
func (c *RAGClient) Query(ctx context.Context, collections []string, questionPrompt string, topK int) ([]RAGQueryResult, error) {
	if len(collections) == 0 {
		return nil, fmt.Errorf("rag query needs at least one collection")
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"collections":     collections,
		"question_prompt": questionPrompt,
		"top_k":           topK,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rag query: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/rag/query", c.baseURL)
	resp, err := c.http.DoRequest(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRAGUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status=%d", ErrRAGUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rag query failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var queryResponse struct {
		Results []RAGQueryResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queryResponse); err != nil {
		return nil, fmt.Errorf("failed to decode rag query response: %w", err)
	}

	c.logger.Debug("rag query completed",
		"collections", len(collections),
		"results", len(queryResponse.Results))

	return queryResponse.Results, nil
}

// StartIndex kicks off an index pass over a collection. Mode is
// fresh_index or delta_index. Returns the service's job reference.
func (c *RAGClient) StartIndex(ctx context.Context, collection, mode string) (string, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"collection": collection,
		"mode":       mode,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode index request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/rag/index", c.baseURL)
	resp, err := c.http.DoRequest(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRAGUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: status=%d", ErrRAGUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("index request failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var indexResponse struct {
		JobRef string `json:"job_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&indexResponse); err != nil {
		return "", fmt.Errorf("failed to decode index response: %w", err)
	}

	c.logger.Info("rag index started",
		"collection", collection,
		"mode", mode,
		"job_ref", indexResponse.JobRef)

	return indexResponse.JobRef, nil
}
