package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// API failure categories stamped into run metadata when the runner API
// path fails.
const (
	FailureTimeout     = "timeout"
	FailureRateLimited = "rate_limited"
	FailureAuth        = "auth"
	FailureServerError = "server_error"
	FailureBadResponse = "bad_response"
)

// APIError is a categorized runner API failure.
type APIError struct {
	Category string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runner api failure (%s): status=%d %s", e.Category, e.Status, e.Message)
}

// FailureCategory extracts the category from a runner error, empty when
// the error is not an APIError.
func FailureCategory(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return ""
}

// RunnerClient invokes LLMs through the model runner service. The runner
// owns provider SDKs; this client only ships prompt envelopes and reads
// structured output back.
type RunnerClient struct {
	baseURL string
	http    *HTTPClient
	logger  Logger
}

// NewRunnerClient creates a new model runner client
func NewRunnerClient(baseURL string, timeout time.Duration, logger Logger) *RunnerClient {
	httpClient := &http.Client{
		Timeout: timeout,
	}

	return &RunnerClient{
		baseURL: baseURL,
		http:    NewHTTPClient(httpClient, logger),
		logger:  logger,
	}
}

// CompletionRequest carries the prompt envelope to the runner.
type CompletionRequest struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model,omitempty"`
	Prompt   map[string]any `json:"prompt"`
}

// CompletionResult is the runner's parsed answer.
type CompletionResult struct {
	OutputJSON map[string]any `json:"output_json"`
	RawText    string         `json:"raw_text,omitempty"`
	Usage      map[string]any `json:"usage,omitempty"`
}

// Complete sends a prompt envelope and returns the structured completion.
// Failures come back as *APIError so callers can stamp the category into
// run metadata.
func (c *RunnerClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/completions", c.baseURL)
	resp, err := c.http.DoRequest(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		category := FailureServerError
		var netErr net.Error
		if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
			category = FailureTimeout
		}
		return nil, &APIError{Category: category, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{
			Category: categorizeStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Message:  string(body),
		}
	}

	var result CompletionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &APIError{Category: FailureBadResponse, Status: resp.StatusCode, Message: err.Error()}
	}

	c.logger.Debug("completion received",
		"provider", req.Provider,
		"has_output", result.OutputJSON != nil)

	return &result, nil
}

func categorizeStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return FailureRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return FailureTimeout
	case status >= 500:
		return FailureServerError
	default:
		return FailureBadResponse
	}
}
