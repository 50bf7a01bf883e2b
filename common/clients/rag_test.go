package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type testLogger struct{}

func (testLogger) Info(string, ...interface{})  {}
func (testLogger) Error(string, ...interface{}) {}
func (testLogger) Warn(string, ...interface{})  {}
func (testLogger) Debug(string, ...interface{}) {}

// TestRAGQuery verifies request shape and response decoding.
func TestRAGQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/rag/query" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["question_prompt"] != "what changed?" {
			t.Errorf("question_prompt = %v", req["question_prompt"])
		}
		if r.Header.Get("X-Workspace-Identity") != "ws-1" {
			t.Errorf("workspace identity header = %q", r.Header.Get("X-Workspace-Identity"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"collection": "docs", "content": "chunk", "score": 0.91},
			},
		})
	}))
	defer srv.Close()

	client := NewRAGClient(srv.URL, testLogger{})
	ctx := WithWorkspaceIdentity(context.Background(), "ws-1")

	results, err := client.Query(ctx, []string{"docs"}, "what changed?", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Collection != "docs" || results[0].Score != 0.91 {
		t.Errorf("results = %+v", results)
	}
}

// TestRAGQueryUnavailable verifies 5xx and transport failures wrap
// ErrRAGUnavailable while 4xx does not.
func TestRAGQueryUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewRAGClient(srv.URL, testLogger{})
	_, err := client.Query(context.Background(), []string{"docs"}, "q", 1)
	if !errors.Is(err, ErrRAGUnavailable) {
		t.Errorf("5xx should map to ErrRAGUnavailable, got %v", err)
	}

	down := NewRAGClient("http://127.0.0.1:1", testLogger{})
	_, err = down.Query(context.Background(), []string{"docs"}, "q", 1)
	if !errors.Is(err, ErrRAGUnavailable) {
		t.Errorf("transport failure should map to ErrRAGUnavailable, got %v", err)
	}

	badReq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer badReq.Close()

	client = NewRAGClient(badReq.URL, testLogger{})
	_, err = client.Query(context.Background(), []string{"docs"}, "q", 1)
	if err == nil || errors.Is(err, ErrRAGUnavailable) {
		t.Errorf("4xx should not map to ErrRAGUnavailable, got %v", err)
	}
}

// TestRAGQueryNeedsCollections verifies the empty-collections guard.
func TestRAGQueryNeedsCollections(t *testing.T) {
	client := NewRAGClient("http://unused", testLogger{})
	if _, err := client.Query(context.Background(), nil, "q", 1); err == nil {
		t.Error("query without collections should fail")
	}
}

// TestRunnerCompleteCategories verifies API failures carry categories.
func TestRunnerCompleteCategories(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{http.StatusTooManyRequests, FailureRateLimited},
		{http.StatusUnauthorized, FailureAuth},
		{http.StatusForbidden, FailureAuth},
		{http.StatusGatewayTimeout, FailureTimeout},
		{http.StatusInternalServerError, FailureServerError},
		{http.StatusUnprocessableEntity, FailureBadResponse},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(c.status)
		}))
		client := NewRunnerClient(srv.URL, 5*time.Second, testLogger{})
		_, err := client.Complete(context.Background(), &CompletionRequest{Provider: "codex", Prompt: map[string]any{}})
		if got := FailureCategory(err); got != c.want {
			t.Errorf("status %d: category = %q, want %q", c.status, got, c.want)
		}
		srv.Close()
	}
}

// TestRunnerCompleteSuccess verifies the happy path decodes output JSON.
func TestRunnerCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Provider != "claude" {
			t.Errorf("provider = %q", req.Provider)
		}
		json.NewEncoder(w).Encode(CompletionResult{
			OutputJSON: map[string]any{"summary": "done"},
		})
	}))
	defer srv.Close()

	client := NewRunnerClient(srv.URL, 5*time.Second, testLogger{})
	result, err := client.Complete(context.Background(), &CompletionRequest{
		Provider: "claude",
		Prompt:   map[string]any{"user_request": "hi"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.OutputJSON["summary"] != "done" {
		t.Errorf("output = %v", result.OutputJSON)
	}
}

// TestRunnerCompleteBadJSON verifies undecodable bodies categorize as
// bad_response.
func TestRunnerCompleteBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewRunnerClient(srv.URL, 5*time.Second, testLogger{})
	_, err := client.Complete(context.Background(), &CompletionRequest{Provider: "codex", Prompt: map[string]any{}})
	if got := FailureCategory(err); got != FailureBadResponse {
		t.Errorf("category = %q, want %q", got, FailureBadResponse)
	}
}
