package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "the answer"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{BaseURL: srv.URL, Model: "test-model"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), Request{
		System: "You are terse.",
		Prompt: "What is the answer?",
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", resp.Content)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)
}

func TestHTTPClientRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "provider_rate_limited", rl.Code)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestHTTPClientConcurrencyLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "too many parallel calls", "code": "provider_concurrency_limited"},
		})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{Prompt: "hi"})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "provider_concurrency_limited", rl.Code)
}

func TestHTTPClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "bad model"},
		})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Config{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.False(t, IsRateLimited(err))
	assert.ErrorContains(t, err, "bad model")
}

func TestHTTPClientValidation(t *testing.T) {
	_, err := NewHTTPClient(Config{Model: "m"})
	assert.Error(t, err)
	_, err = NewHTTPClient(Config{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestMockClient(t *testing.T) {
	mock := &MockClient{Responses: []string{"one", "two"}}

	resp, err := mock.Complete(context.Background(), Request{Prompt: "a"})
	require.NoError(t, err)
	assert.Equal(t, "one", resp.Content)

	resp, _ = mock.Complete(context.Background(), Request{Prompt: "b"})
	assert.Equal(t, "two", resp.Content)

	// Exhausted: repeats the last response.
	resp, _ = mock.Complete(context.Background(), Request{Prompt: "c"})
	assert.Equal(t, "two", resp.Content)

	assert.Len(t, mock.Calls, 3)
}
