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

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "The harbor was empty."}},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", 5*time.Second)
	text, err := client.Complete(context.Background(), Request{
		Model: "gpt-test",
		Messages: []ChatMessage{
			{Role: "system", Content: "You are the Writer."},
			{Role: "user", Content: "Draft scene 1."},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "The harbor was empty.", text)
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{
				"message": "Rate limit reached",
				"type":    "rate_limit_error",
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)
	_, err := client.Complete(context.Background(), Request{Model: "gpt-test"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limit_error", apiErr.Code)
	assert.True(t, IsRateLimit(err))
	assert.True(t, IsTransient(err))
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second)
	_, err := client.Complete(context.Background(), Request{Model: "gpt-test"})
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsServerError(&APIError{StatusCode: 503}))
	assert.False(t, IsServerError(&APIError{StatusCode: 400}))

	tokenErr := &APIError{StatusCode: 400, Code: "context_length_exceeded", Message: "too long"}
	assert.True(t, IsTokenLimit(tokenErr))
	assert.True(t, IsTransient(tokenErr))

	byMessage := &APIError{StatusCode: 400, Message: "This model's maximum context length is 8192 tokens"}
	assert.True(t, IsTokenLimit(byMessage))
	assert.Equal(t, 8192, TokenLimitFromError(byMessage))
	assert.Equal(t, 0, TokenLimitFromError(tokenErr))

	assert.False(t, IsTransient(&APIError{StatusCode: 400, Code: "invalid_request_error"}))
	assert.True(t, IsTimeout(context.DeadlineExceeded))
}
