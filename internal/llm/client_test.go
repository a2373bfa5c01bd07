package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"webrunner/internal/config"

	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, handler func(req chatRequest) (int, interface{})) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		status, body := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func okResponse(content string) interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	}
}

func TestOpenAIComplete(t *testing.T) {
	srv := chatServer(t, func(req chatRequest) (int, interface{}) {
		require.Len(t, req.Messages, 1)
		require.Equal(t, "user", req.Messages[0].Role)
		require.Equal(t, "hello", req.Messages[0].Content)
		return http.StatusOK, okResponse("world")
	})

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "openai",
		APIKey:   "test-key",
		BaseURL:  srv.URL,
		Model:    "test-model",
	})

	out, err := client.Complete(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "world", out)
}

func TestOpenAICompleteWithSystem(t *testing.T) {
	srv := chatServer(t, func(req chatRequest) (int, interface{}) {
		require.Len(t, req.Messages, 2)
		require.Equal(t, "system", req.Messages[0].Role)
		require.Equal(t, "be brief", req.Messages[0].Content)
		require.Equal(t, "user", req.Messages[1].Role)
		return http.StatusOK, okResponse("ok")
	})

	client := NewOpenAIClient(config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL})

	out, err := client.CompleteWithSystem(context.Background(), "be brief", "question")
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

func TestOpenAIHTTPError(t *testing.T) {
	srv := chatServer(t, func(req chatRequest) (int, interface{}) {
		return http.StatusTooManyRequests, map[string]string{"error": "rate limited"}
	})

	client := NewOpenAIClient(config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL})

	_, err := client.Complete(context.Background(), "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestOpenAIAPIError(t *testing.T) {
	srv := chatServer(t, func(req chatRequest) (int, interface{}) {
		return http.StatusOK, map[string]interface{}{
			"error": map[string]string{"message": "bad model", "type": "invalid_request_error"},
		}
	})

	client := NewOpenAIClient(config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL})

	_, err := client.Complete(context.Background(), "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad model")
}

func TestOpenAINoChoices(t *testing.T) {
	srv := chatServer(t, func(req chatRequest) (int, interface{}) {
		return http.StatusOK, map[string]interface{}{"choices": []interface{}{}}
	})

	client := NewOpenAIClient(config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL})

	_, err := client.Complete(context.Background(), "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(config.LLMConfig{Provider: "mystery"})
	require.Error(t, err)
}
