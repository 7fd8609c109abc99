package repository_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyama86/mixstatus/domain/entity"
	"github.com/pyama86/mixstatus/domain/repository"
)

func newTestAIRepository(t *testing.T, handler http.HandlerFunc) *repository.AIRepository {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := openai.NewClient(
		option.WithBaseURL(srv.URL+"/"),
		option.WithAPIKey("test"),
		option.WithMaxRetries(0),
	)
	return repository.NewAIRepositoryWithClient(&client, "gpt-4o-mini", 5*time.Second)
}

func TestAIRepositoryGenerateJSON(t *testing.T) {
	var got map[string]any
	repo := newTestAIRepository(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1714572180,"model":"gpt-4o-mini",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"calculated_minutes\":47}"}}]}`)
	})

	out, err := repo.GenerateJSON(context.Background(), entity.CompletionRequest{
		System:      "You extract durations.",
		Examples:    []entity.CompletionExample{{User: "example input", Assistant: `{"calculated_minutes":5}`}},
		User:        "Resolved after 47 minutes.",
		SchemaName:  "timespan",
		Schema:      map[string]any{"type": "object"},
		Temperature: 0,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"calculated_minutes":47}`, out)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 4)
	format, ok := got["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
}

func TestAIRepositoryErrors(t *testing.T) {
	failing := newTestAIRepository(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	})
	_, err := failing.GenerateJSON(context.Background(), entity.CompletionRequest{User: "x"})
	assert.Error(t, err)

	empty := newTestAIRepository(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-2","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[]}`)
	})
	_, err = empty.GenerateJSON(context.Background(), entity.CompletionRequest{User: "x"})
	assert.ErrorContains(t, err, "no response")
}

func TestNewAIRepositoryWithoutKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("AZURE_OPENAI_KEY", "")
	repo, err := repository.NewAIRepository(repository.AIConfig{})
	assert.NoError(t, err)
	assert.Nil(t, repo)
}
