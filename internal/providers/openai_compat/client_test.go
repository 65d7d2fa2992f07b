package openai_compat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"namegen/internal/providers"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(Config{BaseURL: "https://api.x.ai/v1", Endpoint: "chat_completions"})

	body, endpoint, err := c.buildPayload(providers.CompletionRequest{
		Model:        "grok-beta",
		SystemPrompt: "You are a branding assistant",
		UserPrompt:   "name a coffee shop",
		MaxTokens:    123,
		Temperature:  0.4,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.x.ai/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["model"] != "grok-beta" {
		t.Fatalf("expected model grok-beta, got %#v", payload["model"])
	}
	if _, ok := payload["messages"]; !ok {
		t.Fatalf("messages missing in payload")
	}
}

func TestBuildPayloadResponsesEndpoint(t *testing.T) {
	c := New(Config{BaseURL: "https://api.openai.com/v1", Endpoint: "responses"})

	body, endpoint, err := c.buildPayload(providers.CompletionRequest{Model: "gpt-4.1", UserPrompt: "hello", DeepThinking: true})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.openai.com/v1/responses" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if _, ok := payload["reasoning"]; !ok {
		t.Fatalf("deep thinking should request reasoning effort")
	}
}

func TestCompleteRetriesOnTemporaryStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"1. BrewHaven"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 1, BackoffBase: 1})
	resp, err := c.Complete(context.Background(), providers.CompletionRequest{Model: "gpt-4", UserPrompt: "names"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "1. BrewHaven" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
}

func TestCompleteDoesNotRetryClientError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: 1})
	if _, err := c.Complete(context.Background(), providers.CompletionRequest{Model: "gpt-4", UserPrompt: "x"}); err == nil {
		t.Fatal("expected error on 400")
	}
	if calls != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls)
	}
}
