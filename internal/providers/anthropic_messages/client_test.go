package anthropic_messages

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"namegen/internal/providers"
)

func TestBuildPayload(t *testing.T) {
	body, err := buildPayload(providers.CompletionRequest{
		Model:        "claude-3.5-sonnet",
		SystemPrompt: "You are a branding assistant",
		UserPrompt:   "name a coffee shop",
		MaxTokens:    256,
		Temperature:  0.7,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["model"] != "claude-3.5-sonnet" {
		t.Fatalf("unexpected model %#v", payload["model"])
	}
	if payload["system"] != "You are a branding assistant" {
		t.Fatalf("system prompt must be a top-level field, got %#v", payload["system"])
	}
	if _, ok := payload["thinking"]; ok {
		t.Fatal("thinking must be absent without the deep-thinking flag")
	}
}

func TestBuildPayloadDeepThinking(t *testing.T) {
	body, err := buildPayload(providers.CompletionRequest{Model: "claude-3.5-sonnet", UserPrompt: "x", MaxTokens: 256, Temperature: 0.7, DeepThinking: true})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if _, ok := payload["thinking"]; !ok {
		t.Fatal("deep thinking should enable extended thinking")
	}
	if _, ok := payload["temperature"]; ok {
		t.Fatal("temperature is not allowed alongside extended thinking")
	}
}

func TestCompleteParsesTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("unexpected api key header %q", r.Header.Get("x-api-key"))
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"thinking","thinking":"..."},{"type":"text","text":"1. BrewHaven\n2. CafeNova"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test"})
	resp, err := c.Complete(context.Background(), providers.CompletionRequest{Model: "claude-3.5-sonnet", UserPrompt: "names"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "1. BrewHaven\n2. CafeNova" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
}

func TestCompleteEmptyContentIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.Complete(context.Background(), providers.CompletionRequest{Model: "claude-3.5-sonnet", UserPrompt: "x"}); err == nil {
		t.Fatal("empty content must surface as an error")
	}
}
