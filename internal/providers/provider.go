package providers

import "context"

type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
	DeepThinking bool
}

type CompletionResponse struct {
	Text string
}

// Provider is the single capability the orchestrator depends on. One
// implementation exists per supported wire protocol; selection happens once
// when the model registry snapshot is built, never per call.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
