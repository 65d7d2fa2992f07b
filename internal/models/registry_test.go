package models

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func catalog() []ModelConfig {
	return []ModelConfig{
		{ID: "gpt-4", Kind: "openai_compat", APIKey: "sk-a", Enabled: true, MaxTokens: 1000, CostPer1KCents: 3},
		{ID: "claude-3.5-sonnet", Kind: "anthropic_messages", APIKey: "sk-b", Enabled: true, MaxTokens: 1000, CostPer1KCents: 2},
		{ID: "llama-3", Kind: "openai_compat", APIKey: "sk-c", Enabled: false, MaxTokens: 1000},
		{ID: "gemini-pro", Kind: "openai_compat", APIKey: "sk-d", Enabled: true, Maintenance: true, MaxTokens: 1000},
		{ID: "mistral-large", Kind: "openai_compat", Enabled: true, MaxTokens: 1000},
	}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(func(context.Context) ([]ModelConfig, error) {
		return catalog(), nil
	}, zerolog.Nop())
	if _, err := r.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return r
}

func TestResolveUnknownIDFailsWholeBatch(t *testing.T) {
	snap := testRegistry(t).Current()
	_, err := snap.Resolve([]string{"gpt-4", "gpt-9000"})
	if !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("expected ErrInvalidModel, got %v", err)
	}
}

func TestResolveFiltersUnselectableModels(t *testing.T) {
	snap := testRegistry(t).Current()
	got, err := snap.Resolve([]string{"gpt-4", "llama-3", "gemini-pro", "mistral-large"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].ID != "gpt-4" {
		t.Fatalf("expected only gpt-4 to survive filtering, got %v", got)
	}
}

func TestResolveAllFilteredIsNoAvailableModels(t *testing.T) {
	snap := testRegistry(t).Current()
	_, err := snap.Resolve([]string{"llama-3", "gemini-pro"})
	if !errors.Is(err, ErrNoAvailableModels) {
		t.Fatalf("expected ErrNoAvailableModels, got %v", err)
	}
}

func TestDerivedStatus(t *testing.T) {
	cases := []struct {
		cfg  ModelConfig
		want ModelStatus
	}{
		{ModelConfig{Enabled: true, APIKey: "k"}, StatusAvailable},
		{ModelConfig{Enabled: false, APIKey: "k"}, StatusDisabled},
		{ModelConfig{Enabled: true, Maintenance: true, APIKey: "k"}, StatusMaintenance},
		{ModelConfig{Enabled: true}, StatusMissingCredentials},
	}
	for _, c := range cases {
		if got := c.cfg.Status(); got != c.want {
			t.Errorf("status = %s, want %s (cfg %+v)", got, c.want, c.cfg)
		}
	}
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	r := testRegistry(t)
	old := r.Current()

	if _, err := r.Reload(context.Background()); err != nil {
		t.Fatalf("second reload: %v", err)
	}
	fresh := r.Current()
	if fresh.Version <= old.Version {
		t.Fatalf("expected version to advance, got %d after %d", fresh.Version, old.Version)
	}
	// Old snapshot stays readable for in-flight requests.
	if _, err := old.Resolve([]string{"gpt-4"}); err != nil {
		t.Fatalf("old snapshot must remain usable: %v", err)
	}
}

func TestEstimateCents(t *testing.T) {
	snap := testRegistry(t).Current()
	cfgs, err := snap.Resolve([]string{"gpt-4", "claude-3.5-sonnet"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// 1000 tokens at 3c/1k + 1000 tokens at 2c/1k.
	if got := EstimateCents(cfgs); got != 5 {
		t.Fatalf("estimate = %d, want 5", got)
	}
}

func TestCallCentsRoundsUpToOneCent(t *testing.T) {
	m := ModelConfig{CostPer1KCents: 2}
	if got := CallCents(m, 100); got != 1 {
		t.Fatalf("tiny paid call must cost at least one cent, got %d", got)
	}
	if got := CallCents(ModelConfig{}, 500); got != 0 {
		t.Fatalf("free model must cost zero, got %d", got)
	}
}
