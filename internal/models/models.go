package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidModel      = errors.New("unknown model identifier")
	ErrNoAvailableModels = errors.New("no available models")
)

type ModelStatus string

const (
	StatusAvailable          ModelStatus = "available"
	StatusDisabled           ModelStatus = "disabled"
	StatusMaintenance        ModelStatus = "maintenance"
	StatusMissingCredentials ModelStatus = "missing_credentials"
)

// ModelConfig is one AI model's operating parameters. API keys are held
// decrypted in memory only; at rest they live encrypted in model_configs.
type ModelConfig struct {
	ID             string
	DisplayName    string
	Provider       string
	Kind           string
	BaseURL        string
	Endpoint       string
	APIKey         string
	Enabled        bool
	Maintenance    bool
	MaxTokens      int
	Temperature    float64
	CostPer1KCents int64
	RatePerMinute  int
	TimeoutSeconds int
	UpdatedAt      time.Time
}

func (m ModelConfig) Status() ModelStatus {
	switch {
	case !m.Enabled:
		return StatusDisabled
	case m.Maintenance:
		return StatusMaintenance
	case strings.TrimSpace(m.APIKey) == "":
		return StatusMissingCredentials
	}
	return StatusAvailable
}

func (m ModelConfig) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// EstimateCents prices a request against the given models assuming each call
// spends its full token budget. Used by the budget guard before dispatch.
func EstimateCents(cfgs []ModelConfig) int64 {
	var total int64
	for _, m := range cfgs {
		tokens := int64(m.MaxTokens)
		if tokens <= 0 {
			tokens = 1000
		}
		cents := tokens * m.CostPer1KCents / 1000
		if m.CostPer1KCents > 0 && cents == 0 {
			cents = 1
		}
		total += cents
	}
	return total
}

// CallCents prices one completed call by actual token usage.
func CallCents(m ModelConfig, tokens int) int64 {
	if tokens <= 0 {
		return 0
	}
	cents := int64(tokens) * m.CostPer1KCents / 1000
	if m.CostPer1KCents > 0 && cents == 0 {
		cents = 1
	}
	return cents
}

func invalidModel(id string) error {
	return fmt.Errorf("%w: %s", ErrInvalidModel, id)
}
