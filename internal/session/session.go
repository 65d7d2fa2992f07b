package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a status change is attempted on a
// session that is already terminal, or skips a state.
var ErrInvalidTransition = errors.New("invalid session transition")

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move in the lifecycle
// pending -> running -> {completed, failed, cancelled}. Cancellation is also
// allowed straight from pending.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

type Mode string

const (
	ModeCreative     Mode = "creative"
	ModeProfessional Mode = "professional"
	ModeBrandable    Mode = "brandable"
	ModeTechFocused  Mode = "tech-focused"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeCreative:
		return ModeCreative, nil
	case ModeProfessional:
		return ModeProfessional, nil
	case ModeBrandable:
		return ModeBrandable, nil
	case ModeTechFocused:
		return ModeTechFocused, nil
	}
	return "", fmt.Errorf("unknown generation mode %q", raw)
}

type Strategy string

const (
	StrategyQuick         Strategy = "quick"
	StrategyParallel      Strategy = "parallel"
	StrategyComprehensive Strategy = "comprehensive"
)

func ParseStrategy(raw string) (Strategy, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return StrategyParallel, nil
	}
	switch Strategy(v) {
	case StrategyQuick:
		return StrategyQuick, nil
	case StrategyParallel:
		return StrategyParallel, nil
	case StrategyComprehensive:
		return StrategyComprehensive, nil
	}
	return "", fmt.Errorf("unknown generation strategy %q", raw)
}

// MaxDescriptionLen bounds the business description accepted at submit time.
const MaxDescriptionLen = 2000

// NewID mints a globally unique, prefixed session identifier.
func NewID() string {
	return "gen_" + uuid.NewString()
}

// ClampProgress keeps a progress percentage inside [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// FanoutProgress maps a completed/total model count into the 10-90 band
// reserved for the fan-out phase. 5 is the initializing mark, 100 is terminal.
func FanoutProgress(completed, total int) int {
	if total <= 0 {
		return 90
	}
	if completed > total {
		completed = total
	}
	return ClampProgress(10 + completed*80/total)
}

// ModelResult is one model's contribution to a session, success or failure.
type ModelResult struct {
	Model      string   `json:"model"`
	Names      []string `json:"names,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	CostCents  int64    `json:"cost_cents,omitempty"`
}

// Results maps model identifier to the names it produced. Only successful
// models appear here; failures live in the error aggregate.
type Results map[string][]string

// ExecMeta records timing and cost for a finished session.
type ExecMeta struct {
	Models     []ModelResult `json:"models"`
	CacheHit   bool          `json:"cache_hit,omitempty"`
	TotalCents int64         `json:"total_cents"`
	ElapsedMS  int64         `json:"elapsed_ms"`
}

// Session is one user-initiated generation request.
type Session struct {
	ID              string
	UserID          string
	Status          Status
	Description     string
	Mode            Mode
	DeepThinking    bool
	RequestedModels []string
	Strategy        Strategy
	Progress        int
	CurrentStep     string
	Results         Results
	ExecMeta        *ExecMeta
	ErrorMessage    *string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}
