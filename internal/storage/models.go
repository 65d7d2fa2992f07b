package storage

import "time"

// ModelConfigRecord is the at-rest shape of one model's configuration. The
// API key stays encrypted here; the model registry decrypts on load.
type ModelConfigRecord struct {
	ID             string
	DisplayName    string
	Provider       string
	Kind           string
	BaseURL        string
	Endpoint       string
	EncAPIKey      *string
	Enabled        bool
	Maintenance    bool
	MaxTokens      int
	Temperature    float64
	CostPer1KCents int64
	RatePerMinute  int
	TimeoutSeconds int
	UpdatedAt      time.Time
}

// PreferencesRecord holds one user's generation defaults. JSON columns are
// kept as raw strings; the prefs service owns their shape.
type PreferencesRecord struct {
	UserID              string
	PreferredModelsJSON string
	PrioritiesJSON      string
	DefaultMode         string
	DefaultDeepThinking bool
	CustomParamsJSON    string
	NotificationsJSON   string
	MaxConcurrent       int
	CreatedAt           time.Time
}

// UsageEntry is one model call's contribution to the durable spend log.
type UsageEntry struct {
	SessionID string
	UserID    string
	ModelID   string
	Tokens    int
	CostCents int64
}
