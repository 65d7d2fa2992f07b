package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"namegen/internal/session"
	"namegen/internal/storage"
)

// Preferences are a user's generation defaults. Exactly one record exists per
// user; it is materialized with system defaults the first time it is read.
type Preferences struct {
	UserID              string             `json:"user_id"`
	PreferredModels     []string           `json:"preferred_models"`
	Priorities          map[string]int     `json:"priorities"`
	DefaultMode         session.Mode       `json:"default_mode"`
	DefaultDeepThinking bool               `json:"default_deep_thinking"`
	CustomParams        map[string]float64 `json:"custom_params"`
	Notifications       map[string]bool    `json:"notifications"`
	MaxConcurrent       int                `json:"max_concurrent_generations"`
}

const defaultMaxConcurrent = 3

type Service struct {
	store *storage.Store
}

func NewService(store *storage.Store) *Service {
	return &Service{store: store}
}

func defaults(userID string) Preferences {
	return Preferences{
		UserID:          userID,
		PreferredModels: []string{},
		Priorities:      map[string]int{},
		DefaultMode:     session.ModeCreative,
		CustomParams:    map[string]float64{},
		Notifications:   map[string]bool{"on_complete": true},
		MaxConcurrent:   defaultMaxConcurrent,
	}
}

// Get returns the user's preferences, creating the record with defaults on
// first access.
func (s *Service) Get(ctx context.Context, userID string) (Preferences, error) {
	rec, err := s.store.GetPreferences(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := s.store.InsertPreferencesIfAbsent(ctx, toRecord(defaults(userID))); err != nil {
			return Preferences{}, err
		}
		rec, err = s.store.GetPreferences(ctx, userID)
		if err != nil {
			return Preferences{}, err
		}
	} else if err != nil {
		return Preferences{}, err
	}
	return fromRecord(rec)
}

// Update validates and persists changed preferences.
func (s *Service) Update(ctx context.Context, p Preferences) error {
	if _, err := session.ParseMode(string(p.DefaultMode)); err != nil {
		return err
	}
	if p.MaxConcurrent < 1 {
		p.MaxConcurrent = 1
	}
	// The record must exist before an UPDATE can land.
	if _, err := s.Get(ctx, p.UserID); err != nil {
		return err
	}
	return s.store.UpdatePreferences(ctx, toRecord(p))
}

// OrderByPriority sorts model ids by the user's priority map, highest first,
// preserving input order among unranked models.
func (p Preferences) OrderByPriority(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.SliceStable(out, func(i, j int) bool {
		return p.Priorities[out[i]] > p.Priorities[out[j]]
	})
	return out
}

func toRecord(p Preferences) storage.PreferencesRecord {
	preferred, _ := json.Marshal(p.PreferredModels)
	priorities, _ := json.Marshal(p.Priorities)
	params, _ := json.Marshal(p.CustomParams)
	notify, _ := json.Marshal(p.Notifications)
	return storage.PreferencesRecord{
		UserID:              p.UserID,
		PreferredModelsJSON: string(preferred),
		PrioritiesJSON:      string(priorities),
		DefaultMode:         string(p.DefaultMode),
		DefaultDeepThinking: p.DefaultDeepThinking,
		CustomParamsJSON:    string(params),
		NotificationsJSON:   string(notify),
		MaxConcurrent:       p.MaxConcurrent,
	}
}

func fromRecord(rec storage.PreferencesRecord) (Preferences, error) {
	p := Preferences{
		UserID:              rec.UserID,
		DefaultMode:         session.Mode(rec.DefaultMode),
		DefaultDeepThinking: rec.DefaultDeepThinking,
		MaxConcurrent:       rec.MaxConcurrent,
	}
	if err := json.Unmarshal([]byte(rec.PreferredModelsJSON), &p.PreferredModels); err != nil {
		return Preferences{}, fmt.Errorf("decode preferred models: %w", err)
	}
	if err := json.Unmarshal([]byte(rec.PrioritiesJSON), &p.Priorities); err != nil {
		return Preferences{}, fmt.Errorf("decode priorities: %w", err)
	}
	if err := json.Unmarshal([]byte(rec.CustomParamsJSON), &p.CustomParams); err != nil {
		return Preferences{}, fmt.Errorf("decode custom params: %w", err)
	}
	if err := json.Unmarshal([]byte(rec.NotificationsJSON), &p.Notifications); err != nil {
		return Preferences{}, fmt.Errorf("decode notifications: %w", err)
	}
	return p, nil
}
