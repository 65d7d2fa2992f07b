package models

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Snapshot is an immutable view of the model catalog. The orchestrator reads
// one snapshot at the start of a request so an admin reload mid-fanout can
// never produce a torn read.
type Snapshot struct {
	Version int64
	byID    map[string]ModelConfig
	order   []string
}

// Resolve validates every requested identifier against the catalog, then
// filters out models that are not selectable. An unknown id rejects the whole
// batch; filtering down to zero models is its own error.
func (s *Snapshot) Resolve(ids []string) ([]ModelConfig, error) {
	if len(ids) == 0 {
		return nil, ErrNoAvailableModels
	}
	selected := make([]ModelConfig, 0, len(ids))
	for _, id := range ids {
		m, ok := s.byID[id]
		if !ok {
			return nil, invalidModel(id)
		}
		if m.Status() != StatusAvailable {
			continue
		}
		selected = append(selected, m)
	}
	if len(selected) == 0 {
		return nil, ErrNoAvailableModels
	}
	return selected, nil
}

// Available lists selectable models in catalog order.
func (s *Snapshot) Available() []ModelConfig {
	out := make([]ModelConfig, 0, len(s.order))
	for _, id := range s.order {
		if m := s.byID[id]; m.Status() == StatusAvailable {
			out = append(out, m)
		}
	}
	return out
}

// All lists every configured model in catalog order, regardless of status.
func (s *Snapshot) All() []ModelConfig {
	out := make([]ModelConfig, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *Snapshot) Get(id string) (ModelConfig, bool) {
	m, ok := s.byID[id]
	return m, ok
}

func (s *Snapshot) Len() int { return len(s.order) }

// LoadFunc reads the model catalog from its backing store, with credentials
// already decrypted.
type LoadFunc func(ctx context.Context) ([]ModelConfig, error)

// Registry holds the current snapshot behind an atomic pointer. Reload swaps
// in a fresh copy; readers are never blocked.
type Registry struct {
	load    LoadFunc
	snap    atomic.Pointer[Snapshot]
	version atomic.Int64
	logger  zerolog.Logger
}

func NewRegistry(load LoadFunc, logger zerolog.Logger) *Registry {
	r := &Registry{load: load, logger: logger}
	r.snap.Store(&Snapshot{byID: map[string]ModelConfig{}})
	return r
}

// Reload reads the catalog and atomically swaps the snapshot.
func (r *Registry) Reload(ctx context.Context) (*Snapshot, error) {
	cfgs, err := r.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}
	snap := &Snapshot{
		Version: r.version.Add(1),
		byID:    make(map[string]ModelConfig, len(cfgs)),
		order:   make([]string, 0, len(cfgs)),
	}
	for _, m := range cfgs {
		if _, dup := snap.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q in catalog", m.ID)
		}
		snap.byID[m.ID] = m
		snap.order = append(snap.order, m.ID)
	}
	r.snap.Store(snap)
	r.logger.Info().Int64("version", snap.Version).Int("models", len(cfgs)).Msg("model catalog loaded")
	return snap, nil
}

// Current returns the latest snapshot. Callers hold it for the duration of
// one request.
func (r *Registry) Current() *Snapshot {
	return r.snap.Load()
}
