package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"namegen/internal/session"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "namegen_test.db")
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPendingSession(t *testing.T, s *Store, user string) session.Session {
	t.Helper()
	sess := session.Session{
		ID:              session.NewID(),
		UserID:          user,
		Status:          session.StatusPending,
		Description:     "A modern coffee shop",
		Mode:            session.ModeCreative,
		RequestedModels: []string{"gpt-4", "claude-3.5-sonnet"},
		Strategy:        session.StrategyParallel,
	}
	if err := s.CreateSession(context.Background(), &sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := newPendingSession(t, s, "u1")

	if err := s.MarkRunning(ctx, sess.ID, "initializing"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != session.StatusRunning || got.Progress != 5 || got.StartedAt == nil {
		t.Fatalf("running session malformed: %+v", got)
	}

	results := session.Results{"gpt-4": {"BrewHaven", "CafeNova"}}
	meta := &session.ExecMeta{TotalCents: 3, ElapsedMS: 120}
	if err := s.CompleteSession(ctx, sess.ID, results, meta); err != nil {
		t.Fatalf("complete session: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get completed: %v", err)
	}
	if got.Status != session.StatusCompleted || got.Progress != 100 || got.CompletedAt == nil {
		t.Fatalf("completed session malformed: %+v", got)
	}
	if len(got.Results["gpt-4"]) != 2 {
		t.Fatalf("results lost: %+v", got.Results)
	}
	if got.ExecMeta == nil || got.ExecMeta.TotalCents != 3 {
		t.Fatalf("exec meta lost: %+v", got.ExecMeta)
	}
}

func TestTerminalSessionsAreImmutable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := newPendingSession(t, s, "u1")

	if err := s.MarkRunning(ctx, sess.ID, "init"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := s.CompleteSession(ctx, sess.ID, session.Results{"gpt-4": {"A"}}, &session.ExecMeta{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := s.CancelSession(ctx, sess.ID); !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("cancelling a completed session must be rejected, got %v", err)
	}
	if err := s.FailSession(ctx, sess.ID, "late failure"); !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("failing a completed session must be rejected, got %v", err)
	}
	if err := s.CompleteSession(ctx, sess.ID, nil, nil); !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("double completion must be rejected, got %v", err)
	}

	if ok, err := s.UpdateProgress(ctx, sess.ID, 50, "late model"); err != nil || ok {
		t.Fatalf("progress update on terminal session must be discarded: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Progress != 100 || got.Status != session.StatusCompleted {
		t.Fatalf("terminal session mutated: %+v", got)
	}
}

func TestCancelPendingSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := newPendingSession(t, s, "u1")

	if err := s.CancelSession(ctx, sess.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if err := s.MarkRunning(ctx, sess.ID, "init"); !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("cancelled session must not start running, got %v", err)
	}
}

func TestProgressNeverGoesBackwards(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sess := newPendingSession(t, s, "u1")
	if err := s.MarkRunning(ctx, sess.ID, "init"); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if ok, err := s.UpdateProgress(ctx, sess.ID, 50, "two of four"); err != nil || !ok {
		t.Fatalf("forward update should apply: ok=%v err=%v", ok, err)
	}
	if ok, err := s.UpdateProgress(ctx, sess.ID, 30, "stale"); err != nil || ok {
		t.Fatalf("backward update must be discarded: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Progress != 50 || got.CurrentStep != "two of four" {
		t.Fatalf("stale update leaked through: %+v", got)
	}
}

func TestTransitionOnMissingSession(t *testing.T) {
	s := testStore(t)
	if err := s.MarkRunning(context.Background(), "gen_missing", "init"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCountActiveSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := newPendingSession(t, s, "u1")
	newPendingSession(t, s, "u1")
	newPendingSession(t, s, "u2")

	n, err := s.CountActiveSessions(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 active for u1, got %d err=%v", n, err)
	}

	if err := s.CancelSession(ctx, a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	n, err = s.CountActiveSessions(ctx, "u1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 active after cancel, got %d err=%v", n, err)
	}
}

func TestGenerationCacheRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	results := session.Results{"gpt-4": {"BrewHaven", "CafeNova"}}

	if err := s.PutGenerationResults(ctx, "hash1", results, time.Now().UTC()); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetGenerationResults(ctx, "hash1", time.Hour)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got["gpt-4"]) != 2 {
		t.Fatalf("cached results mangled: %+v", got)
	}

	if _, err := s.GetGenerationResults(ctx, "absent", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on miss, got %v", err)
	}
}

func TestGenerationCacheExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-61 * time.Minute)
	if err := s.PutGenerationResults(ctx, "hash1", session.Results{"m": {"A"}}, stale); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.GetGenerationResults(ctx, "hash1", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired entry must be invisible, got %v", err)
	}
}

func TestDomainCacheExpiryBoundary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ttl := 24 * time.Hour

	if err := s.PutDomainAvailability(ctx, "stale.com", true, time.Now().UTC().Add(-ttl-time.Second)); err != nil {
		t.Fatalf("put stale: %v", err)
	}
	if _, err := s.GetDomainAvailability(ctx, "stale.com", ttl); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entry one second past the TTL must be expired, got %v", err)
	}

	if err := s.PutDomainAvailability(ctx, "fresh.com", false, time.Now().UTC().Add(-ttl+time.Minute)); err != nil {
		t.Fatalf("put fresh: %v", err)
	}
	available, err := s.GetDomainAvailability(ctx, "fresh.com", ttl)
	if err != nil {
		t.Fatalf("entry inside the TTL must be fresh: %v", err)
	}
	if available {
		t.Fatal("availability flipped in cache")
	}
}

func TestPurgeExpiredCache(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_ = s.PutGenerationResults(ctx, "old", session.Results{"m": {"A"}}, time.Now().UTC().Add(-2*time.Hour))
	_ = s.PutGenerationResults(ctx, "new", session.Results{"m": {"B"}}, time.Now().UTC())
	_ = s.PutDomainAvailability(ctx, "old.com", true, time.Now().UTC().Add(-48*time.Hour))

	purged, err := s.PurgeExpiredCache(ctx, time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged rows, got %d", purged)
	}
	if _, err := s.GetGenerationResults(ctx, "new", time.Hour); err != nil {
		t.Fatalf("fresh entry must survive purge: %v", err)
	}
}

func TestModelConfigsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	enc := "envelope-json"
	rec := ModelConfigRecord{
		ID: "gpt-4", DisplayName: "GPT-4", Provider: "openai", Kind: "openai_compat",
		BaseURL: "https://api.openai.com/v1", EncAPIKey: &enc, Enabled: true,
		MaxTokens: 1024, Temperature: 0.7, CostPer1KCents: 3, RatePerMinute: 60, TimeoutSeconds: 30,
	}
	if err := s.UpsertModelConfig(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	list, err := s.ListModelConfigs(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: n=%d err=%v", len(list), err)
	}
	if list[0].EncAPIKey == nil || *list[0].EncAPIKey != enc {
		t.Fatalf("encrypted key lost: %+v", list[0])
	}

	if err := s.SetModelFlags(ctx, "gpt-4", true, true); err != nil {
		t.Fatalf("set flags: %v", err)
	}
	list, _ = s.ListModelConfigs(ctx)
	if !list[0].Maintenance {
		t.Fatal("maintenance flag not persisted")
	}

	if err := s.SetModelFlags(ctx, "nope", true, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown model, got %v", err)
	}
}

func TestPreferencesLazyCreate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetPreferences(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before create, got %v", err)
	}

	rec := PreferencesRecord{
		UserID:              "u1",
		PreferredModelsJSON: `["gpt-4"]`,
		PrioritiesJSON:      `{}`,
		DefaultMode:         "creative",
		CustomParamsJSON:    `{}`,
		NotificationsJSON:   `{}`,
		MaxConcurrent:       3,
	}
	if err := s.InsertPreferencesIfAbsent(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Second insert is a no-op, not an error.
	rec2 := rec
	rec2.MaxConcurrent = 99
	if err := s.InsertPreferencesIfAbsent(ctx, rec2); err != nil {
		t.Fatalf("insert#2: %v", err)
	}

	got, err := s.GetPreferences(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MaxConcurrent != 3 {
		t.Fatalf("first insert must win, got %+v", got)
	}

	got.MaxConcurrent = 5
	if err := s.UpdatePreferences(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetPreferences(ctx, "u1")
	if got.MaxConcurrent != 5 {
		t.Fatalf("update not persisted: %+v", got)
	}
}

func TestInsertUsage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	entries := []UsageEntry{
		{SessionID: "gen_a", UserID: "u1", ModelID: "gpt-4", Tokens: 900, CostCents: 3},
		{SessionID: "gen_a", UserID: "u1", ModelID: "claude-3.5-sonnet", Tokens: 700, CostCents: 2},
	}
	if err := s.InsertUsage(ctx, entries); err != nil {
		t.Fatalf("insert usage: %v", err)
	}
	var n int
	if err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM usage_log").Scan(&n); err != nil || n != 2 {
		t.Fatalf("usage rows = %d err=%v", n, err)
	}
}
