package modelconfig

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "modelconfig.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), RoleToolCalling); err != ErrNotFound {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestStore_SetAndGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := Config{
		Role:      RoleToolCalling,
		Provider:  "ollama",
		ModelName: "qwen3:4b-q8_0",
		BaseURL:   sql.NullString{String: "http://localhost:11434", Valid: true},
	}
	if err := s.Set(ctx, cfg); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, RoleToolCalling)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Provider != "ollama" || got.ModelName != "qwen3:4b-q8_0" {
		t.Errorf("got = %+v", got)
	}
	if !got.BaseURL.Valid || got.BaseURL.String != "http://localhost:11434" {
		t.Errorf("BaseURL = %+v", got.BaseURL)
	}
}

func TestStore_Set_UpsertsOnRepeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, Config{Role: RoleDrafting, Provider: "ollama", ModelName: "a"})
	s.Set(ctx, Config{Role: RoleDrafting, Provider: "openai", ModelName: "gpt-4o"})

	got, err := s.Get(ctx, RoleDrafting)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Provider != "openai" || got.ModelName != "gpt-4o" {
		t.Errorf("expected upsert to win, got %+v", got)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(all))
	}
}

func TestConfig_AdditionalOptions(t *testing.T) {
	cfg := Config{AdditionalConfig: sql.NullString{String: `{"reasoning_effort":"low"}`, Valid: true}}
	opts, err := cfg.AdditionalOptions()
	if err != nil {
		t.Fatalf("AdditionalOptions: %v", err)
	}
	if opts["reasoning_effort"] != "low" {
		t.Errorf("opts = %v", opts)
	}

	empty := Config{}
	opts, err = empty.AdditionalOptions()
	if err != nil {
		t.Fatalf("AdditionalOptions (empty): %v", err)
	}
	if len(opts) != 0 {
		t.Errorf("expected empty map, got %v", opts)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, Config{Role: RoleToolCalling, Provider: "ollama", ModelName: "a"})
	if err := s.Delete(ctx, RoleToolCalling); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, RoleToolCalling); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on repeat delete, got %v", err)
	}
}
