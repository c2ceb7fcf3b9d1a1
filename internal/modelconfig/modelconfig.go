// Package modelconfig resolves which provider and model serve a given
// role — "tool_calling" for the agent executor's iterative loop,
// "drafting" for one-shot reply composition — from a small database
// table an operator edits through the admin surface.
package modelconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/textfortress/mailgw/internal/sqlitedriver"
)

const schema = `
CREATE TABLE IF NOT EXISTS ai_model_configurations (
	role               TEXT PRIMARY KEY,
	provider           TEXT NOT NULL,
	model_name         TEXT NOT NULL,
	base_url           TEXT,
	api_key            TEXT,
	additional_config  TEXT,
	updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Well-known roles the agent executor and drafting tools look up.
const (
	RoleToolCalling = "tool_calling"
	RoleDrafting    = "drafting"
)

// Config is the model bound to one role.
type Config struct {
	Role             string         `db:"role"`
	Provider         string         `db:"provider"`
	ModelName        string         `db:"model_name"`
	BaseURL          sql.NullString `db:"base_url"`
	APIKey           sql.NullString `db:"api_key"`
	AdditionalConfig sql.NullString `db:"additional_config"`
}

// AdditionalOptions unmarshals AdditionalConfig as a JSON object.
// Returns an empty map if no additional config was stored.
func (c Config) AdditionalOptions() (map[string]any, error) {
	out := map[string]any{}
	if !c.AdditionalConfig.Valid || c.AdditionalConfig.String == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(c.AdditionalConfig.String), &out); err != nil {
		return nil, fmt.Errorf("decode additional_config: %w", err)
	}
	return out, nil
}

// ErrNotFound is returned by Get when no configuration has been set
// for the requested role.
var ErrNotFound = errors.New("modelconfig: no configuration for role")

// Store persists model configurations in a SQLite database.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the model configuration database at path.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Connect(sqlitedriver.DriverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open model config database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create model config schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the configuration bound to role, or ErrNotFound if none
// has been set.
func (s *Store) Get(ctx context.Context, role string) (Config, error) {
	var c Config
	err := s.db.GetContext(ctx, &c,
		`SELECT role, provider, model_name, base_url, api_key, additional_config
		 FROM ai_model_configurations WHERE role = ?`, role)
	if errors.Is(err, sql.ErrNoRows) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, fmt.Errorf("get model config for role %q: %w", role, err)
	}
	return c, nil
}

// Set upserts the configuration for cfg.Role.
func (s *Store) Set(ctx context.Context, cfg Config) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_model_configurations (role, provider, model_name, base_url, api_key, additional_config)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(role) DO UPDATE SET
		   provider = excluded.provider,
		   model_name = excluded.model_name,
		   base_url = excluded.base_url,
		   api_key = excluded.api_key,
		   additional_config = excluded.additional_config,
		   updated_at = CURRENT_TIMESTAMP`,
		cfg.Role, cfg.Provider, cfg.ModelName, cfg.BaseURL, cfg.APIKey, cfg.AdditionalConfig)
	if err != nil {
		return fmt.Errorf("set model config for role %q: %w", cfg.Role, err)
	}
	return nil
}

// List returns every configured role, ordered by role name.
func (s *Store) List(ctx context.Context) ([]Config, error) {
	var configs []Config
	err := s.db.SelectContext(ctx, &configs,
		`SELECT role, provider, model_name, base_url, api_key, additional_config
		 FROM ai_model_configurations ORDER BY role`)
	if err != nil {
		return nil, fmt.Errorf("list model configs: %w", err)
	}
	return configs, nil
}

// Delete removes the configuration for role. Returns ErrNotFound if
// no row existed.
func (s *Store) Delete(ctx context.Context, role string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ai_model_configurations WHERE role = ?`, role)
	if err != nil {
		return fmt.Errorf("delete model config for role %q: %w", role, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
