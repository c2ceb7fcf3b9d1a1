// Package sampler resolves per-model LLM sampling parameters through a
// layered precedence chain: a database override saved via the admin
// surface, then deployment-time environment variables, then hardcoded
// defaults. The agent executor asks this package for a SamplerConfig
// once per (provider, model) pair rather than hardcoding temperature
// and friends inline.
package sampler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/textfortress/mailgw/internal/sqlitedriver"
)

const schema = `
CREATE TABLE IF NOT EXISTS ai_sampler_configs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	provider         TEXT NOT NULL,
	model_name       TEXT NOT NULL,
	temperature      REAL,
	top_p            REAL,
	top_k            INTEGER,
	min_p            REAL,
	typical_p        REAL,
	repeat_penalty   REAL,
	num_ctx          INTEGER,
	max_tokens       INTEGER,
	think_mode       INTEGER NOT NULL DEFAULT 0,
	stop_sequences   TEXT NOT NULL DEFAULT '[]',
	system_prompt    TEXT,
	provider_options TEXT NOT NULL DEFAULT '{}',
	description      TEXT,
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(provider, model_name)
);
`

// defaults mirrors the code-level fallbacks used when neither a
// database row nor an environment variable supplies a value.
const (
	defaultTemperature   = 0.7
	defaultTopP          = 1.0
	defaultMinP          = 0.01
	defaultRepeatPenalty = 1.0
	defaultNumCtx        = 8192
	defaultThinkMode     = false
)

// Config is the resolved sampler configuration for one provider/model
// pair. Pointer fields distinguish "unset, fall through" from an
// explicit zero value.
type Config struct {
	ID              *int64
	Provider        string
	ModelName       string
	Temperature     *float64
	TopP            *float64
	TopK            *int
	MinP            *float64
	TypicalP        *float64
	RepeatPenalty   *float64
	NumCtx          *int
	MaxTokens       *int
	ThinkMode       bool
	StopSequences   []string
	SystemPrompt    string
	ProviderOptions map[string]any
	Description     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// configRow is the sqlx scan target for ai_sampler_configs; StopSequences
// and ProviderOptions are stored as JSON text and decoded on read.
type configRow struct {
	ID              int64          `db:"id"`
	Provider        string         `db:"provider"`
	ModelName       string         `db:"model_name"`
	Temperature     sql.NullFloat64 `db:"temperature"`
	TopP            sql.NullFloat64 `db:"top_p"`
	TopK            sql.NullInt64   `db:"top_k"`
	MinP            sql.NullFloat64 `db:"min_p"`
	TypicalP        sql.NullFloat64 `db:"typical_p"`
	RepeatPenalty   sql.NullFloat64 `db:"repeat_penalty"`
	NumCtx          sql.NullInt64   `db:"num_ctx"`
	MaxTokens       sql.NullInt64   `db:"max_tokens"`
	ThinkMode       int             `db:"think_mode"`
	StopSequences   string          `db:"stop_sequences"`
	SystemPrompt    sql.NullString  `db:"system_prompt"`
	ProviderOptions string          `db:"provider_options"`
	Description     sql.NullString  `db:"description"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r configRow) toConfig() Config {
	var stopSeq []string
	_ = json.Unmarshal([]byte(r.StopSequences), &stopSeq)
	providerOpts := map[string]any{}
	_ = json.Unmarshal([]byte(r.ProviderOptions), &providerOpts)

	c := Config{
		ID:              &r.ID,
		Provider:        r.Provider,
		ModelName:       r.ModelName,
		ThinkMode:       r.ThinkMode != 0,
		StopSequences:   stopSeq,
		ProviderOptions: providerOpts,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Temperature.Valid {
		c.Temperature = &r.Temperature.Float64
	}
	if r.TopP.Valid {
		c.TopP = &r.TopP.Float64
	}
	if r.TopK.Valid {
		v := int(r.TopK.Int64)
		c.TopK = &v
	}
	if r.MinP.Valid {
		c.MinP = &r.MinP.Float64
	}
	if r.TypicalP.Valid {
		c.TypicalP = &r.TypicalP.Float64
	}
	if r.RepeatPenalty.Valid {
		c.RepeatPenalty = &r.RepeatPenalty.Float64
	}
	if r.NumCtx.Valid {
		v := int(r.NumCtx.Int64)
		c.NumCtx = &v
	}
	if r.MaxTokens.Valid {
		v := int(r.MaxTokens.Int64)
		c.MaxTokens = &v
	}
	if r.SystemPrompt.Valid {
		c.SystemPrompt = r.SystemPrompt.String
	}
	if r.Description.Valid {
		c.Description = r.Description.String
	}
	return c
}

// New returns a bare config for provider/model with no overrides set.
func New(provider, modelName string) Config {
	return Config{Provider: provider, ModelName: modelName, ProviderOptions: map[string]any{}}
}

func envFloat(name string) *float64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func envInt(name string) *int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &i
}

func floatOr(v *float64, fallback float64) float64 {
	if v != nil {
		return *v
	}
	return fallback
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

// FromEnvDefaults builds a config for provider/model from
// SAMPLER_DEFAULT_* environment variables, falling back to code
// defaults for any variable that is unset or unparsable.
func FromEnvDefaults(provider, modelName string) Config {
	c := New(provider, modelName)

	temp := floatOr(envFloat("SAMPLER_DEFAULT_TEMPERATURE"), defaultTemperature)
	c.Temperature = &temp

	topP := floatOr(envFloat("SAMPLER_DEFAULT_TOP_P"), defaultTopP)
	c.TopP = &topP

	c.TopK = envInt("SAMPLER_DEFAULT_TOP_K")

	minP := floatOr(envFloat("SAMPLER_DEFAULT_MIN_P"), defaultMinP)
	c.MinP = &minP

	c.TypicalP = envFloat("SAMPLER_DEFAULT_TYPICAL_P")

	repeatPenalty := floatOr(envFloat("SAMPLER_DEFAULT_REPEAT_PENALTY"), defaultRepeatPenalty)
	c.RepeatPenalty = &repeatPenalty

	numCtx := intOr(envInt("SAMPLER_DEFAULT_NUM_CTX"), defaultNumCtx)
	c.NumCtx = &numCtx

	c.MaxTokens = envInt("SAMPLER_DEFAULT_MAX_TOKENS")

	if v, ok := os.LookupEnv("SAMPLER_DEFAULT_THINK_MODE"); ok {
		c.ThinkMode = strings.EqualFold(v, "true") || v == "1"
	} else {
		c.ThinkMode = defaultThinkMode
	}

	if v, ok := os.LookupEnv("SAMPLER_DEFAULT_SYSTEM_PROMPT"); ok {
		c.SystemPrompt = v
	}

	return c
}

// EffectiveTemperature resolves temperature through config, then
// environment, then the code default, mirroring the other Effective*
// accessors below.
func (c Config) EffectiveTemperature() float64 {
	if c.Temperature != nil {
		return *c.Temperature
	}
	return floatOr(envFloat("SAMPLER_DEFAULT_TEMPERATURE"), defaultTemperature)
}

func (c Config) EffectiveTopP() float64 {
	if c.TopP != nil {
		return *c.TopP
	}
	return floatOr(envFloat("SAMPLER_DEFAULT_TOP_P"), defaultTopP)
}

func (c Config) EffectiveMinP() float64 {
	if c.MinP != nil {
		return *c.MinP
	}
	return floatOr(envFloat("SAMPLER_DEFAULT_MIN_P"), defaultMinP)
}

func (c Config) EffectiveRepeatPenalty() float64 {
	if c.RepeatPenalty != nil {
		return *c.RepeatPenalty
	}
	return floatOr(envFloat("SAMPLER_DEFAULT_REPEAT_PENALTY"), defaultRepeatPenalty)
}

func (c Config) EffectiveNumCtx() int {
	if c.NumCtx != nil {
		return *c.NumCtx
	}
	return intOr(envInt("SAMPLER_DEFAULT_NUM_CTX"), defaultNumCtx)
}

// EffectiveThinkMode returns ThinkMode directly: unlike the numeric
// fields it's never unset, just false by default.
func (c Config) EffectiveThinkMode() bool { return c.ThinkMode }

// Store resolves and persists per-model sampler overrides in SQLite.
type Store struct {
	db *sqlx.DB
}

// Open creates (if needed) and opens the sampler config database.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Connect(sqlitedriver.DriverName, dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sampler database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sampler schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the database override for provider/model if one exists,
// otherwise environment-variable defaults.
func (s *Store) Get(ctx context.Context, provider, modelName string) (Config, error) {
	var row configRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM ai_sampler_configs WHERE provider = ? AND model_name = ?`,
		provider, modelName)
	if err == sql.ErrNoRows {
		return FromEnvDefaults(provider, modelName), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("query sampler config: %w", err)
	}
	return row.toConfig(), nil
}

// Save upserts a sampler config override, returning its row id.
func (s *Store) Save(ctx context.Context, c Config) (int64, error) {
	stopSeq, err := json.Marshal(c.StopSequences)
	if err != nil {
		return 0, fmt.Errorf("marshal stop sequences: %w", err)
	}
	providerOpts, err := json.Marshal(c.ProviderOptions)
	if err != nil {
		return 0, fmt.Errorf("marshal provider options: %w", err)
	}

	think := 0
	if c.ThinkMode {
		think = 1
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO ai_sampler_configs
		(provider, model_name, temperature, top_p, top_k, min_p, typical_p, repeat_penalty,
		 num_ctx, max_tokens, think_mode, stop_sequences, system_prompt, provider_options, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, model_name) DO UPDATE SET
			temperature = excluded.temperature, top_p = excluded.top_p, top_k = excluded.top_k,
			min_p = excluded.min_p, typical_p = excluded.typical_p, repeat_penalty = excluded.repeat_penalty,
			num_ctx = excluded.num_ctx, max_tokens = excluded.max_tokens, think_mode = excluded.think_mode,
			stop_sequences = excluded.stop_sequences, system_prompt = excluded.system_prompt,
			provider_options = excluded.provider_options, description = excluded.description,
			updated_at = CURRENT_TIMESTAMP`,
		c.Provider, c.ModelName, c.Temperature, c.TopP, c.TopK, c.MinP, c.TypicalP, c.RepeatPenalty,
		c.NumCtx, c.MaxTokens, think, string(stopSeq), nullableString(c.SystemPrompt), string(providerOpts),
		nullableString(c.Description))
	if err != nil {
		return 0, fmt.Errorf("save sampler config: %w", err)
	}
	return res.LastInsertId()
}

// List returns every saved override, optionally filtered to a single
// provider when provider is non-empty.
func (s *Store) List(ctx context.Context, provider string) ([]Config, error) {
	var rows []configRow
	var err error
	if provider == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM ai_sampler_configs ORDER BY provider, model_name`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM ai_sampler_configs WHERE provider = ? ORDER BY model_name`, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("list sampler configs: %w", err)
	}

	out := make([]Config, len(rows))
	for i, r := range rows {
		out[i] = r.toConfig()
	}
	return out, nil
}

// ErrNotFound is returned by Delete when no matching override exists.
var ErrNotFound = fmt.Errorf("sampler: config not found")

// Delete removes a saved override, returning ErrNotFound if none matched.
func (s *Store) Delete(ctx context.Context, provider, modelName string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ai_sampler_configs WHERE provider = ? AND model_name = ?`,
		provider, modelName)
	if err != nil {
		return fmt.Errorf("delete sampler config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete sampler config: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnvDefaults returns the sampler config built purely from environment
// variables, used to show operators the effective fallback settings.
func EnvDefaults() Config {
	return FromEnvDefaults("env", "defaults")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
