package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/textfortress/mailgw/internal/credstore"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func minimalAccountYAML(extra string) string {
	return "accounts:\n" +
		"  - id: personal\n" +
		"    host: imap.example.com\n" +
		"    username: alice@example.com\n" +
		"    password: hunter2\n" +
		extra
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("accounts:\n"+
		"  - id: personal\n"+
		"    host: imap.example.com\n"+
		"    username: alice@example.com\n"+
		"    password: ${MAILGW_TEST_PASSWORD}\n"), 0600)
	os.Setenv("MAILGW_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("MAILGW_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Accounts[0].Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Accounts[0].Password, "secret123")
	}
}

func TestLoad_DecryptsAccountPassword(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	var nonce [24]byte
	nonce[0] = 7
	sealed := credstore.Encrypt("decrypted-secret", key, nonce)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "accounts:\n" +
		"  - id: personal\n" +
		"    host: imap.example.com\n" +
		"    username: alice@example.com\n" +
		"    password_encrypted: \"" + sealed + "\"\n"
	os.WriteFile(path, []byte(yamlContent), 0600)

	t.Setenv("MAILGW_CREDENTIAL_KEY", base64.StdEncoding.EncodeToString(key[:]))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Accounts[0].Password != "decrypted-secret" {
		t.Errorf("password = %q, want %q", cfg.Accounts[0].Password, "decrypted-secret")
	}
}

func TestLoad_EncryptedPasswordWithoutKeyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "accounts:\n" +
		"  - id: personal\n" +
		"    host: imap.example.com\n" +
		"    username: alice@example.com\n" +
		"    password_encrypted: \"deadbeef\"\n"
	os.WriteFile(path, []byte(yamlContent), 0600)

	os.Unsetenv("MAILGW_CREDENTIAL_KEY")

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail without MAILGW_CREDENTIAL_KEY")
	}
}

func TestLoad_AppliesAccountDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(minimalAccountYAML("")), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	acct := cfg.Accounts[0]
	if acct.Port != 993 {
		t.Errorf("port = %d, want 993", acct.Port)
	}
	if !acct.TLS {
		t.Error("tls should default to true for port 993")
	}
	if acct.Email != "alice@example.com" {
		t.Errorf("email = %q, want %q", acct.Email, "alice@example.com")
	}
	if acct.MinConnections != cfg.Pool.MinConnections {
		t.Errorf("min_connections = %d, want %d", acct.MinConnections, cfg.Pool.MinConnections)
	}
}

func TestLoad_Port143DefaultsTLSFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(minimalAccountYAML("    port: 143\n")), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Accounts[0].TLS {
		t.Error("tls should default to false for port 143")
	}
}

func TestApplyDefaults_PoolAndCache(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{{ID: "a", Host: "h", Username: "u"}}}
	cfg.applyDefaults()

	if cfg.Pool.MinConnections != 2 {
		t.Errorf("pool.min_connections = %d, want 2", cfg.Pool.MinConnections)
	}
	if cfg.Pool.MaxConnections != 10 {
		t.Errorf("pool.max_connections = %d, want 10", cfg.Pool.MaxConnections)
	}
	if cfg.Cache.DatabasePath != "data/mail_cache.db" {
		t.Errorf("cache.database_path = %q, want %q", cfg.Cache.DatabasePath, "data/mail_cache.db")
	}
	if cfg.Attachments.StorageRoot != "attachments" {
		t.Errorf("attachments.storage_root = %q, want %q", cfg.Attachments.StorageRoot, "attachments")
	}
	if cfg.MCP.HTTPAddress != ":8090" {
		t.Errorf("mcp.http_address = %q, want %q", cfg.MCP.HTTPAddress, ":8090")
	}
	if cfg.Agent.MaxIterations != 1000 {
		t.Errorf("agent.max_iterations = %d, want 1000", cfg.Agent.MaxIterations)
	}
}

func TestApplyDefaults_MaxIterationsFromEnv(t *testing.T) {
	os.Setenv("AGENT_MAX_ITERATIONS", "25")
	defer os.Unsetenv("AGENT_MAX_ITERATIONS")

	cfg := &Config{Accounts: []AccountConfig{{ID: "a", Host: "h", Username: "u"}}}
	cfg.applyDefaults()

	if cfg.Agent.MaxIterations != 25 {
		t.Errorf("agent.max_iterations = %d, want 25", cfg.Agent.MaxIterations)
	}
}

func TestApplyDefaults_MaxIterationsInvalidEnvFallsBack(t *testing.T) {
	os.Setenv("AGENT_MAX_ITERATIONS", "not-a-number")
	defer os.Unsetenv("AGENT_MAX_ITERATIONS")

	cfg := &Config{Accounts: []AccountConfig{{ID: "a", Host: "h", Username: "u"}}}
	cfg.applyDefaults()

	if cfg.Agent.MaxIterations != 1000 {
		t.Errorf("agent.max_iterations = %d, want 1000 fallback", cfg.Agent.MaxIterations)
	}
}

func TestValidate_MissingAccountID(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{{Host: "h", Username: "u", Port: 993, MaxConnections: 10}}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "id must not be empty") {
		t.Fatalf("expected id validation error, got: %v", err)
	}
}

func TestValidate_DuplicateAccountID(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{
		{ID: "a", Host: "h1", Username: "u1", Port: 993, MaxConnections: 10},
		{ID: "a", Host: "h2", Username: "u2", Port: 993, MaxConnections: 10},
	}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate id error, got: %v", err)
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{{ID: "a", Host: "h", Username: "u", Port: 70000, MaxConnections: 10}}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("expected port range error, got: %v", err)
	}
}

func TestValidate_MaxLessThanMin(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{{ID: "a", Host: "h", Username: "u", Port: 993, MinConnections: 5, MaxConnections: 1}}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_connections") {
		t.Fatalf("expected max < min error, got: %v", err)
	}
}

func TestValidate_MultipleDefaults(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{
		{ID: "a", Host: "h1", Username: "u1", Port: 993, MaxConnections: 10, Default: true},
		{ID: "b", Host: "h2", Username: "u2", Port: 993, MaxConnections: 10, Default: true},
	}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "at most one account") {
		t.Fatalf("expected multiple-default error, got: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := &Config{
		Accounts: []AccountConfig{{ID: "a", Host: "h", Username: "u", Port: 993, MaxConnections: 10}},
		LogLevel: "shouty",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestDefaultAccountID(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{
		{ID: "a"},
		{ID: "b", Default: true},
		{ID: "c"},
	}}
	if got := cfg.DefaultAccountID(); got != "b" {
		t.Errorf("DefaultAccountID() = %q, want %q", got, "b")
	}
}

func TestDefaultAccountID_FallsBackToFirst(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{{ID: "a"}, {ID: "b"}}}
	if got := cfg.DefaultAccountID(); got != "a" {
		t.Errorf("DefaultAccountID() = %q, want %q", got, "a")
	}
}

func TestDefaultAccountID_Empty(t *testing.T) {
	cfg := &Config{}
	if got := cfg.DefaultAccountID(); got != "" {
		t.Errorf("DefaultAccountID() = %q, want empty", got)
	}
}

func TestConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"configured", Config{Accounts: []AccountConfig{{Host: "h", Username: "u"}}}, true},
		{"no username", Config{Accounts: []AccountConfig{{Host: "h"}}}, false},
		{"no accounts", Config{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
