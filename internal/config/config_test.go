package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `
[sentinelone]
host    = "https://usea1.sentinelone.net/"
api_key = "s1-test"

[connectwise]
host                 = "api-na.myconnectwise.net"
company_id           = "acmemsp"
public_key           = "pub"
private_key          = "priv"
client_id            = "client-123"
board                = "Security"
new_status           = "New"
catch_all_company_id = 250
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "threatlink.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig+`
[run]
concurrency = 8

[logging]
level = "DEBUG"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SentinelOne.Host != "usea1.sentinelone.net" {
		t.Errorf("sentinelone.host = %q, want scheme and slash stripped", cfg.SentinelOne.Host)
	}
	if cfg.ConnectWise.CatchAllCompanyID != 250 {
		t.Errorf("catch_all_company_id = %d, want 250", cfg.ConnectWise.CatchAllCompanyID)
	}
	if cfg.Run.Concurrency != 8 {
		t.Errorf("concurrency = %d, want 8", cfg.Run.Concurrency)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want normalized %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SentinelOne.APIVersion != "v2.1" {
		t.Errorf("api_version = %q, want v2.1", cfg.SentinelOne.APIVersion)
	}
	if cfg.SentinelOne.PageLimit != 300 {
		t.Errorf("page_limit = %d, want 300", cfg.SentinelOne.PageLimit)
	}
	if cfg.ConnectWise.EntryPoint != "v4_6_release" {
		t.Errorf("entry_point = %q, want v4_6_release", cfg.ConnectWise.EntryPoint)
	}
	if cfg.ConnectWise.PriorityID != 1 {
		t.Errorf("priority_id = %d, want default 1", cfg.ConnectWise.PriorityID)
	}
	if cfg.Run.WindowHour != 6 {
		t.Errorf("window_hour = %d, want 6", cfg.Run.WindowHour)
	}
	if cfg.Run.PlatformName != "Sentinel One" {
		t.Errorf("platform_name = %q", cfg.Run.PlatformName)
	}
	if cfg.Logging.Dir != "logs" {
		t.Errorf("logging.dir = %q, want logs", cfg.Logging.Dir)
	}
	if cfg.SentinelOneTimeout().Seconds() != 20 {
		t.Errorf("sentinelone timeout = %s, want 20s", cfg.SentinelOneTimeout())
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		drop    string
		wantKey string
	}{
		{"s1 host", `host    = "https://usea1.sentinelone.net/"`, "sentinelone.host"},
		{"s1 key", `api_key = "s1-test"`, "sentinelone.api_key"},
		{"cw board", `board                = "Security"`, "connectwise.board"},
		{"cw client", `client_id            = "client-123"`, "connectwise.client_id"},
		{"catch-all", `catch_all_company_id = 250`, "connectwise.catch_all_company_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := strings.Replace(validConfig, tt.drop, "", 1)
			_, err := Load(writeTestConfig(t, content))
			if err == nil {
				t.Fatalf("expected error when %s is missing", tt.wantKey)
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("error should name %s, got: %v", tt.wantKey, err)
			}
		})
	}
}

func TestLoad_InvalidRanges(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"page limit", strings.Replace(validConfig, `api_key = "s1-test"`, "api_key = \"s1-test\"\npage_limit = 5000", 1)},
		{"window hour", validConfig + "\n[run]\nwindow_hour = 24\n"},
		{"retries", validConfig + "\n[run]\nretries = 9\n"},
		{"log level", validConfig + "\n[logging]\nlevel = \"trace\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeTestConfig(t, tt.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeTestConfig(t, validConfig)

	t.Setenv("THREATLINK_S1_API_KEY", "from-env")
	t.Setenv("THREATLINK_CW_CATCH_ALL_ID", "999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SentinelOne.APIKey != "from-env" {
		t.Errorf("api_key = %q, want %q (env override)", cfg.SentinelOne.APIKey, "from-env")
	}
	if cfg.ConnectWise.CatchAllCompanyID != 999 {
		t.Errorf("catch_all_company_id = %d, want 999 (env override)", cfg.ConnectWise.CatchAllCompanyID)
	}
}

func TestLoad_EnvOverrideNotInteger(t *testing.T) {
	t.Setenv("THREATLINK_CW_PRIORITY_ID", "high")

	_, err := Load(writeTestConfig(t, validConfig))
	if err == nil {
		t.Fatal("expected error for non-integer priority id")
	}
	if !strings.Contains(err.Error(), "THREATLINK_CW_PRIORITY_ID") {
		t.Errorf("error should name the variable, got: %v", err)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("THREATLINK_S1_HOST", "usea1.sentinelone.net")
	t.Setenv("THREATLINK_S1_API_KEY", "k")
	t.Setenv("THREATLINK_CW_HOST", "api-na.myconnectwise.net")
	t.Setenv("THREATLINK_CW_COMPANY_ID", "acmemsp")
	t.Setenv("THREATLINK_CW_PUBLIC_KEY", "pub")
	t.Setenv("THREATLINK_CW_PRIVATE_KEY", "priv")
	t.Setenv("THREATLINK_CW_CLIENT_ID", "cid")
	t.Setenv("THREATLINK_CW_CATCH_ALL_ID", "1")

	// board and new_status have no env override
	if _, err := Load(""); err == nil {
		t.Fatal("expected error: board is required")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/threatlink.toml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	errMsg := err.Error()
	if !strings.Contains(errMsg, "not found") {
		t.Errorf("error should mention 'not found', got: %s", errMsg)
	}
	if !strings.Contains(errMsg, "threatlink.example.toml") {
		t.Errorf("error should mention threatlink.example.toml, got: %s", errMsg)
	}
}

func TestRequireCompletedStatus(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.RequireCompletedStatus(); err == nil {
		t.Error("expected error without completed_status")
	}

	cfg.ConnectWise.CompletedStatus = "Completed"
	if err := cfg.RequireCompletedStatus(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
