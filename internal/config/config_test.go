package config

import (
	"testing"
	"time"
)

func TestDeriveWSBaseURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/api/v1":    "ws://localhost:8080",
		"https://chat.example.com/api/v2": "wss://chat.example.com",
		"http://localhost:8080":           "ws://localhost:8080",
		"https://host/prefix/api/v1/":     "wss://host/prefix",
	}
	for in, want := range cases {
		if got := DeriveWSBaseURL(in); got != want {
			t.Fatalf("DeriveWSBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadClientDefaults(t *testing.T) {
	t.Setenv("CHAT_API_BASE_URL", "")
	t.Setenv("CHAT_WS_BASE_URL", "")
	t.Setenv("CHAT_TOKEN", "")
	t.Setenv("CHAT_USER_ID", "")
	t.Setenv("CHAT_PAGE_SIZE", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Client.APIBaseURL != "http://localhost:8080/api/v1" {
		t.Fatalf("unexpected api base: %s", cfg.Client.APIBaseURL)
	}
	if cfg.Client.WSBaseURL != "ws://localhost:8080" {
		t.Fatalf("unexpected ws base: %s", cfg.Client.WSBaseURL)
	}
	if cfg.Client.PageSize != 20 {
		t.Fatalf("unexpected page size: %d", cfg.Client.PageSize)
	}
	if cfg.Client.ParticipantRetryInterval != time.Second || cfg.Client.ParticipantRetryAttempts != 5 {
		t.Fatalf("unexpected participant retry: %s x%d", cfg.Client.ParticipantRetryInterval, cfg.Client.ParticipantRetryAttempts)
	}
	if cfg.Client.ReconnectBase != time.Second || cfg.Client.ReconnectMax != 10*time.Second {
		t.Fatalf("unexpected reconnect bounds: %s/%s", cfg.Client.ReconnectBase, cfg.Client.ReconnectMax)
	}
	if cfg.Client.HasCredentials() {
		t.Fatal("expected no credentials")
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected server addr: %s", cfg.Server.Addr)
	}
}

func TestLoadClientCredentials(t *testing.T) {
	t.Setenv("CHAT_TOKEN", "alice-token")
	t.Setenv("CHAT_USER_ID", "1")
	t.Setenv("CHAT_RECONNECT_BASE", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if !cfg.Client.HasCredentials() || cfg.Client.UserID != 1 {
		t.Fatalf("unexpected credentials: %+v", cfg.Client)
	}
	if cfg.Client.ReconnectBase != 250*time.Millisecond {
		t.Fatalf("unexpected reconnect base: %s", cfg.Client.ReconnectBase)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("CHAT_USER_ID", "alice")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric user id")
	}

	t.Setenv("CHAT_USER_ID", "")
	t.Setenv("CHAT_PAGE_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero page size")
	}

	t.Setenv("CHAT_PAGE_SIZE", "")
	t.Setenv("PORT", "80 80")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}
