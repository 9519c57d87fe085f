package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServerAddr != ":8080" {
		t.Fatalf("unexpected default addr: %s", cfg.ServerAddr)
	}
	if cfg.QuotaWindowDays != 30 {
		t.Fatalf("unexpected default quota window: %d", cfg.QuotaWindowDays)
	}
	if cfg.MaxAttemptsPerKey != 2 {
		t.Fatalf("unexpected default attempts: %d", cfg.MaxAttemptsPerKey)
	}
	if got := cfg.UpstreamTimeout(); got != 30*time.Second {
		t.Fatalf("unexpected default timeout: %s", got)
	}
}

func TestEnvListCommaSeparated(t *testing.T) {
	t.Setenv("GOOGLE_API_KEYS", "key-a, key-b ,key-c")
	cfg := Load()
	want := []string{"key-a", "key-b", "key-c"}
	if len(cfg.GoogleAPIKeys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(cfg.GoogleAPIKeys))
	}
	for i, key := range want {
		if cfg.GoogleAPIKeys[i] != key {
			t.Fatalf("key %d: expected %q, got %q", i, key, cfg.GoogleAPIKeys[i])
		}
	}
}

func TestEnvListJSONArray(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEYS", `["or-1","or-2"]`)
	cfg := Load()
	if len(cfg.OpenRouterAPIKeys) != 2 || cfg.OpenRouterAPIKeys[1] != "or-2" {
		t.Fatalf("unexpected keys: %v", cfg.OpenRouterAPIKeys)
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Setenv("BACKOFF_SCHEDULE_MS", "250,750")
	cfg := Load()
	schedule := cfg.BackoffSchedule()
	if len(schedule) != 2 || schedule[0] != 250*time.Millisecond || schedule[1] != 750*time.Millisecond {
		t.Fatalf("unexpected schedule: %v", schedule)
	}
}

func TestEnvIntListBadValueFallsBack(t *testing.T) {
	t.Setenv("BACKOFF_SCHEDULE_MS", "250,fast")
	cfg := Load()
	if len(cfg.BackoffScheduleMS) != 2 || cfg.BackoffScheduleMS[0] != 500 {
		t.Fatalf("expected default schedule, got %v", cfg.BackoffScheduleMS)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("REFUND_CLAWBACK", "true")
	cfg := Load()
	if !cfg.RefundClawback {
		t.Fatalf("expected clawback enabled")
	}
}
