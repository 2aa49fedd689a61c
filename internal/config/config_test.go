package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/viper"

	"opticbook/internal/booking"
	"opticbook/internal/slots"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Backend != BackendRemote || cfg.Policy != booking.GlobalExclusive {
		t.Fatalf("backend/policy = %q/%v", cfg.Backend, cfg.Policy)
	}
	if cfg.PollInterval != 30*time.Second || cfg.RemoteTimeout != 15*time.Second {
		t.Fatalf("poll/remote timeout = %v/%v", cfg.PollInterval, cfg.RemoteTimeout)
	}
	if cfg.Server.HTTPAddr() != "0.0.0.0:8080" {
		t.Fatalf("http addr = %q", cfg.Server.HTTPAddr())
	}

	rules, err := slots.New(cfg.Slots)
	if err != nil {
		t.Fatalf("slots.New error: %v", err)
	}
	friday, _ := rules.SlotsForDate("2026-02-20")
	if len(friday) != 8 {
		t.Fatalf("friday slots = %v", friday)
	}
	sunday, _ := rules.SlotsForDate("2026-02-22")
	if len(sunday) != 0 {
		t.Fatalf("sunday slots = %v", sunday)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPTICBOOK_BACKEND", "calendar")
	t.Setenv("OPTICBOOK_BOOKING_POLICY", "per-store")
	t.Setenv("OPTICBOOK_SLOTS_SUNDAY", "10:00-12:00")
	t.Setenv("OPTICBOOK_POLL_INTERVAL", "1m")
	t.Setenv("OPTICBOOK_SCRIPT_URL", "https://script.example/exec")
	t.Setenv("HTTP_ADDR", "127.0.0.1:9090")

	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Backend != BackendCalendar || cfg.Policy != booking.PerStoreExclusive {
		t.Fatalf("backend/policy = %q/%v", cfg.Backend, cfg.Policy)
	}
	if cfg.PollInterval != time.Minute {
		t.Fatalf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.RemoteURL != "https://script.example/exec" {
		t.Fatalf("remote url = %q", cfg.RemoteURL)
	}
	if cfg.Server.HTTPAddr() != "127.0.0.1:9090" {
		t.Fatalf("http addr = %q", cfg.Server.HTTPAddr())
	}
	if got := cfg.Slots.Windows[time.Sunday]; len(got) != 1 || got[0].Start != "10:00" {
		t.Fatalf("sunday windows = %v", got)
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string][2]string{
		"backend":  {"OPTICBOOK_BACKEND", "ftp"},
		"policy":   {"OPTICBOOK_BOOKING_POLICY", "first-come"},
		"windows":  {"OPTICBOOK_SLOTS_MONDAY", "12:00-09:00"},
		"duration": {"OPTICBOOK_POLL_INTERVAL", "soon"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			if _, err := load(viper.New()); err == nil {
				t.Fatalf("expected error for %s=%s", env[0], env[1])
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	if ParseLogLevel("DEBUG") != slog.LevelDebug || ParseLogLevel("warning") != slog.LevelWarn || ParseLogLevel("") != slog.LevelInfo {
		t.Fatalf("unexpected level mapping")
	}
}
