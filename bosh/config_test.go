package bosh

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConnections != 2 || cfg.WindowSize != 2 || cfg.MaxStreamsPerSession != 8 {
		t.Fatalf("limits = %+v", cfg)
	}
	if cfg.DefaultWait != 60*time.Second || cfg.MaxWait != 120*time.Second {
		t.Fatalf("wait = %v/%v", cfg.DefaultWait, cfg.MaxWait)
	}
	if cfg.DefaultInactivity != 70*time.Second || cfg.MaxInactivity != 160*time.Second {
		t.Fatalf("inactivity = %v/%v", cfg.DefaultInactivity, cfg.MaxInactivity)
	}

	clamped := Config{DefaultWait: 5 * time.Minute, MaxWait: time.Minute}.withDefaults()
	if clamped.DefaultWait != time.Minute {
		t.Fatalf("default wait above max not clamped: %v", clamped.DefaultWait)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("BOSH_MAX_CONNECTIONS", "5")
	t.Setenv("BOSH_MAX_WAIT", "90s")
	t.Setenv("BOSH_LEGACY_CLIENT", "true")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.MaxConnections != 5 || cfg.MaxWait != 90*time.Second || !cfg.LegacyClient {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.WindowSize != 2 {
		t.Fatalf("unset variable did not fall back: window %d", cfg.WindowSize)
	}
}

func TestConfigFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("BOSH_MAX_WAIT", "forever")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}

func TestNegotiation(t *testing.T) {
	cfg := Config{MaxConnections: 3}.withDefaults()

	waits := []struct {
		req  *int
		want time.Duration
	}{
		{nil, 60 * time.Second},
		{intPtr(0), 60 * time.Second},
		{intPtr(10), 10 * time.Second},
		{intPtr(500), 120 * time.Second},
	}
	for _, w := range waits {
		if got := cfg.negotiateWait(w.req); got != w.want {
			t.Errorf("negotiateWait(%v) = %v, want %v", w.req, got, w.want)
		}
	}

	holds := []struct {
		req  *int
		want int
	}{
		{nil, 1},
		{intPtr(0), 1},
		{intPtr(2), 2},
		{intPtr(7), 2},
	}
	for _, h := range holds {
		if got := cfg.negotiateHold(h.req); got != h.want {
			t.Errorf("negotiateHold(%v) = %d, want %d", h.req, got, h.want)
		}
	}
	if got := (Config{MaxConnections: 1}).withDefaults().negotiateHold(intPtr(4)); got != 1 {
		t.Errorf("hold with a single connection = %d, want 1", got)
	}

	if got := cfg.negotiateInactivity(intPtr(1000)); got != 160*time.Second {
		t.Errorf("negotiateInactivity = %v", got)
	}
}

func TestNegotiateVersion(t *testing.T) {
	for client, want := range map[string]string{
		"":      "1.6",
		"1.6":   "1.6",
		"1.10":  "1.6",
		"2.0":   "1.6",
		"1.5":   "1.5",
		"0.9":   "0.9",
		"x.y":   "1.6",
		"1":     "1.6",
		"1.6.1": "1.6",
	} {
		if got := negotiateVersion(client); got != want {
			t.Errorf("negotiateVersion(%q) = %q, want %q", client, got, want)
		}
	}
}
