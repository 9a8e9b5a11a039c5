package config

import "testing"

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.GatewayProtocolMin != 1 || cfg.GatewayProtocolMax != 1 {
		t.Fatalf("unexpected protocol range: %+v", cfg)
	}
	if len(cfg.CredentialCooldowns) != 4 || cfg.CredentialCooldowns[0] != 60 || cfg.CredentialCooldowns[3] != 3600 {
		t.Fatalf("expected the spec's cooldown ladder (60,300,1500,3600), got %v", cfg.CredentialCooldowns)
	}
	if !cfg.SandboxEnabled {
		t.Fatal("expected sandboxing enabled by default")
	}
}

func TestCredentialCooldownDurationsConvertsSeconds(t *testing.T) {
	cfg := Config{CredentialCooldowns: []int{60, 300}}
	durations := cfg.CredentialCooldownDurations()
	if len(durations) != 2 {
		t.Fatalf("expected 2 durations, got %d", len(durations))
	}
	if durations[0].Seconds() != 60 || durations[1].Seconds() != 300 {
		t.Fatalf("unexpected durations: %v", durations)
	}
}
