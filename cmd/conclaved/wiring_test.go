package main

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/conclave-run/conclave/internal/config"
	"github.com/conclave-run/conclave/internal/core"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	return cfg
}

func TestBuildAppSucceedsWithNoCredentialsConfigured(t *testing.T) {
	a, err := buildApp(t.Context(), testConfig(t), slog.Default())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.auditLogger.Close()

	if len(a.inbound) != 0 {
		t.Fatalf("expected no channel adapters without credentials, got %d", len(a.inbound))
	}
	if a.gateway == nil {
		t.Fatal("expected a gateway server")
	}
	if a.scheduler == nil {
		t.Fatal("expected a scheduler")
	}
	if a.metrics == nil {
		t.Fatal("expected a metrics collector")
	}
	if a.tracer == nil {
		t.Fatal("expected a tracer")
	}
}

func TestBuildAuthFuncAnonymousWithoutSecret(t *testing.T) {
	if fn := buildAuthFunc(slog.Default()); fn != nil {
		t.Fatal("expected a nil AuthFunc when CONCLAVE_JWT_SECRET is unset")
	}
}

func TestBuildAuthFuncWiresJWTWithSecret(t *testing.T) {
	t.Setenv("CONCLAVE_JWT_SECRET", "test-secret")
	if fn := buildAuthFunc(slog.Default()); fn == nil {
		t.Fatal("expected a non-nil AuthFunc when CONCLAVE_JWT_SECRET is set")
	}
}

func TestBuildAppWiresAnthropicProviderFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")

	providers, err := buildProviders(t.Context(), testConfig(t))
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, ok := providers["anthropic"]; !ok {
		t.Fatalf("expected an anthropic provider to be wired, got %+v", providers)
	}
	if _, ok := providers["openai"]; ok {
		t.Fatal("did not expect an openai provider without OPENAI_API_KEY")
	}
}

func TestBuildAppSkipsDiscordAdapterWithoutToken(t *testing.T) {
	a, err := buildApp(t.Context(), testConfig(t), slog.Default())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.auditLogger.Close()

	for _, in := range a.inbound {
		if strings.EqualFold(string(in.Kind()), "discord") {
			t.Fatal("did not expect a discord adapter without DISCORD_BOT_TOKEN")
		}
	}
}

func TestTruncatingSummarizerBoundsOutputLength(t *testing.T) {
	s := truncatingSummarizer{maxChars: 10}
	msgs := []*core.Message{{Role: core.RoleUser, Content: strings.Repeat("x", 50)}}
	out, err := s.Summarize(t.Context(), msgs)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.HasPrefix(out, "[compacted] ") {
		t.Fatalf("expected a [compacted] prefix, got %q", out)
	}
	if got, want := len(out), len("[compacted] ")+10; got != want {
		t.Fatalf("expected output bounded to %d characters, got %d (%q)", want, got, out)
	}
}
