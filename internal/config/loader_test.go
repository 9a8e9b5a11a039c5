package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesSystemThenWorkspaceLayering(t *testing.T) {
	dir := t.TempDir()
	system := writeFile(t, dir, "system.yaml", "data_root: /var/lib/conclave\ndefault_model: system-model\n")
	workspace := writeFile(t, dir, "workspace.yaml", "default_model: workspace-model\n")

	cfg, err := Load(LoadOptions{SystemConfigPath: system, WorkspaceConfigPath: workspace})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataRoot != "/var/lib/conclave" {
		t.Fatalf("expected system layer's data_root to survive, got %q", cfg.DataRoot)
	}
	if cfg.DefaultModel != "workspace-model" {
		t.Fatalf("expected workspace layer to win over system layer, got %q", cfg.DefaultModel)
	}
	// fields untouched by either layer keep the built-in default
	if cfg.GatewayBind != Default().GatewayBind {
		t.Fatalf("expected untouched field to keep its built-in default, got %q", cfg.GatewayBind)
	}
}

func TestLoadRuntimeOverridesWinOverEverything(t *testing.T) {
	dir := t.TempDir()
	workspace := writeFile(t, dir, "workspace.yaml", "default_model: workspace-model\n")

	cfg, err := Load(LoadOptions{
		WorkspaceConfigPath: workspace,
		Overrides:           map[string]any{"default_model": "runtime-model"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultModel != "runtime-model" {
		t.Fatalf("expected runtime override to win, got %q", cfg.DefaultModel)
	}
}

func TestLoadEnvOverridesBeatSystemConfigButLoseToWorkspace(t *testing.T) {
	dir := t.TempDir()
	system := writeFile(t, dir, "system.yaml", "default_llm_provider: system-provider\n")
	workspace := writeFile(t, dir, "workspace.yaml", "default_llm_provider: workspace-provider\n")

	t.Setenv("CONCLAVE_DEFAULT_LLM_PROVIDER", "env-provider")

	cfg, err := Load(LoadOptions{SystemConfigPath: system})
	if err != nil {
		t.Fatalf("Load (system+env only): %v", err)
	}
	if cfg.DefaultLLMProvider != "env-provider" {
		t.Fatalf("expected env to beat system config, got %q", cfg.DefaultLLMProvider)
	}

	cfg, err = Load(LoadOptions{SystemConfigPath: system, WorkspaceConfigPath: workspace})
	if err != nil {
		t.Fatalf("Load (system+env+workspace): %v", err)
	}
	if cfg.DefaultLLMProvider != "workspace-provider" {
		t.Fatalf("expected workspace to beat env, got %q", cfg.DefaultLLMProvider)
	}
}

func TestLoadRawResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "sandbox_enabled: false\n")
	main := writeFile(t, dir, "main.yaml", "$include: base.yaml\ndefault_model: included-model\n")

	raw, err := LoadRaw(main)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	if raw["default_model"] != "included-model" {
		t.Fatalf("expected main file's own key to survive, got %v", raw["default_model"])
	}
	if raw["sandbox_enabled"] != false {
		t.Fatalf("expected included file's key to be merged in, got %v", raw["sandbox_enabled"])
	}
}

func TestLoadRawDetectsIncludeCycles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRaw(a); err == nil {
		t.Fatal("expected an include cycle error")
	}
}

func TestLoadRawParsesJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.json5", "{ default_model: 'json5-model', /* comment */ sandbox_enabled: true, }")

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	if raw["default_model"] != "json5-model" {
		t.Fatalf("expected JSON5 document to parse, got %v", raw)
	}
}

func TestLoadExpandsEnvVarsInDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.yaml", "data_root: ${CONCLAVE_TEST_DATA_ROOT}\n")
	t.Setenv("CONCLAVE_TEST_DATA_ROOT", "/tmp/conclave-expanded")

	cfg, err := Load(LoadOptions{WorkspaceConfigPath: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataRoot != "/tmp/conclave-expanded" {
		t.Fatalf("expected ${VAR} expansion, got %q", cfg.DataRoot)
	}
}
