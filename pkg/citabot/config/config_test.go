package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.TTLMinutes != 30 || cfg.Session.DebounceSeconds != 10 {
		t.Errorf("defaults = %+v", cfg.Session)
	}
	if cfg.LLM.Model == "" {
		t.Error("default model missing")
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
clinic:
  name: Clínica San Rafael
  base_url: https://api.clinica.example
llm:
  model: gpt-4o
session:
  ttl_minutes: 45
operators:
  - jid: 52111@s.whatsapp.net
    name: Lucía
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Clinic.Name != "Clínica San Rafael" {
		t.Errorf("clinic name = %q", cfg.Clinic.Name)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.SessionTTL() != 45*time.Minute {
		t.Errorf("ttl = %v", cfg.SessionTTL())
	}
	// unset fields keep defaults
	if cfg.Session.DebounceSeconds != 10 {
		t.Errorf("debounce = %d", cfg.Session.DebounceSeconds)
	}
	if len(cfg.Operators) != 1 || cfg.Operators[0].Name != "Lucía" {
		t.Errorf("operators = %+v", cfg.Operators)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.Clinic.BaseURL = "https://api.clinica.example"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Clinic.BaseURL != cfg.Clinic.BaseURL {
		t.Errorf("base url = %q", loaded.Clinic.BaseURL)
	}
}

func TestResolveSecret(t *testing.T) {
	t.Setenv("CITABOT_TEST_SECRET", "s3cret")

	got, err := ResolveSecret("env:CITABOT_TEST_SECRET")
	if err != nil || got != "s3cret" {
		t.Errorf("env resolve = %q, %v", got, err)
	}
	if _, err := ResolveSecret("env:CITABOT_TEST_UNSET"); err == nil {
		t.Error("unset env var should fail")
	}
	if got, err := ResolveSecret("literal-value"); err != nil || got != "literal-value" {
		t.Errorf("literal resolve = %q, %v", got, err)
	}
}

func TestOperatorDirectory(t *testing.T) {
	t.Parallel()
	loads := 0
	ops := []Operator{{JID: "52111@s.whatsapp.net", Name: "Lucía"}}
	dir := NewOperatorDirectory(func() []Operator {
		loads++
		return ops
	}, time.Hour)

	if !dir.IsOperator("52111@s.whatsapp.net") {
		t.Error("known operator not found")
	}
	if dir.IsOperator("52999@s.whatsapp.net") {
		t.Error("unknown jid treated as operator")
	}
	op, ok := dir.Lookup("52111@s.whatsapp.net")
	if !ok || op.Name != "Lucía" {
		t.Errorf("lookup = %+v, %v", op, ok)
	}
	if loads != 1 {
		t.Errorf("loader ran %d times within TTL, want 1", loads)
	}

	ops = append(ops, Operator{JID: "52222@s.whatsapp.net", Name: "Marco"})
	dir.Invalidate()
	if !dir.IsOperator("52222@s.whatsapp.net") {
		t.Error("new operator not visible after Invalidate")
	}
	if loads != 2 {
		t.Errorf("loader ran %d times after invalidate, want 2", loads)
	}
}
