package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Budget.TotalMs != 2000 || cfg.Budget.AgentsMs != 1200 {
		t.Fatalf("default budget: %+v", cfg.Budget)
	}
	if cfg.Safety.PanicConfidenceFrames != 3 {
		t.Fatalf("default panic frames: got %d, want 3", cfg.Safety.PanicConfidenceFrames)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"budget": {"total_ms": 1500, "gto_ms": 300},
		"advisors": {"endpoints": ["http://a:1", "http://b:2"]}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Budget.TotalMs != 1500 || cfg.Budget.GtoMs != 300 {
		t.Fatalf("merged budget: %+v", cfg.Budget)
	}
	if len(cfg.Advisors.Endpoints) != 2 {
		t.Fatalf("merged advisors: %+v", cfg.Advisors)
	}
	// Untouched sections keep their defaults.
	if cfg.Health.IntervalMs != 5000 {
		t.Fatalf("default health interval lost: %+v", cfg.Health)
	}
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"negative total", `{"budget": {"total_ms": -5}}`},
		{"confidence above one", `{"health": {"vision_min_confidence": 1.5}}`},
		{"unknown ledger mode", `{"server": {"ledger_mode": "dynamo"}}`},
		{"unknown key", `{"budgets": {}}`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.body)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: invalid config accepted", tc.name)
		}
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"budget": `)
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed config accepted")
	}
}
