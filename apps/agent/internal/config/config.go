// Package config loads the agent configuration from a JSON file, validates it
// against an embedded JSON Schema, and applies defaults for every knob the
// decision core consumes.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Config is the full agent configuration surface, consumed read-only by the
// decision core.
type Config struct {
	Budget      BudgetConfig      `json:"budget"`
	Health      HealthConfig      `json:"health"`
	Safety      SafetyConfig      `json:"safety"`
	Consistency ConsistencyConfig `json:"consistency"`
	Strategy    StrategyConfig    `json:"strategy"`
	Solver      SolverConfig      `json:"solver"`
	Advisors    AdvisorsConfig    `json:"advisors"`
	Server      ServerConfig      `json:"server"`
}

type BudgetConfig struct {
	TotalMs      int64 `json:"total_ms"`
	PerceptionMs int64 `json:"perception_ms"`
	GtoMs        int64 `json:"gto_ms"`
	AgentsMs     int64 `json:"agents_ms"`
	SynthesisMs  int64 `json:"synthesis_ms"`
	ExecutionMs  int64 `json:"execution_ms"`
	BufferMs     int64 `json:"buffer_ms"`
}

type HealthConfig struct {
	IntervalMs          int64   `json:"interval_ms"`
	VisionMinConfidence float64 `json:"vision_min_confidence"`
	VisionMaxAgeMs      int64   `json:"vision_max_age_ms"`
	SolverMaxLatencyMs  int64   `json:"solver_max_latency_ms"`
	SolverMaxAgeMs      int64   `json:"solver_max_age_ms"`
	ExecutorMaxFailRate float64 `json:"executor_max_fail_rate"`
	StrategyMaxDiverge  float64 `json:"strategy_max_divergence"`
}

type SafetyConfig struct {
	AutoExit              bool    `json:"auto_exit"`
	AutoExitStreak        int     `json:"auto_exit_streak"`
	PanicConfidenceFrames int     `json:"panic_confidence_frames"`
	PanicMinConfidence    float64 `json:"panic_min_confidence"`
}

type ConsistencyConfig struct {
	Tolerance float64 `json:"tolerance"`
}

type StrategyConfig struct {
	AdvisorInfluence float64 `json:"advisor_influence"`
	MinConsensus     float64 `json:"min_consensus"`
}

type SolverConfig struct {
	URL          string `json:"url"`
	CacheEntries int    `json:"cache_entries"`
}

type AdvisorsConfig struct {
	Endpoints []string `json:"endpoints"`
}

type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
	LedgerMode string `json:"ledger_mode"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "budget": {
      "type": "object",
      "properties": {
        "total_ms": {"type": "integer", "minimum": 1},
        "perception_ms": {"type": "integer", "minimum": 0},
        "gto_ms": {"type": "integer", "minimum": 0},
        "agents_ms": {"type": "integer", "minimum": 0},
        "synthesis_ms": {"type": "integer", "minimum": 0},
        "execution_ms": {"type": "integer", "minimum": 0},
        "buffer_ms": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    },
    "health": {
      "type": "object",
      "properties": {
        "interval_ms": {"type": "integer", "minimum": 1},
        "vision_min_confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "vision_max_age_ms": {"type": "integer", "minimum": 1},
        "solver_max_latency_ms": {"type": "integer", "minimum": 1},
        "solver_max_age_ms": {"type": "integer", "minimum": 1},
        "executor_max_fail_rate": {"type": "number", "minimum": 0, "maximum": 1},
        "strategy_max_divergence": {"type": "number", "minimum": 0, "maximum": 1}
      },
      "additionalProperties": false
    },
    "safety": {
      "type": "object",
      "properties": {
        "auto_exit": {"type": "boolean"},
        "auto_exit_streak": {"type": "integer", "minimum": 1},
        "panic_confidence_frames": {"type": "integer", "minimum": 1},
        "panic_min_confidence": {"type": "number", "minimum": 0, "maximum": 1}
      },
      "additionalProperties": false
    },
    "consistency": {
      "type": "object",
      "properties": {
        "tolerance": {"type": "number", "minimum": 0}
      },
      "additionalProperties": false
    },
    "strategy": {
      "type": "object",
      "properties": {
        "advisor_influence": {"type": "number", "minimum": 0, "maximum": 1},
        "min_consensus": {"type": "number", "minimum": 0, "maximum": 1}
      },
      "additionalProperties": false
    },
    "solver": {
      "type": "object",
      "properties": {
        "url": {"type": "string"},
        "cache_entries": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    },
    "advisors": {
      "type": "object",
      "properties": {
        "endpoints": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "server": {
      "type": "object",
      "properties": {
        "listen_addr": {"type": "string"},
        "ledger_mode": {"type": "string", "enum": ["memory", "sqlite", "postgres"]}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var schema = jsonschema.MustCompileString("agent-config.json", schemaJSON)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Budget: BudgetConfig{
			TotalMs:      2000,
			PerceptionMs: 70,
			GtoMs:        400,
			AgentsMs:     1200,
			SynthesisMs:  100,
			ExecutionMs:  30,
			BufferMs:     200,
		},
		Health: HealthConfig{
			IntervalMs:          5000,
			VisionMinConfidence: 0.80,
			VisionMaxAgeMs:      10000,
			SolverMaxLatencyMs:  800,
			SolverMaxAgeMs:      30000,
			ExecutorMaxFailRate: 0.10,
			StrategyMaxDiverge:  0.60,
		},
		Safety: SafetyConfig{
			AutoExit:              true,
			AutoExitStreak:        2,
			PanicConfidenceFrames: 3,
			PanicMinConfidence:    0.50,
		},
		Consistency: ConsistencyConfig{Tolerance: 0.01},
		Strategy:    StrategyConfig{AdvisorInfluence: 0.35, MinConsensus: 0.40},
		Solver:      SolverConfig{URL: "http://localhost:9000", CacheEntries: 512},
		Server:      ServerConfig{ListenAddr: ":8080", LedgerMode: "sqlite"},
	}
}

// Load reads, validates and merges the JSON file over the defaults. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := validate(raw); err != nil {
		return cfg, fmt.Errorf("validate config %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by AGENT_CONFIG_PATH, or the defaults when
// unset.
func LoadFromEnv() (Config, error) {
	return Load(strings.TrimSpace(os.Getenv("AGENT_CONFIG_PATH")))
}

func validate(raw []byte) error {
	var doc any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// MonitorInterval returns the health interval as a duration.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Health.IntervalMs) * time.Millisecond
}

// VisionMaxAge returns the vision staleness limit as a duration.
func (c Config) VisionMaxAge() time.Duration {
	return time.Duration(c.Health.VisionMaxAgeMs) * time.Millisecond
}

// SolverMaxAge returns the solver staleness limit as a duration.
func (c Config) SolverMaxAge() time.Duration {
	return time.Duration(c.Health.SolverMaxAgeMs) * time.Millisecond
}
