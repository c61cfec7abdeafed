package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Algorithms.Underload.Strategy != "average" || cfg.Algorithms.Overload.Strategy != "average" {
		t.Errorf("unexpected default strategies: %+v", cfg.Algorithms)
	}
	if cfg.Orchestrator.MigrationTimeout != 300*time.Second {
		t.Errorf("MigrationTimeout = %v, want 5m", cfg.Orchestrator.MigrationTimeout)
	}
	if cfg.Cloud.Driver != "memory" {
		t.Errorf("Cloud.Driver = %q, want memory", cfg.Cloud.Driver)
	}
}

func TestLoad_AlgorithmSection(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
algorithms:
  overload:
    strategy: otf
    threshold: 0.85
    window: 30
    params:
      otf: 0.2
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	spec := cfg.Algorithms.OverloadSpec()
	if spec.Strategy != "otf" || spec.Threshold != 0.85 || spec.Param("otf", 0) != 0.2 {
		t.Errorf("OverloadSpec() = %+v", spec)
	}
}

func TestLoad_RejectsInvalidAlgorithms(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "unknown strategy",
			body:    "algorithms:\n  selection:\n    strategy: first_come\n",
			wantErr: "algorithms.selection.strategy",
		},
		{
			name:    "zero window",
			body:    "algorithms:\n  overload:\n    window: 0\n",
			wantErr: "algorithms.overload.window",
		},
		{
			name:    "negative threshold",
			body:    "algorithms:\n  placement:\n    threshold: -0.5\n",
			wantErr: "algorithms.placement.threshold",
		},
		{
			name:    "placement threshold above capacity",
			body:    "algorithms:\n  placement:\n    threshold: 1.5\n",
			wantErr: "algorithms.placement.threshold",
		},
		{
			name:    "overload threshold above capacity",
			body:    "algorithms:\n  overload:\n    threshold: 1.4\n",
			wantErr: "algorithms.overload.threshold",
		},
		{
			name:    "underload above overload",
			body:    "algorithms:\n  underload:\n    threshold: 0.95\n",
			wantErr: "must be below",
		},
		{
			name:    "unknown driver",
			body:    "cloud:\n  driver: vsphere\n",
			wantErr: "cloud.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("CONSOLIDATOR_ALGORITHMS_OVERLOAD_THRESHOLD", "0.75")
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Algorithms.Overload.Threshold != 0.75 {
		t.Errorf("Overload.Threshold = %v, want 0.75", cfg.Algorithms.Overload.Threshold)
	}
	if cfg.Server.Address() != "0.0.0.0:9090" {
		t.Errorf("Address() = %q", cfg.Server.Address())
	}
}
