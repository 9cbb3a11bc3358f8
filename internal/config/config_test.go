package config

import (
	"errors"
	"os"
	"path/filepath"
	"processagent/internal/apperrors"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("PA_AGENT_ID", "")
	t.Setenv("EAI_JOB_ID", "")
	t.Setenv("PA_API_PORT", "")
	t.Setenv("PA_AUTO_RERUN", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.ID == "" {
		t.Error("Expected a generated agent id")
	}
	if !cfg.Agent.AutoRerun {
		t.Error("Expected auto rerun to default to true")
	}
	if cfg.Agent.MaxRunning != 500 {
		t.Errorf("Expected max running 500, got %d", cfg.Agent.MaxRunning)
	}
	if cfg.Agent.SubmitBatch != 100 {
		t.Errorf("Expected submit batch 100, got %d", cfg.Agent.SubmitBatch)
	}
	if cfg.Server.Port != "8666" {
		t.Errorf("Expected port 8666, got %q", cfg.Server.Port)
	}
	if cfg.Server.Driver != DriverOrk {
		t.Errorf("Expected driver %q, got %q", DriverOrk, cfg.Server.Driver)
	}
}

func TestLoadFromEnv_AgentIDFromHostJob(t *testing.T) {
	t.Setenv("PA_AGENT_ID", "")
	t.Setenv("EAI_JOB_ID", "b1f0c2aa-host-job")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.ID != "b1f0c2aa-host-job" {
		t.Errorf("Expected agent id from EAI_JOB_ID, got %q", cfg.Agent.ID)
	}

	t.Setenv("PA_AGENT_ID", "explicit")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.ID != "explicit" {
		t.Errorf("Expected PA_AGENT_ID to win, got %q", cfg.Agent.ID)
	}
}

func TestLoad_YAMLOverlaysEnv(t *testing.T) {
	t.Setenv("PA_AGENT_ID", "from-env")
	t.Setenv("PA_MAX_RUNNING", "20")

	path := writeFile(t, "agent.yaml", `
debug: true
agent:
  user: alice
  autoRerun: false
  submitBatch: 10
server:
  port: "9000"
  updateTimeout: 3s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.ID != "from-env" {
		t.Errorf("Expected env agent id to survive overlay, got %q", cfg.Agent.ID)
	}
	if cfg.Agent.MaxRunning != 20 {
		t.Errorf("Expected env max running 20, got %d", cfg.Agent.MaxRunning)
	}
	if cfg.Agent.User != "alice" {
		t.Errorf("Expected user alice, got %q", cfg.Agent.User)
	}
	if cfg.Agent.AutoRerun {
		t.Error("Expected file to disable auto rerun")
	}
	if cfg.Agent.SubmitBatch != 10 {
		t.Errorf("Expected submit batch 10, got %d", cfg.Agent.SubmitBatch)
	}
	if !cfg.Debug {
		t.Error("Expected debug from file")
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("Expected port 9000, got %q", cfg.Server.Port)
	}
	if cfg.Server.UpdateTimeout != 3*time.Second {
		t.Errorf("Expected update timeout 3s, got %v", cfg.Server.UpdateTimeout)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "agent.json", `{"agent": {"id": "json-agent", "jobNamePrefix": "exp"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.ID != "json-agent" {
		t.Errorf("Expected agent id json-agent, got %q", cfg.Agent.ID)
	}
	if cfg.Agent.JobNamePrefix != "exp" {
		t.Errorf("Expected prefix exp, got %q", cfg.Agent.JobNamePrefix)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "agent.toml", "id = 1"},
		{"unknown key", "agent.yaml", "agnet:\n  id: typo\n"},
		{"malformed", "agent.json", `{"agent": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeFile(t, tt.file, tt.content)
			var cfg Config
			err := LoadFile(path, &cfg)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadFile_Empty(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "empty.yaml", "")
	cfg := Config{Debug: true}
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("Expected empty file to be accepted, got %v", err)
	}
	if !cfg.Debug {
		t.Error("Expected empty file to leave values untouched")
	}
}
