package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"  debug  ", slog.LevelDebug, false},
		{"trace", LevelTrace, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sibyl.yaml")
	content := `
completion:
  base_url: http://localhost:11434/v1
  model: qwen3:8b
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bridge.Port != 7340 {
		t.Errorf("Bridge.Port = %d, want 7340", cfg.Bridge.Port)
	}
	if cfg.Bridge.CallTimeoutSec != 30 {
		t.Errorf("Bridge.CallTimeoutSec = %d, want 30", cfg.Bridge.CallTimeoutSec)
	}
	if cfg.Agents.MaxIterations != 10 {
		t.Errorf("Agents.MaxIterations = %d, want 10", cfg.Agents.MaxIterations)
	}
	if cfg.Agents.Dir != filepath.Join("data", "agents") {
		t.Errorf("Agents.Dir = %q", cfg.Agents.Dir)
	}
	if cfg.MQTT.TopicBase != "sibyl" {
		t.Errorf("MQTT.TopicBase = %q, want sibyl", cfg.MQTT.TopicBase)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "missing base_url",
			content: "completion:\n  model: qwen3:8b\n",
		},
		{
			name:    "missing model",
			content: "completion:\n  base_url: http://localhost:11434/v1\n",
		},
		{
			name: "embeddings without base_url",
			content: `
completion:
  base_url: http://localhost:11434/v1
  model: qwen3:8b
embeddings:
  enabled: true
`,
		},
		{
			name: "mqtt without broker",
			content: `
completion:
  base_url: http://localhost:11434/v1
  model: qwen3:8b
mqtt:
  enabled: true
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sibyl.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() succeeded, want validation error")
			}
		})
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("FindConfig() succeeded for missing explicit path")
	}
}
