package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type nestedConfig struct {
	HTTP struct {
		Port string `yaml:"port" env:"TEST_HTTP_PORT"`
	} `yaml:"http"`
	Monitor struct {
		Interval time.Duration `yaml:"interval"`
		Workers  int           `yaml:"workers"`
	} `yaml:"monitor"`
	Rate    float64  `yaml:"rate" env:"TEST_RATE"`
	Origins []string `yaml:"origins" env:"TEST_ORIGINS"`
	Skip    string   `env:"-"`
}

func TestLoadConfigEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "http:\n  port: \"9000\"\nmonitor:\n  workers: 4\nrate: 0.5\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DOTENV_FILE", "")
	t.Setenv("TEST_HTTP_PORT", "9100")
	t.Setenv("MONITOR_INTERVAL", "15s")
	t.Setenv("TEST_ORIGINS", "a.example, b.example")

	var cfg nestedConfig
	if err := LoadConfig(&cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTP.Port != "9100" {
		t.Fatalf("expected env port override, got %q", cfg.HTTP.Port)
	}
	if cfg.Monitor.Workers != 4 {
		t.Fatalf("expected yaml workers 4, got %d", cfg.Monitor.Workers)
	}
	if cfg.Monitor.Interval != 15*time.Second {
		t.Fatalf("expected 15s interval, got %s", cfg.Monitor.Interval)
	}
	if cfg.Rate != 0.5 {
		t.Fatalf("expected yaml rate 0.5, got %v", cfg.Rate)
	}
	if len(cfg.Origins) != 2 || cfg.Origins[1] != "b.example" {
		t.Fatalf("unexpected origins %v", cfg.Origins)
	}
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("TEST_RATE_DOTENV=1.25\n"), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DOTENV_FILE", path)
	t.Cleanup(func() { os.Unsetenv("TEST_RATE_DOTENV") })

	var cfg struct {
		Rate float64 `env:"TEST_RATE_DOTENV"`
	}
	if err := LoadConfig(&cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Rate != 1.25 {
		t.Fatalf("expected dotenv rate 1.25, got %v", cfg.Rate)
	}
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	if err := LoadConfig(nestedConfig{}); err == nil {
		t.Fatal("expected error for non-pointer target")
	}
	if err := LoadConfig(nil); err == nil {
		t.Fatal("expected error for nil target")
	}
}

func TestLoadConfigBadDuration(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DOTENV_FILE", "")
	t.Setenv("MONITOR_INTERVAL", "soon")
	var cfg nestedConfig
	if err := LoadConfig(&cfg); err == nil {
		t.Fatal("expected parse error for invalid duration")
	}
}
