package config

import (
	"os"
	"sync"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %v, want 8080", cfg.Server.Port)
	}
	if cfg.Aggregator.CycleInterval != 60*time.Second {
		t.Errorf("Aggregator.CycleInterval = %v, want 60s", cfg.Aggregator.CycleInterval)
	}
	if cfg.Aggregator.CycleDeadline != 5*time.Second {
		t.Errorf("Aggregator.CycleDeadline = %v, want 5s", cfg.Aggregator.CycleDeadline)
	}
	if cfg.Solver.DefaultDeadline != 30*time.Second {
		t.Errorf("Solver.DefaultDeadline = %v, want 30s", cfg.Solver.DefaultDeadline)
	}
	if cfg.Solver.TargetGap != 0.001 {
		t.Errorf("Solver.TargetGap = %v, want 0.001", cfg.Solver.TargetGap)
	}
	if cfg.Arbitrage.Threshold != 0.05 {
		t.Errorf("Arbitrage.Threshold = %v, want 0.05", cfg.Arbitrage.Threshold)
	}
	if cfg.Arbitrage.Cooldown != 5*time.Minute {
		t.Errorf("Arbitrage.Cooldown = %v, want 5m", cfg.Arbitrage.Cooldown)
	}
	if cfg.AWS.Region != "us-east-1" {
		t.Errorf("AWS.Region = %v, want us-east-1", cfg.AWS.Region)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %v, want info", cfg.Logging.Level)
	}
}

func resetGlobalConfig() {
	globalConfig = nil
	configOnce = sync.Once{}
}

func TestGetReturnsDefaultWhenNoFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(dir)

	resetGlobalConfig()

	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %v, want 8080", cfg.Server.Port)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(dir)

	content := `
server:
  port: 9000
aggregator:
  cycle_interval: 30s
solver:
  target_gap: 0.01
aws:
  region: eu-west-1
`
	if err := os.WriteFile("cloudarb.yaml", []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	resetGlobalConfig()

	cfg := Get()
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %v, want 9000", cfg.Server.Port)
	}
	if cfg.Aggregator.CycleInterval != 30*time.Second {
		t.Errorf("Aggregator.CycleInterval = %v, want 30s", cfg.Aggregator.CycleInterval)
	}
	if cfg.Solver.TargetGap != 0.01 {
		t.Errorf("Solver.TargetGap = %v, want 0.01", cfg.Solver.TargetGap)
	}
	if cfg.AWS.Region != "eu-west-1" {
		t.Errorf("AWS.Region = %v, want eu-west-1", cfg.AWS.Region)
	}
	// Fields untouched by the file retain their defaults.
	if cfg.Arbitrage.Threshold != 0.05 {
		t.Errorf("Arbitrage.Threshold = %v, want 0.05 (default retained)", cfg.Arbitrage.Threshold)
	}
}

func TestUnknownYAMLKeyIsRejected(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(dir)

	content := `
server:
  port: 9000
  bogus_field: true
`
	if err := os.WriteFile("cloudarb.yaml", []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	resetGlobalConfig()

	cfg := Get()
	// Strict decoding rejects the whole file on an unknown key, so the
	// port override from that file must not apply.
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %v, want 8080 (file with unknown key should be ignored)", cfg.Server.Port)
	}
}

func TestIsLambda(t *testing.T) {
	os.Unsetenv("AWS_LAMBDA_FUNCTION_NAME")
	if IsLambda() {
		t.Error("IsLambda() should be false without the env var")
	}
	os.Setenv("AWS_LAMBDA_FUNCTION_NAME", "cloudarb-poller")
	defer os.Unsetenv("AWS_LAMBDA_FUNCTION_NAME")
	if !IsLambda() {
		t.Error("IsLambda() should be true with the env var set")
	}
}

func TestConfigConcurrentAccess(t *testing.T) {
	resetGlobalConfig()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cfg := Get(); cfg == nil {
				t.Error("Get() returned nil in concurrent access")
			}
		}()
	}
	wg.Wait()
}
