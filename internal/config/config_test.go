package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway-config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"provider": "static", "static_tokens": [{"token": "t", "subject": "u"}]},
		"registry": {"driver": "memory"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Queue.Capacity != 256 {
		t.Errorf("expected default queue capacity 256, got %d", cfg.Queue.Capacity)
	}
	if cfg.Queue.BreakerThreshold != 5 {
		t.Errorf("expected default breaker threshold 5, got %d", cfg.Queue.BreakerThreshold)
	}
	if cfg.Heartbeat.Timeout.Duration != 30*time.Second {
		t.Errorf("expected default heartbeat timeout 30s, got %v", cfg.Heartbeat.Timeout)
	}
	if cfg.Registry.TTL.Duration != 60*time.Second {
		t.Errorf("expected default registry TTL 60s, got %v", cfg.Registry.TTL)
	}
}

func TestLoad_DurationForms(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"provider": "static", "static_tokens": [{"token": "t", "subject": "u"}]},
		"registry": {"driver": "memory", "ttl": "90s"},
		"heartbeat": {"interval": 5, "timeout": "45s"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Registry.TTL.Duration != 90*time.Second {
		t.Errorf("expected ttl 90s, got %v", cfg.Registry.TTL)
	}
	if cfg.Heartbeat.Interval.Duration != 5*time.Second {
		t.Errorf("expected interval 5s from bare number, got %v", cfg.Heartbeat.Interval)
	}
	if cfg.Heartbeat.Timeout.Duration != 45*time.Second {
		t.Errorf("expected timeout 45s, got %v", cfg.Heartbeat.Timeout)
	}
}

func TestLoad_RejectsWeakJWTSecret(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"provider": "jwt", "jwt_secret": "short"},
		"registry": {"driver": "memory"}
	}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for short jwt secret")
	}
}

func TestLoad_RejectsUnknownRegistryDriver(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"provider": "static", "static_tokens": [{"token": "t", "subject": "u"}]},
		"registry": {"driver": "etcd"}
	}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown registry driver")
	}
}

func TestLoad_RequiresURLForRedis(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"provider": "static", "static_tokens": [{"token": "t", "subject": "u"}]},
		"registry": {"driver": "redis"}
	}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for redis driver without url")
	}
}

func TestLoad_HeartbeatTimeoutMustExceedInterval(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"provider": "static", "static_tokens": [{"token": "t", "subject": "u"}]},
		"registry": {"driver": "memory"},
		"heartbeat": {"interval": "30s", "timeout": "10s"}
	}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error when timeout <= interval")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway-config.json")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	// The generated file must round-trip through Load once the secret is usable.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of generated config failed: %v", err)
	}
	if cfg.Registry.Driver != "redis" {
		t.Errorf("expected redis driver in starter config, got %q", cfg.Registry.Driver)
	}

	if err := WriteDefault(path); err == nil {
		t.Error("expected error when config already exists")
	}
}
