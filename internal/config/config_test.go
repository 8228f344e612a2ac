package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestConsumerDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	cfg, err := New[ConsumerConfig]()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.Relay.Addr != "localhost:7000" || cfg.Relay.Timeout != 10*time.Second || cfg.Relay.MaxFrame != 4<<20 {
		t.Fatalf("relay defaults = %+v", cfg.Relay)
	}
	if len(cfg.Contexts) != 1 || cfg.Contexts[0] != "default" {
		t.Fatalf("contexts = %v", cfg.Contexts)
	}
	if cfg.Store.Enabled || cfg.Store.TTL != time.Hour {
		t.Fatalf("store defaults = %+v", cfg.Store)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing credentials to fail validation")
	}
}

func TestConsumerFromEnv(t *testing.T) {
	t.Setenv("SIGNALWIRE_PROJECT", "project")
	t.Setenv("SIGNALWIRE_TOKEN", "token")
	t.Setenv("RELAY_CONTEXTS", "office,home")
	t.Setenv("REQUEST_TIMEOUT", "3s")
	t.Setenv("CALL_STORE_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("CALL_TTL", "15m")

	cfg, err := New[ConsumerConfig]()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(cfg.Contexts) != 2 || cfg.Contexts[1] != "home" {
		t.Fatalf("contexts = %v", cfg.Contexts)
	}
	if cfg.Relay.Timeout != 3*time.Second {
		t.Fatalf("timeout = %s", cfg.Relay.Timeout)
	}
	if !cfg.Store.Enabled || cfg.Store.Addr != "127.0.0.1:6379" || cfg.Store.TTL != 15*time.Minute {
		t.Fatalf("store = %+v", cfg.Store)
	}
}

func TestGatewayAddrSkipsCredentialCheck(t *testing.T) {
	cfg := &ConsumerConfig{GatewayAddr: "localhost:50051"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestGatewayListenAddr(t *testing.T) {
	t.Setenv("PORT", "6000")
	cfg, err := New[GatewayConfig]()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := cfg.ListenAddr(); got != ":6000" {
		t.Fatalf("ListenAddr = %q", got)
	}
	cfg.Port = "127.0.0.1:6000"
	if got := cfg.ListenAddr(); got != "127.0.0.1:6000" {
		t.Fatalf("ListenAddr = %q", got)
	}
	if cfg.QueueSize != 128 {
		t.Fatalf("queue size = %d", cfg.QueueSize)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env.test")
	if err := os.WriteFile(path, []byte("SIGNALWIRE_PROJECT=from-file\nSIGNALWIRE_TOKEN=tok\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	// godotenv never overrides variables that are already set, and t.Setenv
	// restores them afterwards.
	t.Setenv("SIGNALWIRE_PROJECT", "")
	os.Unsetenv("SIGNALWIRE_PROJECT")
	t.Setenv("SIGNALWIRE_TOKEN", "")
	os.Unsetenv("SIGNALWIRE_TOKEN")

	cfg, err := Load[ConsumerConfig]()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Project != "from-file" || cfg.Relay.Token != "tok" {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing"))
	if _, err := Load[ConsumerConfig](); err == nil {
		t.Fatal("expected error for missing ENV_FILE")
	}
}

func TestLogger(t *testing.T) {
	l, err := LogConfig{Level: "debug", Format: "json"}.Logger()
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %s", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("formatter = %T", l.Formatter)
	}
	if _, err := (LogConfig{Level: "loud"}).Logger(); err == nil {
		t.Fatal("expected bad level to fail")
	}
	if _, err := (LogConfig{Level: "info", Format: "xml"}).Logger(); err == nil {
		t.Fatal("expected bad format to fail")
	}
}
