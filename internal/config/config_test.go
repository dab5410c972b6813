package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 5000 {
		t.Errorf("Port = %d, want 5000", cfg.Port)
	}
	if cfg.Environment != "development" {
		t.Errorf("Environment = %q, want development", cfg.Environment)
	}
	if cfg.RedisConnectTimeout != 5*time.Second {
		t.Errorf("RedisConnectTimeout = %s, want 5s", cfg.RedisConnectTimeout)
	}
	if cfg.DuplicateLoginGrace != 10*time.Second {
		t.Errorf("DuplicateLoginGrace = %s, want 10s", cfg.DuplicateLoginGrace)
	}
	if cfg.InstanceID == "" {
		t.Error("InstanceID should be generated when unset")
	}
}

func TestLoadPeerLists(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("REDIS_CROSS_REPLICATION_ENABLED", "true")
	t.Setenv("REDIS_PEER_INSTANCES", "10.0.0.2:6379,10.0.0.3:6379")
	t.Setenv("PEER_INSTANCES", "http://10.0.0.2:5000")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.RedisPeerInstances) != 2 {
		t.Fatalf("RedisPeerInstances = %v, want 2 entries", cfg.RedisPeerInstances)
	}
	if cfg.RedisPeerInstances[1] != "10.0.0.3:6379" {
		t.Errorf("second peer = %q", cfg.RedisPeerInstances[1])
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:                5000,
			Environment:         "development",
			JWTSecret:           "s",
			MongoURI:            "mongodb://localhost:27017/chat",
			RedisMaxRetries:     5,
			RedisConnectTimeout: 5 * time.Second,
			HealthCheckInterval: 10 * time.Second,
			LogLevel:            "info",
			LogFormat:           "json",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"bad port", func(c *Config) { c.Port = 0 }, "PORT"},
		{"bad env", func(c *Config) { c.Environment = "staging" }, "NODE_ENV"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "LOG_LEVEL"},
		{"cross replication without peers", func(c *Config) { c.RedisCrossReplicationEnabled = true }, "REDIS_PEER_INSTANCES"},
		{"mongo replication without peers", func(c *Config) { c.MongoReplicationEnabled = true }, "PEER_INSTANCES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestAddrHelpers(t *testing.T) {
	cfg := &Config{RedisMasterHost: "redis-a", RedisMasterPort: 6379, RedisSlaveHost: "redis-b", RedisSlavePort: 16379}
	if got := cfg.MasterAddr(); got != "redis-a:6379" {
		t.Errorf("MasterAddr = %q", got)
	}
	if got := cfg.SlaveAddr(); got != "redis-b:16379" {
		t.Errorf("SlaveAddr = %q", got)
	}
}
