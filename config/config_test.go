package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != DriverMemory || cfg.Poll.DefaultTimeLimit != 60 || cfg.Poll.CountdownTick != time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Export.Enabled {
		t.Fatalf("export enabled by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("COUNTDOWN_TICK", "250ms")
	t.Setenv("PRESENCE_HEARTBEAT", "2")
	t.Setenv("PRESENCE_STALE_AFTER", "6s")
	t.Setenv("WS_RATE_LIMIT", "2.5")
	t.Setenv("EXPORT_ENABLED", "true")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_PASSWORD", "p")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.SQLitePath != "/tmp/x.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Poll.CountdownTick != 250*time.Millisecond || cfg.Poll.PresenceHeartbeat != 2*time.Second || cfg.Poll.PresenceStaleAfter != 6*time.Second {
		t.Errorf("poll = %+v", cfg.Poll)
	}
	if cfg.WS.RateLimit != 2.5 || !cfg.Export.Enabled {
		t.Errorf("ws/export = %+v %+v", cfg.WS, cfg.Export)
	}
	if dsn := cfg.Database.DSN(); !strings.HasPrefix(dsn, "postgres://u:p@localhost:5432/livepoll") {
		t.Errorf("DSN = %q", dsn)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{"STORE_DRIVER": "etcd"}, "unknown STORE_DRIVER"},
		{map[string]string{"POLL_DEFAULT_TIME_LIMIT": "-1"}, "POLL_DEFAULT_TIME_LIMIT"},
		{map[string]string{"PRESENCE_HEARTBEAT": "10s", "PRESENCE_STALE_AFTER": "5s"}, "PRESENCE_STALE_AFTER"},
	}
	for _, tt := range tests {
		for k, v := range tt.env {
			t.Setenv(k, v)
		}
		_, err := Load()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("env %v: err = %v, want %q", tt.env, err, tt.want)
		}
		for k := range tt.env {
			t.Setenv(k, "")
		}
	}
}
