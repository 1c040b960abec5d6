package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServiceName != "captiond" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Room.PresenceIntervalMS != 2000 || cfg.Room.ConnectionTimeoutMS != 10000 {
		t.Fatalf("unexpected room defaults: %+v", cfg.Room)
	}
	if cfg.AutoConfirm.Enabled {
		t.Fatalf("auto-confirm must default to disabled")
	}
	if cfg.Segmenter.MinWords != 5 || cfg.Segmenter.MinChars != 30 {
		t.Fatalf("unexpected segmenter defaults: %+v", cfg.Segmenter)
	}
	if cfg.Store.Mode != "persistent" {
		t.Fatalf("unexpected store mode %q", cfg.Store.Mode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAPTION_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("CAPTION_BUS_USERNAME", "alice")
	t.Setenv("CAPTION_BUS_PASSWORD", "secret")
	t.Setenv("CAPTION_BUS_TLS_INSECURE", "true")
	t.Setenv("CAPTION_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("CAPTION_ROOM_SECRET", "hunter2")
	t.Setenv("CAPTION_ROOM_PRESENCE_INTERVAL_MS", "1500")
	t.Setenv("CAPTION_ROOM_CONNECTION_TIMEOUT_MS", "6000")
	t.Setenv("CAPTION_AUTO_CONFIRM_ENABLED", "true")
	t.Setenv("CAPTION_AUTO_CONFIRM_TIMEOUT_S", "7")
	t.Setenv("CAPTION_SEGMENTER_MIN_WORDS", "3")
	t.Setenv("CAPTION_SEGMENTER_MIN_CHARS", "12")
	t.Setenv("CAPTION_STORE_PATH", "./tmp.db")
	t.Setenv("CAPTION_STORE_MODE", "ephemeral")
	t.Setenv("CAPTION_STORE_RETENTION_DAYS", "7")
	t.Setenv("CAPTION_STORE_MAX_SESSIONS", "123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Room.Secret != "hunter2" {
		t.Fatalf("expected room secret override")
	}
	if cfg.Room.PresenceIntervalMS != 1500 || cfg.Room.ConnectionTimeoutMS != 6000 {
		t.Fatalf("expected room interval overrides, got %+v", cfg.Room)
	}
	if !cfg.AutoConfirm.Enabled || cfg.AutoConfirm.TimeoutSeconds != 7 {
		t.Fatalf("expected auto-confirm overrides, got %+v", cfg.AutoConfirm)
	}
	if cfg.Segmenter.MinWords != 3 || cfg.Segmenter.MinChars != 12 {
		t.Fatalf("expected segmenter overrides, got %+v", cfg.Segmenter)
	}
	if cfg.Store.Path != "./tmp.db" || cfg.Store.Mode != "ephemeral" {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if cfg.Store.RetentionDays != 7 || cfg.Store.MaxSessions != 123 {
		t.Fatalf("expected retention overrides, got %+v", cfg.Store)
	}
}

func TestValidateRejectsBadRoomTimeouts(t *testing.T) {
	t.Setenv("CAPTION_ROOM_CONNECTION_TIMEOUT_MS", "1000")
	t.Setenv("CAPTION_ROOM_PRESENCE_INTERVAL_MS", "2000")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error when timeout <= presence interval")
	}
}

func TestValidateRejectsUnknownStoreMode(t *testing.T) {
	t.Setenv("CAPTION_STORE_MODE", "forever")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error for unknown store mode")
	}
}
