package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// RoomConfig governs relay-side room lifecycle and the optional
// shared-secret check at connect time.
type RoomConfig struct {
	Secret              string `yaml:"secret"`
	PresenceIntervalMS  int    `yaml:"presence_interval_ms"`
	ConnectionTimeoutMS int    `yaml:"connection_timeout_ms"`
	ReapIntervalMS      int    `yaml:"reap_interval_ms"`
}

// AutoConfirmConfig is the default policy for new sessions; the host can
// change it live and the change replicates.
type AutoConfirmConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeout_seconds"`
}

// SegmenterConfig sets subtitle cue thresholds.
type SegmenterConfig struct {
	MinWords int `yaml:"min_words"`
	MinChars int `yaml:"min_chars"`
}

// StoreConfig points at the SQLite session/snapshot store. Mode "ephemeral"
// disables persistence entirely.
type StoreConfig struct {
	Path               string `yaml:"path"`
	Mode               string `yaml:"mode"`
	SnapshotIntervalMS int    `yaml:"snapshot_interval_ms"`
	RetentionDays      int    `yaml:"retention_days"`
	MaxSessions        int    `yaml:"max_sessions"`
}

type Config struct {
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Room        RoomConfig        `yaml:"room"`
	AutoConfirm AutoConfirmConfig `yaml:"auto_confirm"`
	Segmenter   SegmenterConfig   `yaml:"segmenter"`
	Store       StoreConfig       `yaml:"store"`
}

func Default() Config {
	return Config{
		ServiceName: "captiond",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Room: RoomConfig{
			PresenceIntervalMS:  2000,
			ConnectionTimeoutMS: 10000,
			ReapIntervalMS:      5000,
		},
		AutoConfirm: AutoConfirmConfig{
			Enabled:        false,
			TimeoutSeconds: 5,
		},
		Segmenter: SegmenterConfig{
			MinWords: 5,
			MinChars: 30,
		},
		Store: StoreConfig{
			Path:               "./data/livecaption.db",
			Mode:               "persistent",
			SnapshotIntervalMS: 15000,
			RetentionDays:      30,
			MaxSessions:        10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "CAPTION_SERVICE_NAME")
	overrideString(&cfg.Environment, "CAPTION_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CAPTION_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CAPTION_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CAPTION_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CAPTION_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CAPTION_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "CAPTION_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CAPTION_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CAPTION_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CAPTION_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CAPTION_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CAPTION_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CAPTION_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CAPTION_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Room.Secret, "CAPTION_ROOM_SECRET")
	overrideInt(&cfg.Room.PresenceIntervalMS, "CAPTION_ROOM_PRESENCE_INTERVAL_MS")
	overrideInt(&cfg.Room.ConnectionTimeoutMS, "CAPTION_ROOM_CONNECTION_TIMEOUT_MS")
	overrideInt(&cfg.Room.ReapIntervalMS, "CAPTION_ROOM_REAP_INTERVAL_MS")
	overrideBool(&cfg.AutoConfirm.Enabled, "CAPTION_AUTO_CONFIRM_ENABLED")
	overrideInt(&cfg.AutoConfirm.TimeoutSeconds, "CAPTION_AUTO_CONFIRM_TIMEOUT_S")
	overrideInt(&cfg.Segmenter.MinWords, "CAPTION_SEGMENTER_MIN_WORDS")
	overrideInt(&cfg.Segmenter.MinChars, "CAPTION_SEGMENTER_MIN_CHARS")
	overrideString(&cfg.Store.Path, "CAPTION_STORE_PATH")
	overrideString(&cfg.Store.Mode, "CAPTION_STORE_MODE")
	overrideInt(&cfg.Store.SnapshotIntervalMS, "CAPTION_STORE_SNAPSHOT_INTERVAL_MS")
	overrideInt(&cfg.Store.RetentionDays, "CAPTION_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "CAPTION_STORE_MAX_SESSIONS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Room.PresenceIntervalMS <= 0 {
		return errors.New("room.presence_interval_ms must be positive")
	}
	if cfg.Room.ConnectionTimeoutMS <= cfg.Room.PresenceIntervalMS {
		return errors.New("room.connection_timeout_ms must be greater than the presence interval")
	}
	if cfg.Room.ReapIntervalMS <= 0 {
		return errors.New("room.reap_interval_ms must be positive")
	}
	if cfg.AutoConfirm.TimeoutSeconds <= 0 {
		return errors.New("auto_confirm.timeout_seconds must be positive")
	}
	if cfg.Segmenter.MinWords <= 0 || cfg.Segmenter.MinChars <= 0 {
		return errors.New("segmenter thresholds must be positive")
	}
	switch cfg.Store.Mode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("store.mode must be one of ephemeral|persistent")
	}
	if cfg.Store.Mode == "persistent" {
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty")
		}
		if cfg.Store.SnapshotIntervalMS <= 0 {
			return errors.New("store.snapshot_interval_ms must be positive")
		}
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	return nil
}
