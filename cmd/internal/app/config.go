package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains the relay runtime configuration.
//
// Defaults are overlaid by the YAML file named in DESK_CONFIG_FILE (if any), then by DESK_*
// environment variables.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	DatabaseURL   string `yaml:"database_url"`
	DBMaxConns    int32  `yaml:"db_max_conns"`
	DBMinConns    int32  `yaml:"db_min_conns"`
	DBSchema      string `yaml:"db_schema"`
	DBAutoMigrate bool   `yaml:"db_auto_migrate"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	WSDevInsecure      bool          `yaml:"ws_dev_insecure"`
	WSOriginRequired   bool          `yaml:"ws_origin_required"`
	WSAllowedOrigins   []string      `yaml:"ws_allowed_origins"`
	WSSendQueue        int           `yaml:"ws_send_queue"`
	WSWriteTimeout     time.Duration `yaml:"ws_write_timeout"`
	WSReadIdleTimeout  time.Duration `yaml:"ws_read_idle_timeout"`
	WSHeartbeatEvery   time.Duration `yaml:"ws_heartbeat_every"`
	WSHeartbeatTimeout time.Duration `yaml:"ws_heartbeat_timeout"`
	WSRateEvents       int           `yaml:"ws_rate_events"`
	WSRateWindow       time.Duration `yaml:"ws_rate_window"`
}

// DeskConfig configures the agent console.
type DeskConfig struct {
	RelayURL string `yaml:"relay_url"`
	Origin   string `yaml:"origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MetricsAddr serves the engine's /metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns: 10,
		DBSchema:   "desk",

		WSSendQueue: 64,
	}
}

func defaultDeskConfig() DeskConfig {
	return DeskConfig{
		RelayURL:       "ws://127.0.0.1:8080/ws/agent",
		LogLevel:       "info",
		LogFormat:      "pretty",
		FetchTimeout:   5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// LoadConfig loads the relay Config.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()
	if err := overlayFile(EnvString("DESK_CONFIG_FILE", ""), "relay", &cfg); err != nil {
		return Config{}, err
	}

	cfg.HTTPAddr = EnvString("DESK_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("DESK_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("DESK_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("DESK_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("DESK_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("DESK_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("DESK_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("DESK_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("DESK_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("DESK_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("DESK_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("DESK_DB_SCHEMA", cfg.DBSchema)
	cfg.DBAutoMigrate = EnvBool("DESK_DB_AUTO_MIGRATE", cfg.DBAutoMigrate)

	cfg.ReadinessRequireDB = EnvBool("DESK_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.WSDevInsecure = EnvBool("DESK_WS_DEV_INSECURE", cfg.WSDevInsecure)
	cfg.WSOriginRequired = EnvBool("DESK_WS_ORIGIN_REQUIRED", cfg.WSOriginRequired)
	cfg.WSAllowedOrigins = EnvCSV("DESK_WS_ALLOWED_ORIGINS", cfg.WSAllowedOrigins)
	cfg.WSSendQueue = EnvInt("DESK_WS_SEND_QUEUE", cfg.WSSendQueue)
	cfg.WSWriteTimeout = EnvDuration("DESK_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSReadIdleTimeout = EnvDuration("DESK_WS_READ_IDLE_TIMEOUT", cfg.WSReadIdleTimeout)
	cfg.WSHeartbeatEvery = EnvDuration("DESK_WS_HEARTBEAT_EVERY", cfg.WSHeartbeatEvery)
	cfg.WSHeartbeatTimeout = EnvDuration("DESK_WS_HEARTBEAT_TIMEOUT", cfg.WSHeartbeatTimeout)
	cfg.WSRateEvents = EnvInt("DESK_WS_RATE_EVENTS", cfg.WSRateEvents)
	cfg.WSRateWindow = EnvDuration("DESK_WS_RATE_WINDOW", cfg.WSRateWindow)

	return cfg, nil
}

// LoadDeskConfig loads the agent console DeskConfig.
func LoadDeskConfig() (DeskConfig, error) {
	cfg := defaultDeskConfig()
	if err := overlayFile(EnvString("DESK_CONFIG_FILE", ""), "desk", &cfg); err != nil {
		return DeskConfig{}, err
	}

	cfg.RelayURL = EnvString("DESK_RELAY_URL", cfg.RelayURL)
	cfg.Origin = EnvString("DESK_ORIGIN", cfg.Origin)
	cfg.LogLevel = EnvString("DESK_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("DESK_LOG_FORMAT", cfg.LogFormat)
	cfg.FetchTimeout = EnvDuration("DESK_FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.RequestTimeout = EnvDuration("DESK_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MetricsAddr = EnvString("DESK_METRICS_ADDR", cfg.MetricsAddr)

	return cfg, nil
}

// overlayFile decodes the named top-level section of a YAML file onto dst.
// Keys missing from the file keep their current values.
func overlayFile(path, section string, dst any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	node, ok := doc[section]
	if !ok {
		return nil
	}
	if err := node.Decode(dst); err != nil {
		return fmt.Errorf("config file %s: section %q: %w", path, section, err)
	}
	return nil
}
