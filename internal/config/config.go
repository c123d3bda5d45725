package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type SignalEnv string

const (
	Production SignalEnv = "production"
	Staging    SignalEnv = "staging"
)

const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

const envPrefix = "PUSHSOCKET_"

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GinMode  string `yaml:"gin_mode"`
	LogLevel string `yaml:"log_level"`

	SignalEnv        SignalEnv `yaml:"signal_env"`
	AllowedEndpoints []string  `yaml:"allowed_endpoints"`
	AllowedUUIDs     []string  `yaml:"allowed_uuids"`

	DB       string `yaml:"db"`
	DBDriver string `yaml:"db_driver"`

	VapidPrivateKey string `yaml:"vapid_privkey"`
	RootCAFile      string `yaml:"root_ca_file"`
	Webserver       bool   `yaml:"webserver"`

	PushTimeout         time.Duration `yaml:"push_timeout"`
	ReconnectResetAfter time.Duration `yaml:"reconnect_reset_after"`
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// OSEnv reads the process environment.
func OSEnv() Env { return osEnv{} }

func Default() Config {
	return Config{
		Host:                "127.0.0.1",
		Port:                8020,
		GinMode:             "release",
		LogLevel:            "info",
		SignalEnv:           Production,
		AllowedEndpoints:    []string{"*"},
		AllowedUUIDs:        []string{"*"},
		DB:                  "./pushsocket.db",
		DBDriver:            DriverSQLite,
		Webserver:           true,
		PushTimeout:         time.Second,
		ReconnectResetAfter: time.Minute,
	}
}

// LoadConfig reads the first config file found (see FindFile) and applies
// environment overrides.
func LoadConfig(cliPath string) (Config, error) {
	return Load(FindFile(cliPath, osEnv{}), osEnv{})
}

// Load applies, in order: defaults, the YAML file at path (if not empty) and
// PUSHSOCKET_* environment variables.
func Load(path string, env Env) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FindFile returns the first existing config file: the CLI path,
// $PUSHSOCKET_CONF, ./pushsocket.yaml, /etc/pushsocket/config.yaml.
func FindFile(cliPath string, env Env) string {
	candidates := []string{cliPath, env.Getenv(envPrefix + "CONF"), "./pushsocket.yaml", "/etc/pushsocket/config.yaml"}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config, env Env) error {
	get := func(key string) string { return env.Getenv(envPrefix + key) }

	if raw := get("HOST"); raw != "" {
		cfg.Host = raw
	}
	if raw := get("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %sPORT", envPrefix)
		}
		cfg.Port = port
	}
	if raw := get("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	if raw := get("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := get("SIGNAL_ENV"); raw != "" {
		cfg.SignalEnv = SignalEnv(strings.ToLower(raw))
	}
	if raw := get("ALLOWED_ENDPOINTS"); raw != "" {
		cfg.AllowedEndpoints = splitList(raw)
	}
	if raw := get("ALLOWED_UUIDS"); raw != "" {
		cfg.AllowedUUIDs = splitList(raw)
	}
	if raw := get("DB"); raw != "" {
		cfg.DB = raw
	}
	if raw := get("DB_DRIVER"); raw != "" {
		cfg.DBDriver = raw
	}
	if raw := get("VAPID_PRIVKEY"); raw != "" {
		cfg.VapidPrivateKey = raw
	}
	if raw := get("ROOT_CA_FILE"); raw != "" {
		cfg.RootCAFile = raw
	}
	if raw := get("WEBSERVER"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %sWEBSERVER", envPrefix)
		}
		cfg.Webserver = v
	}
	if raw := get("PUSH_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid %sPUSH_TIMEOUT", envPrefix)
		}
		cfg.PushTimeout = d
	}
	if raw := get("RECONNECT_RESET_AFTER"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid %sRECONNECT_RESET_AFTER", envPrefix)
		}
		cfg.ReconnectResetAfter = d
	}
	return nil
}

// splitList accepts "a,b" as well as a JSON-ish `["a","b"]` list.
func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	switch c.SignalEnv {
	case Production, Staging:
	default:
		return fmt.Errorf("invalid signal_env %q", c.SignalEnv)
	}
	switch c.DBDriver {
	case DriverSQLite, DriverJSON:
	default:
		return fmt.Errorf("invalid db_driver %q", c.DBDriver)
	}
	if c.DB == "" {
		return errors.New("db is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("invalid port")
	}
	return nil
}

// WSEndpointFor returns the provider websocket URL for one account.
func (c Config) WSEndpointFor(accountID string, deviceID uint32, password string) string {
	host := "chat.signal.org"
	if c.SignalEnv == Staging {
		host = "chat.staging.signal.org"
	}
	q := url.Values{}
	q.Set("login", fmt.Sprintf("%s.%d", accountID, deviceID))
	q.Set("password", password)
	return "wss://" + host + "/v1/websocket/?" + q.Encode()
}

// IsAccountAllowed reports whether accountID may register.
func (c Config) IsAccountAllowed(accountID string) bool {
	return slices.ContainsFunc(c.AllowedUUIDs, func(allowed string) bool {
		return allowed == "*" || allowed == accountID
	})
}

// AllowsAnyEndpoint reports whether endpoints outside the operator list are
// accepted, provided they resolve to a public address.
func (c Config) AllowsAnyEndpoint() bool {
	return slices.Contains(c.AllowedEndpoints, "*")
}

// IsEndpointAllowedByOperator reports whether u matches an allowed_endpoints
// entry on scheme, host, effective port and userinfo. Such endpoints bypass
// the address checks.
func (c Config) IsEndpointAllowedByOperator(u *url.URL) bool {
	for _, raw := range c.AllowedEndpoints {
		if raw == "*" {
			continue
		}
		allowed, err := url.Parse(raw)
		if err != nil || allowed.Host == "" {
			continue
		}
		if strings.EqualFold(u.Scheme, allowed.Scheme) &&
			strings.EqualFold(u.Hostname(), allowed.Hostname()) &&
			effectivePort(u) == effectivePort(allowed) &&
			userinfo(u) == userinfo(allowed) {
			return true
		}
	}
	return false
}

// SigningPrivateKey returns the configured VAPID private key, empty when
// unset.
func (c Config) SigningPrivateKey() string {
	return c.VapidPrivateKey
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		return "443"
	case "http", "ws":
		return "80"
	}
	return ""
}

func userinfo(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	return u.User.String()
}
