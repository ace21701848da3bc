// Package config loads the gateway configuration file. YAML and TOML are both
// accepted, chosen by file extension, and unknown keys are rejected so typos
// surface at startup instead of silently falling back to defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcpgate/pkg/dispatch"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
	"github.com/vikashloomba/mcpgate/pkg/mcpmgr"
	"github.com/vikashloomba/mcpgate/pkg/registry"
)

// ReservedName cannot be used as a backend name; the gateway's own tools
// live under it.
const ReservedName = "platform"

// Auth types.
const (
	AuthAPIKey = "api_key"
	AuthJWT    = "jwt"
	AuthBoth   = "both"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const defaultRateKey = "default"

var backendName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config is the whole configuration file.
type Config struct {
	Platform   PlatformConfig          `yaml:"platform" toml:"platform"`
	Auth       AuthConfig              `yaml:"auth" toml:"auth"`
	Storage    StorageConfig           `yaml:"storage" toml:"storage"`
	Servers    map[string]ServerConfig `yaml:"servers" toml:"servers"`
	Billing    BillingConfig           `yaml:"billing" toml:"billing"`
	RateLimits map[string]int          `yaml:"rate_limits" toml:"rate_limits"`
	Admin      AdminConfig             `yaml:"admin" toml:"admin"`
	Telemetry  TelemetryConfig         `yaml:"telemetry" toml:"telemetry"`
	Log        LogConfig               `yaml:"log" toml:"log"`
}

type PlatformConfig struct {
	Name            string   `yaml:"name" toml:"name"`
	Addr            string   `yaml:"addr" toml:"addr"`
	Path            string   `yaml:"path" toml:"path"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type AuthConfig struct {
	Type          string   `yaml:"type" toml:"type"`
	JWTPrivateKey string   `yaml:"jwt_private_key" toml:"jwt_private_key"`
	JWTPublicKey  string   `yaml:"jwt_public_key" toml:"jwt_public_key"`
	JWTTTL        Duration `yaml:"jwt_ttl" toml:"jwt_ttl"`
	// CacheTTL bounds how long a verified API key is trusted without
	// rehashing. Negative disables the cache.
	CacheTTL Duration `yaml:"cache_ttl" toml:"cache_ttl"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// ServerConfig describes one backend tool-server.
type ServerConfig struct {
	Transport string            `yaml:"transport" toml:"transport"`
	Command   string            `yaml:"command" toml:"command"`
	Args      []string          `yaml:"args" toml:"args"`
	Env       map[string]string `yaml:"env" toml:"env"`
	URL       string            `yaml:"url" toml:"url"`
	Headers   map[string]string `yaml:"headers" toml:"headers"`
	Timeout   Duration          `yaml:"timeout" toml:"timeout"`
	// Pricing maps native tool names to a per-call price in credits. The
	// "default" entry prices every tool without its own entry.
	Pricing map[string]float64 `yaml:"pricing" toml:"pricing"`
}

// TransportKind resolves an omitted transport from the fields that are set.
func (s ServerConfig) TransportKind() string {
	if s.Transport != "" {
		return strings.ToLower(s.Transport)
	}
	if s.Command == "" && s.URL != "" {
		return string(mcpmgr.TransportHTTP)
	}
	return string(mcpmgr.TransportStdio)
}

type BillingConfig struct {
	Currency        string  `yaml:"currency" toml:"currency"`
	DefaultCredits  float64 `yaml:"default_credits" toml:"default_credits"`
	AllowSelfCredit bool    `yaml:"allow_self_credit" toml:"allow_self_credit"`
}

type AdminConfig struct {
	Token       string   `yaml:"token" toml:"token"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			Name:            "mcpgate",
			Addr:            ":8700",
			Path:            "/mcp",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Auth: AuthConfig{
			Type:     AuthAPIKey,
			JWTTTL:   Duration(24 * time.Hour),
			CacheTTL: Duration(time.Minute),
		},
		Storage:    StorageConfig{Driver: DriverSQLite, DSN: "mcpgate.db"},
		Servers:    map[string]ServerConfig{},
		Billing:    BillingConfig{Currency: "credits", DefaultCredits: 10},
		RateLimits: map[string]int{defaultRateKey: 60},
		Telemetry:  TelemetryConfig{ServiceName: "mcpgate"},
		Log:        LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads and validates the file at path. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return fmt.Errorf("config: parse %s: %s", path, strict.String())
			}
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file extension %q", ext)
	}
	return nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if c.Platform.Addr == "" {
		add("platform.addr is required")
	}
	if !strings.HasPrefix(c.Platform.Path, "/") {
		add("platform.path must start with /, got %q", c.Platform.Path)
	}
	if c.Platform.ShutdownTimeout < 0 {
		add("platform.shutdown_timeout must not be negative")
	}

	switch c.Auth.Type {
	case AuthAPIKey, AuthJWT, AuthBoth:
	default:
		add("auth.type must be one of api_key, jwt, both; got %q", c.Auth.Type)
	}
	if (c.Auth.JWTPrivateKey == "") != (c.Auth.JWTPublicKey == "") {
		add("auth.jwt_private_key and auth.jwt_public_key must be set together")
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			add("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	case DriverMemory:
	default:
		add("storage.driver must be one of sqlite, postgres, memory; got %q", c.Storage.Driver)
	}

	for _, name := range c.serverNames() {
		errs = append(errs, validateServer(name, c.Servers[name])...)
	}

	if c.Billing.DefaultCredits < 0 || math.IsNaN(c.Billing.DefaultCredits) {
		add("billing.default_credits must not be negative")
	}
	for account, n := range c.RateLimits {
		if n < 0 {
			add("rate_limits.%s must not be negative", account)
		}
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format must be json or text, got %q", c.Log.Format)
	}
	return errors.Join(errs...)
}

func validateServer(name string, s ServerConfig) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: servers.%s: "+format, append([]any{name}, args...)...))
	}
	switch {
	case !backendName.MatchString(name):
		add("name must match %s", backendName)
	case strings.Contains(name, registry.DefaultSeparator):
		add("name must not contain %q", registry.DefaultSeparator)
	case name == ReservedName:
		add("name is reserved")
	}

	switch s.TransportKind() {
	case string(mcpmgr.TransportStdio):
		if s.Command == "" {
			add("command is required for stdio")
		}
	case string(mcpmgr.TransportHTTP), string(mcpmgr.TransportSSE):
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("url must be an absolute http(s) URL, got %q", s.URL)
		}
	default:
		add("transport must be one of stdio, http, sse; got %q", s.Transport)
	}
	if s.Timeout < 0 {
		add("timeout must not be negative")
	}
	for tool, price := range s.Pricing {
		if price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			add("pricing.%s must be a non-negative number", tool)
		}
	}
	return errs
}

func (c *Config) serverNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerConfigs converts the servers section for mcpmgr.NewManager.
func (c *Config) ServerConfigs() map[string]mcpmgr.ServerConfig {
	out := make(map[string]mcpmgr.ServerConfig, len(c.Servers))
	for name, s := range c.Servers {
		base := mcpmgr.BaseServerConfig{Timeout: time.Duration(s.Timeout)}
		switch kind := s.TransportKind(); kind {
		case string(mcpmgr.TransportHTTP), string(mcpmgr.TransportSSE):
			preferSSE := kind == string(mcpmgr.TransportSSE)
			var headers http.Header
			if len(s.Headers) > 0 {
				headers = make(http.Header, len(s.Headers))
				for k, v := range s.Headers {
					headers.Set(k, v)
				}
			}
			out[name] = &mcpmgr.HTTPServerConfig{
				BaseServerConfig: base,
				Endpoint:         s.URL,
				Headers:          headers,
				PreferSSE:        &preferSSE,
			}
		default:
			out[name] = &mcpmgr.StdioServerConfig{
				BaseServerConfig: base,
				Command:          s.Command,
				Args:             s.Args,
				Env:              s.Env,
			}
		}
	}
	return out
}

// Pricing converts every backend's price list to ledger amounts.
func (c *Config) Pricing() dispatch.PriceTable {
	table := make(dispatch.PriceTable, len(c.Servers))
	for name, s := range c.Servers {
		if len(s.Pricing) == 0 {
			continue
		}
		prices := make(dispatch.Prices, len(s.Pricing))
		for tool, p := range s.Pricing {
			prices[tool] = ledger.FromCredits(p)
		}
		table[name] = prices
	}
	return table
}

// RateLimit returns the calls-per-minute limit for an account: its own
// entry, else the default. Zero means unlimited.
func (c *Config) RateLimit(accountID string) int {
	if n, ok := c.RateLimits[accountID]; ok {
		return n
	}
	return c.RateLimits[defaultRateKey]
}

// DefaultCredits is the starting balance for bootstrapped accounts.
func (c *Config) DefaultCredits() ledger.Amount {
	return ledger.FromCredits(c.Billing.DefaultCredits)
}

// LogLevel parses log.level; Validate has already rejected bad values.
func (c *Config) LogLevel() slog.Level {
	lvl, _ := parseLevel(c.Log.Level)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log.level: %w", err)
	}
	return lvl, nil
}
