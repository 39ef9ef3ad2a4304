package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider kinds accepted by SANDBOX_PROVIDER.
const (
	ProviderE2B          = "e2b"
	ProviderVercel       = "vercel"
	ProviderWebContainer = "webcontainer"
)

type Config struct {
	API          APIConfig          `yaml:"api"`
	Frontend     FrontendConfig     `yaml:"frontend"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	E2B          E2BConfig          `yaml:"e2b"`
	Vercel       VercelConfig       `yaml:"vercel"`
	WebContainer WebContainerConfig `yaml:"webcontainer"`
	Morph        MorphConfig        `yaml:"morph"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	PostHog      PostHogConfig      `yaml:"posthog"`
}

type APIConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableDocs      bool          `yaml:"enable_docs"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	// APIKeys enables bearer/X-API-Key auth on /api routes when non-empty.
	APIKeys []string `yaml:"api_keys"`
}

type FrontendConfig struct {
	URL string `yaml:"url"`
}

type SandboxConfig struct {
	Provider        string        `yaml:"provider"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	DevPort         int           `yaml:"dev_port"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	ReadyFallback   time.Duration `yaml:"ready_fallback"`
	ReadyProbe      bool          `yaml:"ready_probe"`
	RestartCooldown time.Duration `yaml:"restart_cooldown"`
	NPMFlags        string        `yaml:"npm_flags"`
	AutoRestartVite bool          `yaml:"auto_restart_vite"`
}

type E2BConfig struct {
	APIKey   string        `yaml:"api_key"`
	APIURL   string        `yaml:"api_url"`
	Domain   string        `yaml:"domain"`
	Template string        `yaml:"template"`
	Timeout  time.Duration `yaml:"timeout"`
}

type VercelConfig struct {
	Token     string        `yaml:"token"`
	TeamID    string        `yaml:"team_id"`
	ProjectID string        `yaml:"project_id"`
	OIDCToken string        `yaml:"oidc_token"`
	APIURL    string        `yaml:"api_url"`
	Runtime   string        `yaml:"runtime"`
	Timeout   time.Duration `yaml:"timeout"`
	VCPUs     int           `yaml:"vcpus"`
}

type WebContainerConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type MorphConfig struct {
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PostHogConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Addr:            ":8080",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Minute,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Frontend: FrontendConfig{
			URL: "http://localhost:3000",
		},
		Sandbox: SandboxConfig{
			Provider:        ProviderE2B,
			IdleTimeout:     30 * time.Minute,
			CleanupInterval: time.Minute,
			DevPort:         5173,
			KillGrace:       2 * time.Second,
			ReadyTimeout:    30 * time.Second,
			ReadyFallback:   7 * time.Second,
			ReadyProbe:      true,
			RestartCooldown: 5 * time.Second,
		},
		E2B: E2BConfig{
			APIURL:   "https://api.e2b.app",
			Domain:   "e2b.app",
			Template: "base",
			Timeout:  15 * time.Minute,
		},
		Vercel: VercelConfig{
			APIURL:  "https://api.vercel.com",
			Runtime: "node22",
			Timeout: 5 * time.Minute,
			VCPUs:   2,
		},
		WebContainer: WebContainerConfig{
			ConnectTimeout: 30 * time.Second,
			RequestTimeout: 5 * time.Minute,
		},
		Morph: MorphConfig{
			BaseURL:    "https://api.morphllm.com/v1",
			Model:      "morph-v3-large",
			Timeout:    60 * time.Second,
			MaxRetries: 3,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			URL:             "preview.db",
			MaxOpenConns:    16,
			MaxIdleConns:    8,
			ConnMaxLifetime: time.Hour,
			AutoMigrate:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		PostHog: PostHogConfig{
			Endpoint: "https://us.i.posthog.com",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.API.Addr = envOr("API_ADDR", c.API.Addr)
	c.API.ReadTimeout = envDuration("API_READ_TIMEOUT", c.API.ReadTimeout)
	c.API.WriteTimeout = envDuration("API_WRITE_TIMEOUT", c.API.WriteTimeout)
	c.API.IdleTimeout = envDuration("API_IDLE_TIMEOUT", c.API.IdleTimeout)
	c.API.ShutdownTimeout = envDuration("API_SHUTDOWN_TIMEOUT", c.API.ShutdownTimeout)
	c.API.EnableDocs = envBool("API_ENABLE_DOCS", c.API.EnableDocs)
	if v := envStringSlice("TRUSTED_PROXIES"); v != nil {
		c.API.TrustedProxies = v
	}
	if v := envStringSlice("API_KEYS"); v != nil {
		c.API.APIKeys = v
	}

	c.Frontend.URL = envOr("FRONTEND_URL", c.Frontend.URL)

	c.Sandbox.Provider = strings.ToLower(envOr("SANDBOX_PROVIDER", c.Sandbox.Provider))
	c.Sandbox.IdleTimeout = envDuration("SANDBOX_IDLE_TIMEOUT", c.Sandbox.IdleTimeout)
	c.Sandbox.CleanupInterval = envDuration("SANDBOX_CLEANUP_INTERVAL", c.Sandbox.CleanupInterval)
	c.Sandbox.DevPort = envInt("SANDBOX_DEV_PORT", c.Sandbox.DevPort)
	c.Sandbox.KillGrace = envDuration("SANDBOX_KILL_GRACE", c.Sandbox.KillGrace)
	c.Sandbox.ReadyTimeout = envDuration("SANDBOX_READY_TIMEOUT", c.Sandbox.ReadyTimeout)
	c.Sandbox.ReadyFallback = envDuration("SANDBOX_READY_FALLBACK", c.Sandbox.ReadyFallback)
	c.Sandbox.ReadyProbe = envBool("SANDBOX_READY_PROBE", c.Sandbox.ReadyProbe)
	c.Sandbox.RestartCooldown = envDuration("SANDBOX_RESTART_COOLDOWN", c.Sandbox.RestartCooldown)
	c.Sandbox.NPMFlags = envOr("NPM_FLAGS", c.Sandbox.NPMFlags)
	c.Sandbox.AutoRestartVite = envBool("AUTO_RESTART_VITE", c.Sandbox.AutoRestartVite)

	c.E2B.APIKey = envOr("E2B_API_KEY", c.E2B.APIKey)
	c.E2B.APIURL = envOr("E2B_API_URL", c.E2B.APIURL)
	c.E2B.Domain = envOr("E2B_DOMAIN", c.E2B.Domain)
	c.E2B.Template = envOr("E2B_TEMPLATE", c.E2B.Template)
	c.E2B.Timeout = envDuration("E2B_TIMEOUT", c.E2B.Timeout)

	c.Vercel.Token = envOr("VERCEL_TOKEN", c.Vercel.Token)
	c.Vercel.TeamID = envOr("VERCEL_TEAM_ID", c.Vercel.TeamID)
	c.Vercel.ProjectID = envOr("VERCEL_PROJECT_ID", c.Vercel.ProjectID)
	c.Vercel.OIDCToken = envOr("VERCEL_OIDC_TOKEN", c.Vercel.OIDCToken)
	c.Vercel.APIURL = envOr("VERCEL_API_URL", c.Vercel.APIURL)
	c.Vercel.Runtime = envOr("VERCEL_RUNTIME", c.Vercel.Runtime)
	c.Vercel.Timeout = envDuration("VERCEL_SANDBOX_TIMEOUT", c.Vercel.Timeout)
	c.Vercel.VCPUs = envInt("VERCEL_VCPUS", c.Vercel.VCPUs)

	c.WebContainer.ConnectTimeout = envDuration("WEBCONTAINER_CONNECT_TIMEOUT", c.WebContainer.ConnectTimeout)
	c.WebContainer.RequestTimeout = envDuration("WEBCONTAINER_REQUEST_TIMEOUT", c.WebContainer.RequestTimeout)

	c.Morph.APIKey = envOr("MORPH_API_KEY", c.Morph.APIKey)
	c.Morph.BaseURL = envOr("MORPH_BASE_URL", c.Morph.BaseURL)
	c.Morph.Model = envOr("MORPH_MODEL", c.Morph.Model)
	c.Morph.Timeout = envDuration("MORPH_TIMEOUT", c.Morph.Timeout)
	c.Morph.MaxRetries = envInt("MORPH_MAX_RETRIES", c.Morph.MaxRetries)

	c.Database.Driver = strings.ToLower(envOr("DATABASE_DRIVER", c.Database.Driver))
	c.Database.URL = envOr("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.AutoMigrate = envBool("DATABASE_AUTO_MIGRATE", c.Database.AutoMigrate)

	c.Logging.Level = envOr("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOr("LOG_FORMAT", c.Logging.Format)

	c.PostHog.APIKey = envOr("POSTHOG_API_KEY", c.PostHog.APIKey)
	c.PostHog.Endpoint = envOr("POSTHOG_ENDPOINT", c.PostHog.Endpoint)
}

// Validate checks that required configuration fields are set and valid.
func (c *Config) Validate() error {
	switch c.Sandbox.Provider {
	case ProviderE2B:
		if c.E2B.APIKey == "" {
			return fmt.Errorf("E2B_API_KEY is required when SANDBOX_PROVIDER=e2b")
		}
	case ProviderVercel:
		if (c.Vercel.TeamID == "") != (c.Vercel.ProjectID == "") {
			return fmt.Errorf("VERCEL_TEAM_ID and VERCEL_PROJECT_ID must be set together")
		}
		if c.Vercel.Token == "" && c.Vercel.OIDCToken == "" {
			slog.Warn("no Vercel token or OIDC token set: relying on default environment auth")
		}
	case ProviderWebContainer:
	default:
		return fmt.Errorf("SANDBOX_PROVIDER must be one of e2b, vercel, webcontainer (got %q)", c.Sandbox.Provider)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres (got %q)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Frontend.URL == "*" {
		return fmt.Errorf("FRONTEND_URL must not be '*'")
	}
	if u, err := url.Parse(c.Frontend.URL); err != nil || u.Scheme == "" {
		return fmt.Errorf("FRONTEND_URL must be a valid URL")
	}

	if c.Sandbox.DevPort <= 0 || c.Sandbox.DevPort > 65535 {
		return fmt.Errorf("SANDBOX_DEV_PORT must be a valid port")
	}
	if c.Sandbox.ReadyTimeout <= 0 {
		return fmt.Errorf("SANDBOX_READY_TIMEOUT must be positive")
	}
	if c.Sandbox.ReadyFallback < 0 || c.Sandbox.KillGrace < 0 {
		return fmt.Errorf("sandbox wait durations must not be negative")
	}

	if c.Morph.APIKey == "" {
		slog.Warn("MORPH_API_KEY not set: fast apply edits are disabled")
	}
	if len(c.API.APIKeys) == 0 {
		slog.Warn("API_KEYS not set: /api routes are unauthenticated")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return b
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func envStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
